package sessionstate

import (
	"bytes"
	"time"
)

// Record is one replicated unit of session state.
//
// Version only moves when Payload changes; Owner is the member holding write
// authority. LastTouched is local bookkeeping for idle cleanup and is reset
// whenever this member applies a change, local or remote.
type Record struct {
	Key         string    `cbor:"1,keyasint"`
	Payload     []byte    `cbor:"2,keyasint"`
	Version     int64     `cbor:"3,keyasint"`
	Owner       string    `cbor:"4,keyasint"`
	LastTouched time.Time `cbor:"5,keyasint"`
}

func newRecord(key, owner string, now time.Time) *Record {
	return &Record{Key: key, Owner: owner, LastTouched: now}
}

// Clone returns a deep copy so callers never share the payload buffer with
// the store.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Payload != nil {
		cp.Payload = append([]byte(nil), r.Payload...)
	}
	return &cp
}

// setPayload stores payload and bumps the version. It reports false when the
// bytes are identical to the current payload, in which case nothing changes.
func (r *Record) setPayload(payload []byte, now time.Time) bool {
	if bytes.Equal(r.Payload, payload) {
		return false
	}
	r.Payload = append([]byte(nil), payload...)
	r.Version++
	r.LastTouched = now
	return true
}

// absorb copies the replicated fields of other into r.
func (r *Record) absorb(other *Record, now time.Time) {
	r.Payload = append([]byte(nil), other.Payload...)
	r.Version = other.Version
	r.Owner = other.Owner
	r.LastTouched = now
}

func (r *Record) idleFor(now time.Time) time.Duration {
	return now.Sub(r.LastTouched)
}
