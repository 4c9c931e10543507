// Package sessionstate provides the replicated session table.
// This file implements whole-table snapshots for state transfer.
package sessionstate

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/dreamware/hasession/internal/cluster"
	"github.com/dreamware/hasession/internal/codec"
)

// Snapshot layout: magic | xxhash64 of the compressed body | gzip(cbor(image)).
var snapshotMagic = []byte("HSS1")

const snapshotHeaderLen = 4 + 8

type snapshotImage struct {
	Apps map[string]map[string]*Record `cbor:"1,keyasint"`
}

// Snapshot purges idle records and returns the whole table as a compressed
// image. It returns nil when the image cannot be produced; callers treat that
// as no state.
func (s *Store) Snapshot() []byte {
	s.PurgeIdle(s.cfg.IdleTimeout)

	img := snapshotImage{Apps: make(map[string]map[string]*Record)}
	for item := range s.table().IterBuffered() {
		ns := item.Val
		ns.mu.Lock()
		recs := make(map[string]*Record, len(ns.records))
		for k, r := range ns.records {
			recs[k] = r.Clone()
		}
		ns.mu.Unlock()
		img.Apps[item.Key] = recs
	}

	data, err := encodeSnapshot(img)
	if err != nil {
		s.log.Errorf("snapshot of %s: %v", s.cfg.Partition, err)
		return nil
	}
	return data
}

// Restore replaces the whole table with the image in data. Empty input
// leaves an empty store. An unreadable image also leaves an empty store and
// returns an error wrapping ErrSerialization.
func (s *Store) Restore(data []byte) error {
	fresh := cmap.New[*namespace]()
	var err error
	if len(data) > 0 {
		var img snapshotImage
		if img, err = decodeSnapshot(data); err == nil {
			now := s.cfg.Now()
			for app, recs := range img.Apps {
				ns := newNamespace()
				for k, r := range recs {
					if r == nil {
						continue
					}
					r.Key = k
					if r.LastTouched.IsZero() {
						r.LastTouched = now
					}
					ns.records[k] = r
				}
				fresh.Set(app, ns)
			}
		}
	}

	s.tableMu.Lock()
	s.apps = fresh
	s.tableMu.Unlock()
	return err
}

// Merge folds the image in data into the live table. A record already held
// at the same or a newer version is kept; every other record is installed
// under its record lock. Replication that arrived while the image was in
// transit therefore survives. An unreadable image changes nothing and
// returns an error wrapping ErrSerialization.
func (s *Store) Merge(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	img, err := decodeSnapshot(data)
	if err != nil {
		return err
	}
	for app, recs := range img.Apps {
		s.namespace(app)
		for k, r := range recs {
			if r == nil {
				continue
			}
			r.Key = k
			s.mergeOne(app, r)
		}
	}
	return nil
}

func (s *Store) mergeOne(app string, in *Record) {
	mtx := s.locks.lock(app, in.Key)
	defer mtx.Unlock()
	if cur, _ := s.peek(app, in.Key); cur != nil && cur.Version >= in.Version {
		return
	}
	s.absorbLocked(app, in)
}

// StateProvider exposes Snapshot and Merge to a cluster transport for state
// transfer.
func (s *Store) StateProvider() cluster.StateProvider {
	return snapshotProvider{s}
}

type snapshotProvider struct{ s *Store }

func (p snapshotProvider) State() []byte           { return p.s.Snapshot() }
func (p snapshotProvider) SetState(b []byte) error { return p.s.Merge(b) }

func encodeSnapshot(img snapshotImage) ([]byte, error) {
	raw, err := codec.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	var body bytes.Buffer
	zw := gzip.NewWriter(&body)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	out := make([]byte, snapshotHeaderLen, snapshotHeaderLen+body.Len())
	copy(out, snapshotMagic)
	binary.BigEndian.PutUint64(out[4:], xxhash.Sum64(body.Bytes()))
	return append(out, body.Bytes()...), nil
}

func decodeSnapshot(data []byte) (snapshotImage, error) {
	var img snapshotImage
	if len(data) < snapshotHeaderLen || !bytes.Equal(data[:4], snapshotMagic) {
		return img, fmt.Errorf("%w: bad header", ErrSerialization)
	}
	body := data[snapshotHeaderLen:]
	if binary.BigEndian.Uint64(data[4:]) != xxhash.Sum64(body) {
		return img, fmt.Errorf("%w: checksum mismatch", ErrSerialization)
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return img, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return img, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if err := codec.Unmarshal(raw, &img); err != nil {
		return img, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return img, nil
}
