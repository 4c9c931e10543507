package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/hasession/internal/codec"
)

// ErrNoHandler is reported in an Ack when the peer has nothing registered
// for the requested group.
var ErrNoHandler = errors.New("no handler registered for group")

// Handler serves replicated calls addressed to one group. args and the
// returned result are CBOR documents.
type Handler interface {
	HandleCall(ctx context.Context, method string, args []byte) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, method string, args []byte) ([]byte, error)

// HandleCall calls f.
func (f HandlerFunc) HandleCall(ctx context.Context, method string, args []byte) ([]byte, error) {
	return f(ctx, method, args)
}

// StateProvider produces and absorbs full state images for a topic. It is
// used to bring a joining member up to date.
type StateProvider interface {
	State() []byte
	SetState(state []byte) error
}

// Ack is one member's answer to a broadcast call.
type Ack struct {
	Node   string
	Result []byte
	Err    string
}

// Decode unmarshals the CBOR result into v.
func (a Ack) Decode(v any) error {
	if a.Err != "" {
		return fmt.Errorf("node %s: %s", a.Node, a.Err)
	}
	return codec.Unmarshal(a.Result, v)
}

// Transport is the replication collaborator the session store depends on.
// Membership, failure detection and framing are the implementation's
// business.
type Transport interface {
	// LocalNode returns the identifier of this member.
	LocalNode() string
	// BroadcastAndAwait invokes method on every other member registered for
	// group and collects their answers. args is CBOR encoded by the transport.
	BroadcastAndAwait(ctx context.Context, group, method string, args any) ([]Ack, error)
	// RegisterHandler routes inbound calls for group to h.
	RegisterHandler(group string, h Handler)
	// SubscribeStateTransfer registers p for topic and, when another member
	// already serves the topic, loads its state into p.
	SubscribeStateTransfer(topic string, p StateProvider) error
}

// TransportError reports a failed exchange with one member.
type TransportError struct {
	Node string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("cluster: %s to %s: %v", e.Op, e.Node, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// errSkipped marks a peer that took no part in a broadcast.
var errSkipped = errors.New("skipped")

// collectAcks keeps the acks of peers whose errs entry is nil and joins the
// failures. errSkipped entries are dropped silently.
func collectAcks(acks []Ack, errs []error) ([]Ack, error) {
	out := make([]Ack, 0, len(acks))
	var failed []error
	for i, a := range acks {
		switch {
		case errs[i] == nil:
			out = append(out, a)
		case errs[i] != errSkipped:
			failed = append(failed, errs[i])
		}
	}
	return out, errors.Join(failed...)
}

// dispatch runs a call against a handler table entry, turning handler errors
// into an Ack rather than a transport failure.
func dispatch(ctx context.Context, node string, h Handler, method string, args []byte) Ack {
	if h == nil {
		return Ack{Node: node, Err: ErrNoHandler.Error()}
	}
	res, err := h.HandleCall(ctx, method, args)
	if err != nil {
		return Ack{Node: node, Err: err.Error()}
	}
	return Ack{Node: node, Result: res}
}
