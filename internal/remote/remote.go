// Package remote exposes a sessionstate.Store over the pooled invoker so
// that clients outside the partition can read and write sessions.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/hasession/internal/codec"
	"github.com/dreamware/hasession/internal/invoker"
	"github.com/dreamware/hasession/internal/sessionstate"
)

// Invocation method names.
const (
	MethodCreateSession = "createSession"
	MethodGetState      = "getState"
	MethodSetState      = "setState"
	MethodTakeOwnership = "takeOwnership"
	MethodRemoveSession = "removeSession"
)

const codeConcurrentAccess = "concurrent-access"

type sessionArgs struct {
	App     string `cbor:"1,keyasint"`
	Key     string `cbor:"2,keyasint"`
	Payload []byte `cbor:"3,keyasint,omitempty"`
}

type sessionResult struct {
	Record *sessionstate.Record `cbor:"1,keyasint,omitempty"`
	Code   string               `cbor:"2,keyasint,omitempty"`
	Msg    string               `cbor:"3,keyasint,omitempty"`
}

// Dispatcher serves session calls from an invoker.Server.
type Dispatcher struct {
	store *sessionstate.Store
}

var _ invoker.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher returns a Dispatcher backed by store.
func NewDispatcher(store *sessionstate.Store) *Dispatcher {
	return &Dispatcher{store: store}
}

// Invoke decodes req, runs it against the store and encodes the result.
// Contention is returned in the result so clients can tell it apart from
// real failures.
func (d *Dispatcher) Invoke(ctx context.Context, req *invoker.Request) (*invoker.Response, error) {
	var a sessionArgs
	if err := codec.Unmarshal(req.Payload, &a); err != nil {
		return nil, fmt.Errorf("%s: bad arguments: %w", req.Method, err)
	}

	var (
		res sessionResult
		err error
	)
	switch req.Method {
	case MethodCreateSession:
		res.Record = d.store.CreateSession(a.App, a.Key)
	case MethodGetState:
		res.Record = d.store.GetState(a.App, a.Key)
	case MethodSetState:
		err = d.store.SetState(ctx, a.App, a.Key, a.Payload)
		if err == nil {
			res.Record = d.store.GetState(a.App, a.Key)
		}
	case MethodTakeOwnership:
		res.Record, err = d.store.TakeOwnership(ctx, a.App, a.Key)
	case MethodRemoveSession:
		err = d.store.RemoveSession(ctx, a.App, a.Key)
	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
	if err != nil {
		if !errors.Is(err, sessionstate.ErrConcurrentAccess) {
			return nil, err
		}
		res = sessionResult{Code: codeConcurrentAccess, Msg: err.Error()}
	}

	payload, err := codec.Marshal(res)
	if err != nil {
		return nil, err
	}
	return &invoker.Response{Payload: payload}, nil
}

// Invoker is the part of invoker.Client a SessionClient needs.
type Invoker interface {
	Invoke(ctx context.Context, req *invoker.Request) (*invoker.Response, error)
}

// SessionClient calls a remote Dispatcher.
type SessionClient struct {
	inv Invoker
}

// NewSessionClient wraps inv, typically an *invoker.Client.
func NewSessionClient(inv Invoker) *SessionClient {
	return &SessionClient{inv: inv}
}

// CreateSession mirrors sessionstate.Store.CreateSession.
func (c *SessionClient) CreateSession(ctx context.Context, app, key string) (*sessionstate.Record, error) {
	return c.call(ctx, MethodCreateSession, sessionArgs{App: app, Key: key})
}

// GetState returns the record, or nil when the server has none.
func (c *SessionClient) GetState(ctx context.Context, app, key string) (*sessionstate.Record, error) {
	return c.call(ctx, MethodGetState, sessionArgs{App: app, Key: key})
}

// SetState stores payload and returns the record as the server holds it.
func (c *SessionClient) SetState(ctx context.Context, app, key string, payload []byte) (*sessionstate.Record, error) {
	return c.call(ctx, MethodSetState, sessionArgs{App: app, Key: key, Payload: payload})
}

// TakeOwnership moves ownership to the server's member.
func (c *SessionClient) TakeOwnership(ctx context.Context, app, key string) (*sessionstate.Record, error) {
	return c.call(ctx, MethodTakeOwnership, sessionArgs{App: app, Key: key})
}

// RemoveSession deletes the record cluster-wide.
func (c *SessionClient) RemoveSession(ctx context.Context, app, key string) error {
	_, err := c.call(ctx, MethodRemoveSession, sessionArgs{App: app, Key: key})
	return err
}

func (c *SessionClient) call(ctx context.Context, method string, args sessionArgs) (*sessionstate.Record, error) {
	payload, err := codec.Marshal(args)
	if err != nil {
		return nil, err
	}
	resp, err := c.inv.Invoke(ctx, &invoker.Request{Method: method, Payload: payload})
	if err != nil {
		return nil, err
	}
	var res sessionResult
	if err := codec.Unmarshal(resp.Payload, &res); err != nil {
		return nil, fmt.Errorf("remote: %s: bad result: %w", method, err)
	}
	if res.Code == codeConcurrentAccess {
		return nil, fmt.Errorf("%w: %s", sessionstate.ErrConcurrentAccess, res.Msg)
	}
	return res.Record, nil
}
