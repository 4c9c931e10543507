package invoker

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

type workerState int32

const (
	stateFresh workerState = iota
	stateServing
	stateIdle
	stateEvicted
	stateShutdown
)

func (s workerState) String() string {
	switch s {
	case stateFresh:
		return "fresh"
	case stateServing:
		return "serving"
	case stateIdle:
		return "idle"
	case stateEvicted:
		return "evicted"
	case stateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// worker serves one connection at a time. Between connections it waits in
// the server's idle queue for wake to deliver the next one.
type worker struct {
	id  int64
	srv *Server

	wake chan net.Conn

	running  atomic.Bool
	handling atomic.Bool
	state    atomic.Int32

	mu   sync.Mutex
	conn net.Conn
}

func newWorker(id int64, srv *Server) *worker {
	w := &worker{id: id, srv: srv, wake: make(chan net.Conn, 1)}
	w.state.Store(int32(stateFresh))
	return w
}

// assign hands conn to the worker and marks it running. Called with the
// server lock held.
func (w *worker) assign(conn net.Conn) {
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.running.Store(true)
	w.state.Store(int32(stateServing))
}

// Evict asks the worker to give up its connection after the current cycle.
// A worker waiting for the next request is interrupted; one writing a
// response is left to finish it.
func (w *worker) Evict() {
	w.state.Store(int32(stateEvicted))
	w.stop()
}

// Shutdown is Evict for a worker that must not be reused.
func (w *worker) Shutdown() {
	w.state.Store(int32(stateShutdown))
	w.stop()
}

func (w *worker) stop() {
	w.running.Store(false)
	if w.handling.Load() {
		return
	}
	w.mu.Lock()
	if w.conn != nil {
		_ = w.conn.SetReadDeadline(time.Now())
	}
	w.mu.Unlock()
}

// run serves conn and then every connection delivered through wake until
// the worker is retired.
func (w *worker) run(conn net.Conn) {
	defer w.srv.workers.Done()
	for conn != nil {
		graceful := w.serve(conn)
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		_ = conn.Close()
		if !graceful {
			w.srv.release(w)
			return
		}
		conn = w.srv.park(w)
	}
}

// serve runs request cycles on conn. It reports true when the worker was
// stopped between cycles and false when the connection failed.
func (w *worker) serve(conn net.Conn) bool {
	stream := NewStream(conn)
	timeout := w.srv.cfg.Timeout
	first := true
	for w.running.Load() {
		if timeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
		} else {
			_ = conn.SetReadDeadline(time.Time{})
		}
		// Evict may have fired before the deadline above replaced its own.
		if !w.running.Load() {
			return true
		}

		if !first {
			b, err := stream.ReadProbe()
			if err != nil {
				return w.exit(err)
			}
			if err := stream.WriteProbe(b); err != nil {
				return w.exit(err)
			}
			w.handling.Store(true)
			w.srv.emit("probe", w.id)
		}
		err := w.cycle(stream)
		w.handling.Store(false)
		if err != nil {
			return w.exit(err)
		}
		first = false
	}
	return true
}

func (w *worker) cycle(stream *Stream) error {
	var req Request
	if err := stream.ReadObject(&req); err != nil {
		return err
	}
	w.handling.Store(true)
	resp := w.srv.dispatch(&req)
	w.srv.touch(w)
	return stream.WriteObject(resp)
}

// exit classifies the error that ended serve. A deadline hit after Evict or
// Shutdown is the expected way out; anything else is a failure.
func (w *worker) exit(err error) bool {
	var ne net.Error
	if !w.running.Load() && errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	w.srv.log.Debugf("invoker worker %d: connection ended: %v", w.id, err)
	return false
}
