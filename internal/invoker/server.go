package invoker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/dreamware/hasession/internal/logger"
)

const (
	// DefaultMaxPoolSize bounds the active workers of a Server.
	DefaultMaxPoolSize = 300
	// DefaultTimeout is how long a worker waits for the next request.
	DefaultTimeout = 60 * time.Second
)

// Dispatcher executes invocations on behalf of a Server.
type Dispatcher interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Invoke calls f.
func (f DispatcherFunc) Invoke(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// ServerConfig controls a Server.
type ServerConfig struct {
	// Addr is the TCP listen address.
	Addr string
	// MinPoolSize preallocates room for that many active workers.
	MinPoolSize int
	// MaxPoolSize bounds the active workers. Defaults to DefaultMaxPoolSize.
	MaxPoolSize int
	// Timeout bounds the wait for the next request on a connection. Zero
	// means DefaultTimeout; negative disables it.
	Timeout time.Duration
	// Acceptors is the number of accept goroutines. Defaults to 1.
	Acceptors int
	Logger    logger.Logger
}

// FillDefaults sets every unset field to its default.
func (c *ServerConfig) FillDefaults() {
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = DefaultMaxPoolSize
	}
	if c.MinPoolSize < 0 || c.MinPoolSize > c.MaxPoolSize {
		c.MinPoolSize = 0
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	} else if c.Timeout < 0 {
		c.Timeout = 0
	}
	if c.Acceptors <= 0 {
		c.Acceptors = 1
	}
	c.Logger = logger.OrDefault(c.Logger)
}

// Server accepts connections and serves each with a pooled worker.
//
// At most MaxPoolSize workers are active. When all are busy, the least
// recently used one is evicted and the accept loop waits until a worker
// comes free. Workers that lose their connection gracefully wait in an idle
// queue and are handed the next accepted connection.
type Server struct {
	cfg  ServerConfig
	disp Dispatcher
	log  logger.Logger

	ln net.Listener

	mu      sync.Mutex
	cond    *sync.Cond
	active  *LRU[int64, *worker]
	idle    *queue.Queue
	maxPool int
	nextID  int64
	stopped bool
	// busy counts workers holding a connection, including evicted ones that
	// have not yet let go of it. evicting counts the latter.
	busy     int
	evicting int

	ctx       context.Context
	cancel    context.CancelFunc
	acceptors sync.WaitGroup
	workers   sync.WaitGroup

	// trace observes pool events; set by tests before Start.
	trace func(event string, id int64)
}

// NewServer builds a Server that hands requests to disp.
func NewServer(cfg ServerConfig, disp Dispatcher) *Server {
	cfg.FillDefaults()
	s := &Server{
		cfg:     cfg,
		disp:    disp,
		log:     cfg.Logger,
		active:  NewLRU[int64, *worker](cfg.MinPoolSize, cfg.MaxPoolSize),
		idle:    queue.New(),
		maxPool: cfg.MaxPoolSize,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start binds the listener and launches the accept loops.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{Control: listenControl}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("invoker: listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for i := 0; i < s.cfg.Acceptors; i++ {
		s.acceptors.Add(1)
		go s.acceptLoop()
	}
	s.log.Infof("invoker listening on %s (max pool %d)", ln.Addr(), s.cfg.MaxPoolSize)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener, evicts every active worker and retires the idle
// ones. It returns once all workers have exited. Responses in flight are
// allowed to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.maxPool = 0
	s.active.SetMax(0)
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.acceptors.Wait()

	s.mu.Lock()
	s.active.Flush()
	for s.idle.Length() > 0 {
		w := s.idle.Remove().(*worker)
		w.Shutdown()
		close(w.wake)
	}
	s.mu.Unlock()

	s.workers.Wait()
	if s.cancel != nil {
		s.cancel()
	}
	s.log.Infof("invoker stopped")
}

// Stats reports the active and idle worker counts.
func (s *Server) Stats() (active, idle int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Len(), s.idle.Length()
}

func (s *Server) acceptLoop() {
	defer s.acceptors.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.isStopped() {
				return
			}
			s.log.Warnf("invoker accept: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		tuneConn(conn)
		if !s.handOff(conn) {
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// handOff gives conn to an idle worker, a new worker, or, when the pool is
// full, to whichever worker frees up after the least recently used one is
// evicted. It returns false once the server is stopping.
func (s *Server) handOff(conn net.Conn) bool {
	s.mu.Lock()
	for {
		if s.stopped {
			s.mu.Unlock()
			return false
		}
		if s.idle.Length() > 0 {
			w := s.idle.Remove().(*worker)
			w.assign(conn)
			s.active.Insert(w.id, w)
			s.busy++
			s.mu.Unlock()
			s.emit("reuse", w.id)
			w.wake <- conn
			return true
		}
		if s.busy < s.maxPool {
			s.nextID++
			w := newWorker(s.nextID, s)
			w.assign(conn)
			s.active.Insert(w.id, w)
			s.busy++
			s.workers.Add(1)
			s.mu.Unlock()
			s.emit("create", w.id)
			go w.run(conn)
			return true
		}
		if s.evicting == 0 {
			if id, _, ok := s.active.Evict(); ok {
				s.evicting++
				s.emit("evict", id)
			}
		}
		s.cond.Wait()
	}
}

// park moves a worker that ended its connection gracefully to the idle
// queue and blocks until it is handed another connection. It returns nil
// when the worker should exit.
func (s *Server) park(w *worker) net.Conn {
	s.mu.Lock()
	s.leave(w)
	if s.stopped || w.state.Load() == int32(stateShutdown) || s.idle.Length() >= s.maxPool {
		s.cond.Broadcast()
		s.mu.Unlock()
		return nil
	}
	w.state.Store(int32(stateIdle))
	s.idle.Add(w)
	s.cond.Broadcast()
	s.mu.Unlock()

	conn, ok := <-w.wake
	if !ok {
		return nil
	}
	return conn
}

// release forgets a worker whose connection failed.
func (s *Server) release(w *worker) {
	s.mu.Lock()
	s.leave(w)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// leave accounts for a worker giving up its connection. Called with the
// server lock held.
func (s *Server) leave(w *worker) {
	if _, ok := s.active.Remove(w.id); !ok && s.evicting > 0 {
		s.evicting--
	}
	s.busy--
}

func (s *Server) touch(w *worker) {
	s.mu.Lock()
	if s.active.Has(w.id) {
		s.active.Insert(w.id, w)
	}
	s.mu.Unlock()
}

func (s *Server) dispatch(req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("invoker: %s panicked: %v", req.Method, r)
			resp = &Response{ID: req.ID, Err: fmt.Sprintf("panic: %v", r)}
		}
	}()
	resp, err := s.disp.Invoke(s.ctx, req)
	if err != nil {
		return &Response{ID: req.ID, Err: err.Error()}
	}
	if resp == nil {
		resp = &Response{}
	}
	resp.ID = req.ID
	return resp
}

func (s *Server) emit(event string, id int64) {
	if s.trace != nil {
		s.trace(event, id)
	}
	s.log.Debugf("invoker worker %d: %s", id, event)
}
