package invoker

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/dreamware/hasession/internal/logger"
)

const (
	// DefaultClientPoolSize bounds the idle connections kept per address.
	DefaultClientPoolSize = 300
	// DefaultRetries is how many extra dial attempts a Client makes.
	DefaultRetries = 10
	// DefaultRetryBackoff is the pause between dial attempts.
	DefaultRetryBackoff = 50 * time.Millisecond
	// DefaultDialTimeout bounds one dial attempt.
	DefaultDialTimeout = 5 * time.Second
)

// ClientConfig controls a Client.
type ClientConfig struct {
	// MaxPoolSize bounds the idle connections kept for reuse.
	MaxPoolSize int
	// Retries is the number of extra dial attempts after a failure. Zero
	// means DefaultRetries; negative disables retrying.
	Retries int
	// RetryBackoff is the pause between dial attempts.
	RetryBackoff time.Duration
	// DialTimeout bounds a single dial.
	DialTimeout time.Duration
	// Timeout bounds one call when the context has no deadline. Zero
	// means no bound.
	Timeout time.Duration
	Logger  logger.Logger
}

// FillDefaults sets every unset field to its default.
func (c *ClientConfig) FillDefaults() {
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = DefaultClientPoolSize
	}
	if c.Retries < 0 {
		c.Retries = 0
	} else if c.Retries == 0 {
		c.Retries = DefaultRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	c.Logger = logger.OrDefault(c.Logger)
}

type clientConn struct {
	net.Conn
	stream *Stream
}

// Client invokes a Server at one address, reusing connections between
// calls. A pooled connection is checked with the liveness probe before each
// reuse. It is safe for concurrent use.
type Client struct {
	addr   string
	cfg    ClientConfig
	log    logger.Logger
	dialer net.Dialer

	mu     sync.Mutex
	pool   []*clientConn
	closed bool
}

// NewClient returns a Client for addr.
func NewClient(addr string, cfg ClientConfig) *Client {
	cfg.FillDefaults()
	return &Client{
		addr:   addr,
		cfg:    cfg,
		log:    cfg.Logger,
		dialer: net.Dialer{Timeout: cfg.DialTimeout},
	}
}

// Addr returns the server address.
func (c *Client) Addr() string { return c.addr }

// Invoke sends req and waits for the response. Requests without an ID get a
// fresh one. A failed exchange closes the connection it used and returns a
// *TransportError; a dispatcher failure on the server returns a *RemoteError.
func (c *Client) Invoke(ctx context.Context, req *Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if _, ok := ctx.Deadline(); !ok && c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	cc, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = cc.SetDeadline(dl)
	} else {
		_ = cc.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = cc.SetDeadline(time.Now()) })
	defer stop()

	if err := cc.stream.WriteObject(req); err != nil {
		_ = cc.Close()
		return nil, &TransportError{Addr: c.addr, Op: "write", Err: err}
	}
	var resp Response
	if err := cc.stream.ReadObject(&resp); err != nil {
		_ = cc.Close()
		return nil, &TransportError{Addr: c.addr, Op: "read", Err: err}
	}
	if !stop() {
		// The context fired while we were finishing; the deadline is poisoned.
		_ = cc.Close()
	} else {
		c.release(cc)
	}

	if resp.Err != "" {
		return nil, &RemoteError{Method: req.Method, Msg: resp.Err}
	}
	return &resp, nil
}

// acquire returns a pooled connection that answers the probe, or a fresh one.
func (c *Client) acquire(ctx context.Context) (*clientConn, error) {
	for {
		cc := c.popPooled()
		if cc == nil {
			break
		}
		if err := c.probe(ctx, cc); err != nil {
			c.log.Debugf("invoker client %s: dropping stale connection: %v", c.addr, err)
			_ = cc.Close()
			continue
		}
		return cc, nil
	}
	return c.dial(ctx)
}

func (c *Client) popPooled() *clientConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pool)
	if n == 0 {
		return nil
	}
	cc := c.pool[n-1]
	c.pool = c.pool[:n-1]
	return cc
}

func (c *Client) probe(ctx context.Context, cc *clientConn) error {
	deadline := time.Now().Add(c.cfg.DialTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = cc.SetDeadline(deadline)
	if err := cc.stream.WriteProbe(ProbeByte); err != nil {
		return err
	}
	b, err := cc.stream.ReadProbe()
	if err != nil {
		return err
	}
	if b != ProbeByte {
		return ErrBadProbe
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*clientConn, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &TransportError{Addr: c.addr, Op: "dial", Err: ctx.Err()}
			case <-time.After(c.cfg.RetryBackoff):
			}
		}
		conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
		if err == nil {
			return &clientConn{Conn: conn, stream: NewStream(conn)}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &TransportError{Addr: c.addr, Op: "dial", Err: lastErr}
}

// release returns cc to the pool, or closes it when the pool is full.
func (c *Client) release(cc *clientConn) {
	c.mu.Lock()
	if c.closed || len(c.pool) >= c.cfg.MaxPoolSize {
		c.mu.Unlock()
		_ = cc.Close()
		return
	}
	c.pool = append(c.pool, cc)
	c.mu.Unlock()
}

// PoolSize returns the number of idle pooled connections.
func (c *Client) PoolSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pool)
}

// Close closes every pooled connection. Calls in flight finish and then
// close their connection.
func (c *Client) Close() error {
	c.mu.Lock()
	pool := c.pool
	c.pool = nil
	c.closed = true
	c.mu.Unlock()
	for _, cc := range pool {
		_ = cc.Close()
	}
	return nil
}

// Pools holds one Client per server address.
type Pools struct {
	cfg     ClientConfig
	clients cmap.ConcurrentMap[string, *Client]
}

// NewPools returns an empty registry whose clients share cfg.
func NewPools(cfg ClientConfig) *Pools {
	return &Pools{cfg: cfg, clients: cmap.New[*Client]()}
}

// Get returns the Client for addr, creating it on first use.
func (p *Pools) Get(addr string) *Client {
	return p.clients.Upsert(addr, nil, func(exist bool, cur, _ *Client) *Client {
		if exist {
			return cur
		}
		return NewClient(addr, p.cfg)
	})
}

// Invoke is Get(addr).Invoke(ctx, req).
func (p *Pools) Invoke(ctx context.Context, addr string, req *Request) (*Response, error) {
	return p.Get(addr).Invoke(ctx, req)
}

// Close closes every client and empties the registry.
func (p *Pools) Close() {
	for item := range p.clients.IterBuffered() {
		_ = item.Val.Close()
		p.clients.Remove(item.Key)
	}
}
