package ledgerpipe

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/openledgerkit/ledgerpipe/internal/coalesce"
)

// PoolConfig configures the connection pool.
type PoolConfig struct {
	// MaxConnsPerHost caps concurrent in-flight requests per host.
	// Default: 6.
	MaxConnsPerHost int

	// MaxTotalConns caps concurrent in-flight requests across all hosts.
	// Default: 64.
	MaxTotalConns int

	// MaxQueueSize bounds each host's pending FIFO queue; excess requests
	// are rejected immediately. Default: 100.
	MaxQueueSize int

	// RequestTimeout is the per-attempt network timeout attached to every
	// executed request. Zero means 30s; negative disables the pool-level
	// timeout (the caller's context still applies).
	RequestTimeout time.Duration

	// CoalescingWindow is how long an in-flight GET stays joinable for
	// identical requests, measured from issuance. Default: 100ms.
	CoalescingWindow time.Duration

	// DisableCoalescing turns off GET coalescing.
	DisableCoalescing bool
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = 6
	}
	if c.MaxTotalConns <= 0 {
		c.MaxTotalConns = 64
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 100
	}
	if c.RequestTimeout < 0 {
		c.RequestTimeout = 0
	} else if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.CoalescingWindow <= 0 {
		c.CoalescingWindow = 100 * time.Millisecond
	}
	return c
}

type poolWaiter struct {
	ctx   context.Context
	admit chan error // buffered; receives nil on admission or a terminal error
}

// ConnectionPool bounds concurrent in-flight requests per host and
// globally, queues the excess FIFO, and coalesces identical in-flight
// GETs. Safe for concurrent use.
type ConnectionPool struct {
	cfg       PoolConfig
	transport RoundTripper
	group     *coalesce.Group

	mu       sync.Mutex
	active   map[string]int
	queues   map[string][]*poolWaiter
	total    int
	inflight map[uint64]context.CancelFunc
	nextID   uint64

	metrics *MetricsCollector
	logger  Logger
}

// PoolStats is a point-in-time snapshot of pool occupancy.
type PoolStats struct {
	ActiveTotal   int
	ActivePerHost map[string]int
	QueuedPerHost map[string]int
}

// NewConnectionPool creates a pool issuing requests through transport.
func NewConnectionPool(config PoolConfig, transport RoundTripper) *ConnectionPool {
	cfg := config.withDefaults()
	return &ConnectionPool{
		cfg:       cfg,
		transport: transport,
		group:     coalesce.New(cfg.CoalescingWindow),
		active:    make(map[string]int),
		queues:    make(map[string][]*poolWaiter),
		inflight:  make(map[uint64]context.CancelFunc),
	}
}

// Fetch is the single entry point: it coalesces eligible GETs, enforces
// admission, attaches the per-attempt timeout and issues the request.
func (p *ConnectionPool) Fetch(req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodGet && !p.cfg.DisableCoalescing {
		key := coalesceFingerprint(req)
		v, err, shared := p.group.Do(req.Context(), key, func() (interface{}, error) {
			resp, execErr := p.execute(req)
			if execErr != nil {
				return nil, execErr
			}
			return snapshotResponse(resp)
		})
		if shared {
			p.metrics.RecordCoalescingHit(req.Method, endpointOf(req))
			if p.logger != nil {
				p.logger.Debug("coalesced in-flight GET", "url", req.URL.String())
			}
		}
		if err != nil {
			return nil, err
		}
		sr := v.(*sharedResponse)
		// Error statuses stay joinable only for waiters already parked on
		// this call; a retry must not be fed the same failure.
		if !shared && sr.statusCode >= 400 {
			p.group.Forget(key)
		}
		return sr.response(), nil
	}
	return p.execute(req)
}

func (p *ConnectionPool) execute(req *http.Request) (*http.Response, error) {
	host := hostOf(req)
	if err := p.acquire(req.Context(), host); err != nil {
		return nil, err
	}

	ctx := req.Context()
	cancel := context.CancelFunc(func() {})
	if p.cfg.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	id := p.track(cancel)

	resp, err := p.transport.RoundTrip(req.WithContext(ctx))

	p.release(host)
	if err != nil {
		p.untrack(id)
		cancel()
		return nil, err
	}

	// The attempt context must stay alive until the body is consumed.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: func() {
		p.untrack(id)
		cancel()
	}}
	return resp, nil
}

func (p *ConnectionPool) acquire(ctx context.Context, host string) error {
	p.mu.Lock()
	if p.active[host] < p.cfg.MaxConnsPerHost && p.total < p.cfg.MaxTotalConns {
		p.admitLocked(host)
		p.mu.Unlock()
		return nil
	}

	if len(p.queues[host]) >= p.cfg.MaxQueueSize {
		p.mu.Unlock()
		p.metrics.RecordPoolRejection(host, "queue_full")
		return &PipelineError{
			Type:     ErrorTypeQueueFull,
			Message:  fmt.Sprintf("host %s queue is full (%d pending)", host, p.cfg.MaxQueueSize),
			Cause:    ErrQueueFull,
			Endpoint: host,
		}
	}

	w := &poolWaiter{ctx: ctx, admit: make(chan error, 1)}
	p.queues[host] = append(p.queues[host], w)
	p.metrics.RecordPoolQueued(host, len(p.queues[host]))
	p.mu.Unlock()

	select {
	case err := <-w.admit:
		return err
	case <-ctx.Done():
		// The drain may have admitted us concurrently; arbitrate under
		// the pool lock (drain sends while holding it).
		p.mu.Lock()
		p.removeWaiterLocked(host, w)
		select {
		case err := <-w.admit:
			if err == nil {
				p.releaseLocked(host)
			}
		default:
		}
		p.mu.Unlock()
		return ctx.Err()
	}
}

func (p *ConnectionPool) admitLocked(host string) {
	p.active[host]++
	p.total++
	p.metrics.RecordPoolActive(host, p.active[host])
}

func (p *ConnectionPool) release(host string) {
	p.mu.Lock()
	p.releaseLocked(host)
	p.mu.Unlock()
}

// releaseLocked frees one slot for host and hands queued requests their
// slots while admission allows, preserving FIFO order and skipping
// waiters whose context already fired.
func (p *ConnectionPool) releaseLocked(host string) {
	if p.active[host] > 0 {
		p.active[host]--
		p.total--
	}
	if p.active[host] == 0 {
		delete(p.active, host)
	}
	p.metrics.RecordPoolActive(host, p.active[host])

	q := p.queues[host]
	for len(q) > 0 && p.active[host] < p.cfg.MaxConnsPerHost && p.total < p.cfg.MaxTotalConns {
		w := q[0]
		q = q[1:]
		if w.ctx != nil && w.ctx.Err() != nil {
			continue
		}
		p.admitLocked(host)
		w.admit <- nil
	}
	if len(q) == 0 {
		delete(p.queues, host)
	} else {
		p.queues[host] = q
	}
	p.metrics.RecordPoolQueued(host, len(q))
}

func (p *ConnectionPool) removeWaiterLocked(host string, target *poolWaiter) {
	q := p.queues[host]
	for i, w := range q {
		if w == target {
			p.queues[host] = append(q[:i], q[i+1:]...)
			p.metrics.RecordPoolQueued(host, len(p.queues[host]))
			return
		}
	}
}

func (p *ConnectionPool) track(cancel context.CancelFunc) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.inflight[id] = cancel
	return id
}

func (p *ConnectionPool) untrack(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, id)
}

// Reset rejects every queued request with a pool-reset error, cancels all
// in-flight requests and clears all state. It is the only forced
// cancellation path, intended for shutdown.
func (p *ConnectionPool) Reset() {
	p.mu.Lock()
	for host, q := range p.queues {
		for _, w := range q {
			w.admit <- &PipelineError{
				Type:     ErrorTypePoolReset,
				Message:  "connection pool was reset",
				Cause:    ErrPoolReset,
				Endpoint: host,
			}
		}
	}
	p.queues = make(map[string][]*poolWaiter)
	p.active = make(map[string]int)
	p.total = 0
	cancels := make([]context.CancelFunc, 0, len(p.inflight))
	for _, cancel := range p.inflight {
		cancels = append(cancels, cancel)
	}
	p.inflight = make(map[uint64]context.CancelFunc)
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	p.group.Reset()

	if p.logger != nil {
		p.logger.Warn("connection pool reset", "cancelled", len(cancels))
	}
}

// Stats returns a snapshot of active and queued counts.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		ActiveTotal:   p.total,
		ActivePerHost: make(map[string]int, len(p.active)),
		QueuedPerHost: make(map[string]int, len(p.queues)),
	}
	for host, n := range p.active {
		stats.ActivePerHost[host] = n
	}
	for host, q := range p.queues {
		stats.QueuedPerHost[host] = len(q)
	}
	return stats
}

// sharedResponse is a buffered response snapshot handed to every caller of
// a coalesced GET; each receives an independent body reader.
type sharedResponse struct {
	statusCode int
	header     http.Header
	body       []byte
}

func snapshotResponse(resp *http.Response) (*sharedResponse, error) {
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	return &sharedResponse{
		statusCode: resp.StatusCode,
		header:     resp.Header.Clone(),
		body:       body,
	}, nil
}

func (s *sharedResponse) response() *http.Response {
	return &http.Response{
		StatusCode: s.statusCode,
		Header:     s.header.Clone(),
		Body:       io.NopCloser(bytes.NewReader(s.body)),
	}
}

// coalesceFingerprint identifies an in-flight GET by method, URL and
// headers. Header keys are visited in sorted order so insertion order
// never splits otherwise identical requests.
func coalesceFingerprint(req *http.Request) string {
	h := fnv.New64a()
	h.Write([]byte(req.Method))
	h.Write([]byte{0})
	if req.URL != nil {
		h.Write([]byte(req.URL.String()))
	}
	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		for _, v := range req.Header[k] {
			h.Write([]byte{1})
			h.Write([]byte(v))
		}
	}
	return fmt.Sprintf("%x", h.Sum64())
}

type cancelOnClose struct {
	io.ReadCloser
	cancel func()
	once   sync.Once
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.cancel)
	return err
}

func hostOf(req *http.Request) string {
	if req.URL != nil && req.URL.Host != "" {
		return req.URL.Host
	}
	if req.Host != "" {
		return req.Host
	}
	return "unknown"
}

func endpointOf(req *http.Request) string {
	if req.URL == nil {
		return "unknown"
	}
	endpoint := req.URL.Host
	if req.URL.Path != "" && req.URL.Path != "/" {
		endpoint += req.URL.Path
	} else {
		endpoint += "/"
	}
	return endpoint
}
