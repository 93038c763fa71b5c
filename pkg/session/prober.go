package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	defaultProbeInterval = 10 * time.Second
	probeRequestTimeout  = 5 * time.Second

	statusFeedInitialBackoff = time.Second
	statusFeedMaxBackoff     = 30 * time.Second
)

// ProberOptions configures a BackendProber.
type ProberOptions struct {
	// CheckURL is probed with an HTTP GET. Any response counts as
	// reachable, including error statuses: negotiation endpoints commonly
	// reject GET with 405 while being perfectly alive. Only transport
	// failures mark the backend down.
	CheckURL string

	// StatusURL, when set, subscribes to the backend's websocket status
	// feed instead of polling. Every received message counts as a
	// heartbeat. The prober redials with exponential backoff when the
	// feed drops.
	StatusURL string

	// Interval between HTTP probes. Defaults to 10s. Ignored when
	// StatusURL is set.
	Interval time.Duration

	// RateLimit caps probe frequency regardless of Interval, so that a
	// misconfigured interval cannot hammer the backend. Zero disables
	// the cap.
	RateLimit rate.Limit
	RateBurst int

	// HTTPClient used for polling. Defaults to a dedicated client with a
	// short timeout.
	HTTPClient *http.Client

	Logger Logger

	// OnChange fires on every health transition, including the first
	// observation. Called from the prober goroutine.
	OnChange func(healthy bool)
}

// ProberStats is a point-in-time snapshot of prober state.
type ProberStats struct {
	Healthy        bool
	LastTransition time.Time
	Checks         uint64
	Failures       uint64
}

// BackendProber tracks backend reachability in the background. It is the
// session controller's answer to "is anyone listening before I dial": the
// controller starts one per configured backend and exposes the verdict
// through the status registry.
type BackendProber struct {
	opts    ProberOptions
	limiter *rate.Limiter
	client  *http.Client
	logger  Logger

	mu             sync.Mutex
	healthy        bool
	observed       bool
	lastTransition time.Time
	checks         uint64
	failures       uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewBackendProber creates a prober. Call Start to begin probing.
func NewBackendProber(opts ProberOptions) *BackendProber {
	if opts.Interval <= 0 {
		opts.Interval = defaultProbeInterval
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: probeRequestTimeout}
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.RateLimit, burst)
	}

	return &BackendProber{
		opts:    opts,
		limiter: limiter,
		client:  client,
		logger:  opts.Logger,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the probe loop. Subsequent calls are no-ops.
func (p *BackendProber) Start() {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if p.opts.StatusURL != "" {
				p.statusFeedLoop()
				return
			}
			p.pollLoop()
		}()
	})
}

// Stop terminates probing and waits for the loop to exit.
func (p *BackendProber) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
}

// Healthy reports the last observed backend state. Returns false until the
// first probe completes.
func (p *BackendProber) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// Stats returns a snapshot of prober counters.
func (p *BackendProber) Stats() ProberStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProberStats{
		Healthy:        p.healthy,
		LastTransition: p.lastTransition,
		Checks:         p.checks,
		Failures:       p.failures,
	}
}

func (p *BackendProber) pollLoop() {
	// Probe immediately so callers get a verdict without waiting a full
	// interval.
	p.probeOnce()

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeOnce()
		}
	}
}

func (p *BackendProber) probeOnce() {
	if p.limiter != nil && !p.limiter.Allow() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.CheckURL, nil)
	if err != nil {
		p.logger.Error("invalid probe URL", "error", err, "url", p.opts.CheckURL)
		p.record(false)
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.record(false)
		return
	}
	resp.Body.Close()
	p.record(true)
}

func (p *BackendProber) statusFeedLoop() {
	backoff := statusFeedInitialBackoff

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), probeRequestTimeout)
		dialer := websocket.DefaultDialer
		conn, _, err := dialer.DialContext(ctx, p.opts.StatusURL, nil)
		cancel()
		if err != nil {
			p.record(false)
			p.logger.Warn("status feed dial failed", "url", p.opts.StatusURL,
				"error", err, "retryIn", backoff)
			if !p.sleep(backoff) {
				return
			}
			backoff *= 2
			if backoff > statusFeedMaxBackoff {
				backoff = statusFeedMaxBackoff
			}
			continue
		}

		backoff = statusFeedInitialBackoff
		p.record(true)

		// Unblock ReadMessage when Stop is called mid-read.
		done := make(chan struct{})
		go func() {
			select {
			case <-p.stopCh:
				conn.Close()
			case <-done:
			}
		}()

		p.readFeed(conn)
		close(done)
		conn.Close()

		select {
		case <-p.stopCh:
			return
		default:
			p.record(false)
		}
	}
}

func (p *BackendProber) readFeed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Info("status feed closed")
				return
			}
			select {
			case <-p.stopCh:
			default:
				p.logger.Warn("status feed read failed", "error", err)
			}
			return
		}
		// Any frame on the feed is a heartbeat.
		p.record(true)
	}
}

func (p *BackendProber) record(healthy bool) {
	p.mu.Lock()
	p.checks++
	if !healthy {
		p.failures++
	}
	changed := !p.observed || p.healthy != healthy
	p.observed = true
	p.healthy = healthy
	if changed {
		p.lastTransition = time.Now()
	}
	p.mu.Unlock()

	if !changed {
		return
	}

	if healthy {
		metricBackendUp.Set(1)
		p.logger.Info("backend reachable", "url", p.checkTarget())
	} else {
		metricBackendUp.Set(0)
		p.logger.Warn("backend unreachable", "url", p.checkTarget())
	}

	if p.opts.OnChange != nil {
		p.opts.OnChange(healthy)
	}
}

func (p *BackendProber) checkTarget() string {
	if p.opts.StatusURL != "" {
		return p.opts.StatusURL
	}
	return p.opts.CheckURL
}

func (p *BackendProber) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
