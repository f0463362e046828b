package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sync"
	"time"

	"github.com/yy945635407/screen-region-stream/internal/backoff"
	"github.com/yy945635407/screen-region-stream/internal/capture"
	"github.com/yy945635407/screen-region-stream/internal/health"
	"github.com/yy945635407/screen-region-stream/internal/logging"
)

var log = logging.L("backend")

// ErrBackendUnreachable means the remote session is gone and a full
// reconnect is required.
var ErrBackendUnreachable = errors.New("backend unreachable")

// Remote is a stateful capture service exposing named sources, such as a
// compositor reached over its control socket.
type Remote interface {
	Name() string
	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	ListSources(ctx context.Context) ([]string, error)
	// Screenshot returns the encoded image of source. Errors wrap
	// ErrBackendUnreachable when the session itself was lost.
	Screenshot(ctx context.Context, source string) ([]byte, error)
	Close() error
}

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options are the connection tuning knobs.
type Options struct {
	// MaxConsecutiveFailures degrades a Connected backend after this many
	// failed acquisitions in a row.
	MaxConsecutiveFailures int
	// DegradedGracePeriod is how long a Degraded backend may go without
	// recovering before a full reconnect is forced.
	DegradedGracePeriod time.Duration
	// ResolveCooldown spaces source re-resolution attempts while Degraded.
	ResolveCooldown time.Duration
	// HealthInterval spaces keep-alive pings while Connected.
	HealthInterval time.Duration
	// ConnectTimeout bounds one connect + initial resolve.
	ConnectTimeout time.Duration
	// Crop decodes screenshots and cuts out the region. When false the
	// encoded screenshot is forwarded as is.
	Crop    bool
	Backoff backoff.Config
}

// DefaultOptions returns the defaults used by the service.
func DefaultOptions() Options {
	return Options{
		MaxConsecutiveFailures: 5,
		DegradedGracePeriod:    10 * time.Second,
		ResolveCooldown:        3 * time.Second,
		HealthInterval:         5 * time.Second,
		ConnectTimeout:         10 * time.Second,
		Crop:                   true,
		Backoff:                backoff.DefaultConfig(),
	}
}

// StateChangeFunc observes state transitions.
type StateChangeFunc func(from, to State, reason string)

// Status is a point-in-time view of the connection for status output.
type Status struct {
	State      string            `json:"state"`
	Backend    string            `json:"backend"`
	Source     string            `json:"source,omitempty"`
	Failures   int               `json:"consecutiveFailures"`
	Candidates []SourceCandidate `json:"candidates,omitempty"`
}

// Connection owns the lifecycle of a Remote and exposes it as a
// capture.Source. Run drives connect, health checks, re-resolution and
// reconnects; Acquire is called by the hub's cadence loop.
type Connection struct {
	remote   Remote
	resolver *Resolver
	opts     Options
	now      func() time.Time
	onChange StateChangeFunc

	mu            sync.Mutex
	state         State
	active        string
	region        capture.Region
	failures      int
	degradedSince time.Time
	closed        bool

	wake chan struct{}
}

// NewConnection wraps remote. The connection starts Disconnected; call Run
// to bring it up.
func NewConnection(remote Remote, resolver *Resolver, region capture.Region, opts Options) *Connection {
	def := DefaultOptions()
	if opts.MaxConsecutiveFailures < 1 {
		opts.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if opts.DegradedGracePeriod <= 0 {
		opts.DegradedGracePeriod = def.DegradedGracePeriod
	}
	if opts.ResolveCooldown <= 0 {
		opts.ResolveCooldown = def.ResolveCooldown
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = def.HealthInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	return &Connection{
		remote:   remote,
		resolver: resolver,
		opts:     opts,
		now:      time.Now,
		region:   region,
		wake:     make(chan struct{}, 1),
	}
}

// OnStateChange installs fn as the transition observer. Call before Run.
func (c *Connection) OnStateChange(fn StateChangeFunc) {
	c.onChange = fn
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot for status reporting.
func (c *Connection) Status() Status {
	c.mu.Lock()
	st := Status{
		State:    c.state.String(),
		Backend:  c.remote.Name(),
		Source:   c.active,
		Failures: c.failures,
	}
	c.mu.Unlock()
	st.Candidates = c.resolver.Records()
	return st
}

type transition struct {
	from, to State
	reason   string
}

// setLocked changes state with c.mu held and returns the transition to emit
// once the lock is released.
func (c *Connection) setLocked(to State, reason string) *transition {
	if c.state == to {
		return nil
	}
	t := &transition{from: c.state, to: to, reason: reason}
	c.state = to
	if to == Degraded {
		c.degradedSince = c.now()
	}
	return t
}

func (c *Connection) emit(t *transition) {
	if t == nil {
		return
	}
	log.Info("backend state changed",
		"backend", c.remote.Name(),
		"from", t.from.String(),
		logging.KeyState, t.to.String(),
		"reason", t.reason,
	)
	if c.onChange != nil {
		c.onChange(t.from, t.to, t.reason)
	}
}

func (c *Connection) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Name implements capture.Source.
func (c *Connection) Name() string {
	return c.remote.Name()
}

// Reconfigure implements capture.Source.
func (c *Connection) Reconfigure(region capture.Region) error {
	if err := region.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.region = region
	c.mu.Unlock()
	return nil
}

// Acquire implements capture.Source. While the backend is not usable it
// returns ErrNoFrame immediately; failures feed the state machine.
func (c *Connection) Acquire(ctx context.Context) (capture.Frame, error) {
	c.mu.Lock()
	state, source, region := c.state, c.active, c.region
	c.mu.Unlock()

	if (state != Connected && state != Degraded) || source == "" {
		return capture.Frame{}, fmt.Errorf("%w: backend %s", capture.ErrNoFrame, state)
	}

	data, err := c.remote.Screenshot(ctx, source)
	if err == nil && len(data) < c.resolver.MinFrameBytes() {
		err = fmt.Errorf("screenshot of %q too small (%d bytes)", source, len(data))
	}
	if err != nil {
		c.recordFailure(err)
		return capture.Frame{}, fmt.Errorf("%w: %v", capture.ErrNoFrame, err)
	}

	frame := capture.Frame{Region: region, CapturedAt: c.now()}
	if !c.opts.Crop {
		frame.Data = data
		frame.Format = sniffFormat(data)
		c.recordSuccess()
		return frame, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		c.recordFailure(fmt.Errorf("decode screenshot: %w", err))
		return capture.Frame{}, fmt.Errorf("%w: decode screenshot: %v", capture.ErrNoFrame, err)
	}
	c.recordSuccess()

	frame.Image, err = capture.Crop(img, region)
	if err != nil {
		return capture.Frame{}, err
	}
	return frame, nil
}

func sniffFormat(data []byte) capture.Format {
	if bytes.HasPrefix(data, []byte("\x89PNG")) {
		return capture.FormatPNG
	}
	return capture.FormatJPEG
}

func (c *Connection) recordSuccess() {
	c.mu.Lock()
	c.failures = 0
	var t *transition
	if c.state == Degraded {
		t = c.setLocked(Connected, "acquisition recovered")
	}
	c.mu.Unlock()
	c.emit(t)
}

func (c *Connection) recordFailure(err error) {
	var t *transition
	drop := false

	c.mu.Lock()
	if c.state != Connected && c.state != Degraded {
		// A stale acquisition finishing after the state already moved on.
		c.mu.Unlock()
		return
	}
	c.failures++
	switch {
	case errors.Is(err, ErrBackendUnreachable):
		t = c.setLocked(Disconnected, err.Error())
		drop = true
	case c.state == Connected && c.failures >= c.opts.MaxConsecutiveFailures:
		t = c.setLocked(Degraded, fmt.Sprintf("%d consecutive failures: %v", c.failures, err))
	case c.state == Degraded && c.now().Sub(c.degradedSince) >= c.opts.DegradedGracePeriod:
		t = c.setLocked(Disconnected, "degraded grace period expired")
		drop = true
	}
	if drop {
		c.active = ""
	}
	c.mu.Unlock()

	if drop {
		c.remote.Close()
	}
	c.emit(t)
	if t != nil {
		c.poke()
	}
}

// Run supervises the connection until ctx is cancelled, then shuts it down.
func (c *Connection) Run(ctx context.Context) {
	bo := backoff.New(c.opts.Backoff)
	defer c.Shutdown()

	for {
		var wait time.Duration

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		switch c.State() {
		case Disconnected:
			if err := c.connect(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				wait = bo.Next()
				log.Warn("backend connect failed", "backend", c.remote.Name(), "error", err, "retryIn", wait.Round(time.Millisecond))
			} else {
				bo.Reset()
				continue
			}
		case Degraded:
			if c.expireGrace() {
				continue
			}
			c.reresolve(ctx)
			wait = c.degradedWait()
		default:
			if err := c.healthCheck(ctx); err != nil {
				continue
			}
			wait = c.opts.HealthInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// connect performs the handshake and the initial source resolution.
func (c *Connection) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: connection shut down", ErrBackendUnreachable)
	}
	t := c.setLocked(Connecting, "connect")
	c.mu.Unlock()
	c.emit(t)

	cctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	start := time.Now()
	if err := c.remote.Connect(cctx); err != nil {
		c.mu.Lock()
		t := c.setLocked(Disconnected, "handshake failed")
		c.mu.Unlock()
		c.emit(t)
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	log.Debug("backend handshake complete",
		"backend", c.remote.Name(),
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
	)

	source, err := c.resolve(cctx)

	c.mu.Lock()
	c.failures = 0
	if err != nil {
		c.active = ""
		t = c.setLocked(Degraded, err.Error())
	} else {
		c.active = source
		t = c.setLocked(Connected, "source "+source)
	}
	c.mu.Unlock()
	c.emit(t)
	return nil
}

func (c *Connection) resolve(ctx context.Context) (string, error) {
	discovered, err := c.remote.ListSources(ctx)
	if err != nil {
		log.Debug("source discovery failed", "backend", c.remote.Name(), "error", err)
	}
	return c.resolver.Resolve(ctx, c.remote, discovered)
}

// reresolve looks for a working source while Degraded. The previously
// active source keeps serving Acquire in the meantime.
func (c *Connection) reresolve(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	source, err := c.resolve(rctx)
	if err != nil {
		log.Warn("no usable capture source", "backend", c.remote.Name(), "error", err)
		return
	}

	c.mu.Lock()
	var t *transition
	if c.state == Degraded {
		c.active = source
		c.failures = 0
		t = c.setLocked(Connected, "resolved source "+source)
	}
	c.mu.Unlock()
	c.emit(t)
}

// expireGrace drops a Degraded connection whose grace period has run out.
func (c *Connection) expireGrace() bool {
	c.mu.Lock()
	if c.state != Degraded || c.now().Sub(c.degradedSince) < c.opts.DegradedGracePeriod {
		c.mu.Unlock()
		return false
	}
	c.active = ""
	t := c.setLocked(Disconnected, "degraded grace period expired")
	c.mu.Unlock()

	c.remote.Close()
	c.emit(t)
	return true
}

func (c *Connection) degradedWait() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	left := c.opts.DegradedGracePeriod - c.now().Sub(c.degradedSince)
	if left <= 0 {
		return 0
	}
	return min(c.opts.ResolveCooldown, left)
}

func (c *Connection) healthCheck(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	err := c.remote.Ping(hctx)
	if err == nil || ctx.Err() != nil {
		return nil
	}

	c.mu.Lock()
	var t *transition
	if c.state == Connected {
		c.active = ""
		t = c.setLocked(Disconnected, "health check failed: "+err.Error())
	}
	c.mu.Unlock()
	if t != nil {
		c.remote.Close()
	}
	c.emit(t)
	return err
}

// Close implements capture.Source.
func (c *Connection) Close() error {
	c.Shutdown()
	return nil
}

// Shutdown moves the connection to Disconnected for good and releases the
// remote session. It is idempotent.
func (c *Connection) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.active = ""
	t := c.setLocked(Disconnected, "shutdown")
	c.mu.Unlock()

	if err := c.remote.Close(); err != nil {
		log.Debug("closing backend", "error", err)
	}
	c.emit(t)
}

// Health maps a connection state onto a component health status.
func (s State) Health() health.Status {
	switch s {
	case Connected:
		return health.Healthy
	case Connecting, Degraded:
		return health.Degraded
	default:
		return health.Unhealthy
	}
}
