package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yy945635407/screen-region-stream/internal/capture"
	"github.com/yy945635407/screen-region-stream/internal/health"
	"github.com/yy945635407/screen-region-stream/internal/logging"
	"github.com/yy945635407/screen-region-stream/internal/workerpool"
)

var log = logging.L("hub")

var (
	// ErrViewerSend marks a viewer that failed or timed out taking a frame.
	ErrViewerSend = errors.New("viewer send failed")

	// ErrTooManyViewers is returned by Register once the soft cap is reached.
	ErrTooManyViewers = errors.New("too many viewers")

	// ErrClosed is returned by Register after Close.
	ErrClosed = errors.New("hub closed")
)

// Message is one outbound payload. Text messages carry JSON.
type Message struct {
	Text bool
	Data []byte
}

// Viewer is the hub's handle on one connected client. Send must return once
// ctx is done; Close must not block on the network.
type Viewer interface {
	ID() string
	Send(ctx context.Context, msg Message) error
	Close() error
}

// FrameMode selects how frames are framed on the wire.
type FrameMode string

const (
	// ModeBinary sends the encoded image as a binary message.
	ModeBinary FrameMode = "binary"
	// ModeBase64 sends {"type":"screenshot","data":"<base64>"} text messages.
	ModeBase64 FrameMode = "base64"
)

const (
	minFPS = 1
	maxFPS = 60

	// emptyTicksDegraded is the run of empty ticks after which capture is
	// reported degraded.
	emptyTicksDegraded = 30
)

// Config holds the hub settings.
type Config struct {
	Region         capture.Region
	Interval       time.Duration
	Quality        int
	Mode           FrameMode
	SendTimeout    time.Duration
	AcquireTimeout time.Duration // 0 means one interval
	ErrorBackoff   time.Duration
	MaxViewers     int
	Encoder        capture.Encoder
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Region:       capture.DefaultRegion(),
		Interval:     33 * time.Millisecond,
		Quality:      85,
		Mode:         ModeBinary,
		SendTimeout:  100 * time.Millisecond,
		ErrorBackoff: time.Second,
		MaxViewers:   64,
		Encoder:      capture.Encoder{Format: capture.FormatJPEG},
	}
}

// Hub owns the viewer set, the shared region and the cadence loop. The
// capture source is only ever touched from the goroutine running Run/Tick.
type Hub struct {
	cfg     Config
	source  capture.Source
	pool    *workerpool.Pool
	metrics *Metrics
	health  *health.Monitor

	mu            sync.RWMutex
	viewers       map[string]Viewer
	region        capture.Region
	regionVersion uint64
	quality       int
	interval      time.Duration
	latest        *Message

	// cadence goroutine only
	appliedVersion uint64
	emptyStreak    int
	captureStatus  health.Status

	closed    bool // guarded by mu
	closeOnce sync.Once
}

// New creates a hub around source. mon may be nil.
func New(source capture.Source, cfg Config, mon *health.Monitor) (*Hub, error) {
	def := DefaultConfig()
	if err := cfg.Region.Validate(); err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Quality < 1 || cfg.Quality > 100 {
		cfg.Quality = def.Quality
	}
	if cfg.Mode != ModeBase64 {
		cfg.Mode = ModeBinary
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if cfg.MaxViewers < 0 {
		cfg.MaxViewers = 0
	}
	if mon == nil {
		mon = health.NewMonitor()
	}

	workers := cfg.MaxViewers
	if workers == 0 {
		workers = def.MaxViewers
	}

	h := &Hub{
		cfg:      cfg,
		source:   source,
		pool:     workerpool.New(workers, workers*2),
		metrics:  newMetrics(),
		health:   mon,
		viewers:  make(map[string]Viewer),
		region:   cfg.Region,
		quality:  cfg.Quality,
		interval: cfg.Interval,
		// the source was built with cfg.Region
		regionVersion:  1,
		appliedVersion: 1,
		captureStatus:  health.Unknown,
	}
	mon.Update("hub", health.Healthy, "")
	mon.Update("capture", health.Unknown, "no frame yet")
	return h, nil
}

// Metrics returns the hub's counters.
func (h *Hub) Metrics() *Metrics {
	return h.metrics
}

// Source returns the capture source the hub drives.
func (h *Hub) Source() capture.Source {
	return h.source
}

// Mode returns the frame framing mode.
func (h *Hub) Mode() FrameMode {
	return h.cfg.Mode
}

// Register adds v to the fan-out set. Registering the same viewer twice is a
// no-op. The viewer set is soft-capped at MaxViewers.
func (h *Hub) Register(v Viewer) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if _, ok := h.viewers[v.ID()]; ok {
		h.mu.Unlock()
		return nil
	}
	if h.cfg.MaxViewers > 0 && len(h.viewers) >= h.cfg.MaxViewers {
		h.mu.Unlock()
		return fmt.Errorf("%w (max %d)", ErrTooManyViewers, h.cfg.MaxViewers)
	}
	h.viewers[v.ID()] = v
	n := len(h.viewers)
	h.mu.Unlock()

	log.Info("viewer registered", logging.KeyViewerID, v.ID(), "viewers", n)
	return nil
}

// Unregister removes v. It is idempotent and reports whether v was present.
func (h *Hub) Unregister(v Viewer) bool {
	h.mu.Lock()
	cur, ok := h.viewers[v.ID()]
	if !ok || cur != v {
		h.mu.Unlock()
		return false
	}
	delete(h.viewers, v.ID())
	n := len(h.viewers)
	h.mu.Unlock()

	log.Info("viewer unregistered", logging.KeyViewerID, v.ID(), "viewers", n)
	return true
}

// ViewerCount returns the number of registered viewers.
func (h *Hub) ViewerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

func (h *Hub) snapshotViewers() []Viewer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Viewer, 0, len(h.viewers))
	for _, v := range h.viewers {
		out = append(out, v)
	}
	return out
}

// Region returns the current shared region.
func (h *Hub) Region() capture.Region {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.region
}

// UpdateRegion validates r and replaces the shared region. An invalid region
// leaves the current one unchanged.
func (h *Hub) UpdateRegion(r capture.Region) error {
	if err := r.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	h.region = r
	h.regionVersion++
	h.mu.Unlock()

	log.Info("region updated", "region", r.String())
	return nil
}

// UpdateRegionPatch merges p onto the current region field by field and
// applies the result like UpdateRegion.
func (h *Hub) UpdateRegionPatch(p capture.RegionPatch) (capture.Region, error) {
	h.mu.Lock()
	merged := p.Apply(h.region)
	if err := merged.Validate(); err != nil {
		cur := h.region
		h.mu.Unlock()
		return cur, err
	}
	h.region = merged
	h.regionVersion++
	h.mu.Unlock()

	log.Info("region updated", "region", merged.String())
	return merged, nil
}

// Settings are the live-tunable stream parameters.
type Settings struct {
	Quality  int
	Interval time.Duration
}

// FPS returns the frame rate the interval corresponds to.
func (s Settings) FPS() int {
	if s.Interval <= 0 {
		return 0
	}
	return int(time.Second / s.Interval)
}

// Settings returns the current stream parameters.
func (h *Hub) Settings() Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Settings{Quality: h.quality, Interval: h.interval}
}

// UpdateSettings sets quality (1-100) and frame rate (1-60). Zero values keep
// the current setting; out of range values are clamped.
func (h *Hub) UpdateSettings(quality, fps int) Settings {
	h.mu.Lock()
	if quality != 0 {
		h.quality = max(1, min(100, quality))
	}
	if fps != 0 {
		fps = max(minFPS, min(maxFPS, fps))
		h.interval = time.Second / time.Duration(fps)
	}
	s := Settings{Quality: h.quality, Interval: h.interval}
	h.mu.Unlock()

	log.Info("stream settings updated", "quality", s.Quality, "fps", s.FPS())
	return s
}

// Latest returns the most recent frame message, if any.
func (h *Hub) Latest() (Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.latest == nil {
		return Message{}, false
	}
	return *h.latest, true
}

func (h *Hub) acquireTimeout(interval time.Duration) time.Duration {
	if h.cfg.AcquireTimeout > 0 {
		return h.cfg.AcquireTimeout
	}
	return interval
}

// Tick acquires one frame and fans it out. An empty tick (no frame
// available) returns nil without broadcasting. Tick must not be called
// concurrently with itself or Run.
func (h *Hub) Tick(ctx context.Context) error {
	h.mu.RLock()
	region, version := h.region, h.regionVersion
	quality, interval := h.quality, h.interval
	h.mu.RUnlock()

	if version != h.appliedVersion {
		if err := h.source.Reconfigure(region); err != nil {
			return fmt.Errorf("reconfigure %s: %w", h.source.Name(), err)
		}
		h.appliedVersion = version
	}

	actx, cancel := context.WithTimeout(ctx, h.acquireTimeout(interval))
	start := time.Now()
	frame, err := h.source.Acquire(actx)
	cancel()
	if err != nil {
		if errors.Is(err, capture.ErrNoFrame) {
			h.metrics.RecordEmpty()
			h.noteEmpty(err)
			return nil
		}
		return fmt.Errorf("acquire from %s: %w", h.source.Name(), err)
	}
	h.metrics.RecordCapture(time.Since(start))
	h.noteFrame()

	start = time.Now()
	data, format, err := h.cfg.Encoder.Encode(frame, quality)
	if err != nil {
		h.metrics.RecordEncodeFailure()
		log.Warn("frame encode failed", logging.KeyError, err)
		return nil
	}
	h.metrics.RecordEncode(time.Since(start), len(data))

	msg, err := h.frameMessage(data, format)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.latest = &msg
	h.mu.Unlock()

	h.broadcast(h.snapshotViewers(), msg)
	return nil
}

func (h *Hub) noteEmpty(err error) {
	h.emptyStreak++
	if h.emptyStreak >= emptyTicksDegraded && h.captureStatus != health.Degraded {
		h.captureStatus = health.Degraded
		h.health.Update("capture", health.Degraded, err.Error())
	}
}

func (h *Hub) noteFrame() {
	h.emptyStreak = 0
	if h.captureStatus != health.Healthy {
		h.captureStatus = health.Healthy
		h.health.Update("capture", health.Healthy, "")
	}
}

type screenshotMessage struct {
	Type   string `json:"type"`
	Format string `json:"format"`
	Data   string `json:"data"`
}

func (h *Hub) frameMessage(data []byte, format capture.Format) (Message, error) {
	if h.cfg.Mode != ModeBase64 {
		return Message{Data: data}, nil
	}
	b, err := json.Marshal(screenshotMessage{
		Type:   "screenshot",
		Format: string(format),
		Data:   base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return Message{}, fmt.Errorf("marshal frame: %w", err)
	}
	return Message{Text: true, Data: b}, nil
}

type sendOutcome struct {
	index int
	err   error
}

// broadcast sends msg to every viewer concurrently, each bounded by the send
// timeout, and prunes the viewers that fail. It returns once every send has
// reported or the collection deadline passes, whichever is first.
func (h *Hub) broadcast(viewers []Viewer, msg Message) {
	if len(viewers) == 0 {
		return
	}
	start := time.Now()
	results := make(chan sendOutcome, len(viewers))

	for i, v := range viewers {
		task := func() {
			// Sends are detached from the run context so shutdown never
			// aborts a broadcast halfway.
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SendTimeout)
			defer cancel()
			err := v.Send(ctx, msg)
			if err != nil {
				err = fmt.Errorf("%w: viewer %s: %v", ErrViewerSend, v.ID(), err)
			}
			results <- sendOutcome{index: i, err: err}
		}
		if !h.pool.Submit(task) {
			go task()
		}
	}

	reported := make([]bool, len(viewers))
	pending := len(viewers)
	var failed []Viewer
	deadline := time.NewTimer(h.cfg.SendTimeout + h.cfg.SendTimeout/2)
	defer deadline.Stop()

collect:
	for pending > 0 {
		select {
		case r := <-results:
			reported[r.index] = true
			pending--
			if r.err != nil {
				v := viewers[r.index]
				log.Debug("dropping viewer", logging.KeyViewerID, v.ID(), logging.KeyError, r.err)
				failed = append(failed, v)
			}
		case <-deadline.C:
			break collect
		}
	}
	for i, v := range viewers {
		if !reported[i] {
			log.Debug("dropping viewer", logging.KeyViewerID, v.ID(), logging.KeyError, ErrViewerSend)
			failed = append(failed, v)
		}
	}

	for _, v := range failed {
		if h.Unregister(v) {
			v.Close()
		}
	}
	h.metrics.RecordBroadcast(time.Since(start), len(msg.Data), len(viewers), len(failed))
}

// safeTick runs Tick and turns a panic into an error.
func (h *Hub) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()
	return h.Tick(ctx)
}

// Run drives Tick at the configured interval until ctx is cancelled. The
// current tick always completes. Each iteration sleeps only the remainder of
// the interval; an unexpected tick error backs off for ErrorBackoff.
func (h *Hub) Run(ctx context.Context) error {
	log.Info("cadence loop started",
		logging.KeySource, h.source.Name(),
		"interval", h.Settings().Interval,
		"region", h.Region().String(),
		"sendWorkers", h.pool.Workers(),
	)
	defer log.Info("cadence loop stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		err := h.safeTick(ctx)
		wait := h.Settings().Interval - time.Since(start)
		if err != nil {
			h.metrics.RecordTickError()
			h.health.Update("hub", health.Degraded, err.Error())
			log.Error("tick failed", logging.KeyError, err, "backoff", h.cfg.ErrorBackoff)
			wait = h.cfg.ErrorBackoff
		} else {
			h.health.Update("hub", health.Healthy, "")
		}
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Close closes every viewer, drains the send pool and releases the capture
// source. Call it after Run has returned. It is idempotent.
func (h *Hub) Close(ctx context.Context) error {
	var err error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		viewers := make([]Viewer, 0, len(h.viewers))
		for _, v := range h.viewers {
			viewers = append(viewers, v)
		}
		h.viewers = make(map[string]Viewer)
		h.mu.Unlock()

		for _, v := range viewers {
			v.Close()
		}
		h.pool.Drain(ctx)
		err = h.source.Close()
		log.Info("hub closed", "viewersClosed", len(viewers))
	})
	return err
}
