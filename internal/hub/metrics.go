package hub

import (
	"context"
	"sync"
	"time"

	"github.com/yy945635407/screen-region-stream/internal/health"
)

// Metrics tracks cadence-loop and fan-out counters.
type Metrics struct {
	mu sync.RWMutex

	FramesCaptured  uint64
	FramesEmpty     uint64
	FramesBroadcast uint64
	EncodeFailures  uint64
	TickErrors      uint64
	Sends           uint64
	SendFailures    uint64
	ViewersPruned   uint64

	LastCaptureTime time.Duration
	LastEncodeTime  time.Duration
	LastFanoutTime  time.Duration
	LastFrameSize   int

	TotalBytesSent uint64
	startTime      time.Time

	// rolling one-second window for FPS
	windowStart  time.Time
	windowFrames int
	fps          float64
}

func newMetrics() *Metrics {
	now := time.Now()
	return &Metrics{startTime: now, windowStart: now}
}

func (m *Metrics) RecordCapture(d time.Duration) {
	m.mu.Lock()
	m.FramesCaptured++
	m.LastCaptureTime = d
	m.mu.Unlock()
}

func (m *Metrics) RecordEmpty() {
	m.mu.Lock()
	m.FramesEmpty++
	m.mu.Unlock()
}

func (m *Metrics) RecordEncode(d time.Duration, size int) {
	m.mu.Lock()
	m.LastEncodeTime = d
	m.LastFrameSize = size
	m.mu.Unlock()
}

func (m *Metrics) RecordEncodeFailure() {
	m.mu.Lock()
	m.EncodeFailures++
	m.mu.Unlock()
}

func (m *Metrics) RecordTickError() {
	m.mu.Lock()
	m.TickErrors++
	m.mu.Unlock()
}

// RecordBroadcast accounts one fan-out of size bytes to sent viewers, of
// which failed did not take the frame.
func (m *Metrics) RecordBroadcast(d time.Duration, size, sent, failed int) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FramesBroadcast++
	m.LastFanoutTime = d
	m.Sends += uint64(sent)
	m.SendFailures += uint64(failed)
	m.ViewersPruned += uint64(failed)
	m.TotalBytesSent += uint64(size * (sent - failed))

	m.windowFrames++
	if elapsed := now.Sub(m.windowStart); elapsed >= time.Second {
		m.fps = float64(m.windowFrames) / elapsed.Seconds()
		m.windowFrames = 0
		m.windowStart = now
	}
}

// MetricsSnapshot is a point-in-time copy of metrics for logging and status.
type MetricsSnapshot struct {
	FramesCaptured  uint64        `json:"framesCaptured"`
	FramesEmpty     uint64        `json:"framesEmpty"`
	FramesBroadcast uint64        `json:"framesBroadcast"`
	EncodeFailures  uint64        `json:"encodeFailures"`
	TickErrors      uint64        `json:"tickErrors"`
	Sends           uint64        `json:"sends"`
	SendFailures    uint64        `json:"sendFailures"`
	ViewersPruned   uint64        `json:"viewersPruned"`
	CaptureMs       float64       `json:"captureMs"`
	EncodeMs        float64       `json:"encodeMs"`
	FanoutMs        float64       `json:"fanoutMs"`
	LastFrameSize   int           `json:"lastFrameSize"`
	BandwidthKBps   float64       `json:"bandwidthKBps"`
	FPS             float64       `json:"fps"`
	Uptime          time.Duration `json:"uptimeNs"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uptime := time.Since(m.startTime)
	bw := float64(0)
	if uptime.Seconds() > 0 {
		bw = float64(m.TotalBytesSent) / uptime.Seconds() / 1024.0
	}

	fps := m.fps
	// A stalled stream stops updating the window; report zero instead of the
	// last rate.
	if time.Since(m.windowStart) > 2*time.Second {
		fps = 0
	}

	return MetricsSnapshot{
		FramesCaptured:  m.FramesCaptured,
		FramesEmpty:     m.FramesEmpty,
		FramesBroadcast: m.FramesBroadcast,
		EncodeFailures:  m.EncodeFailures,
		TickErrors:      m.TickErrors,
		Sends:           m.Sends,
		SendFailures:    m.SendFailures,
		ViewersPruned:   m.ViewersPruned,
		CaptureMs:       float64(m.LastCaptureTime.Microseconds()) / 1000.0,
		EncodeMs:        float64(m.LastEncodeTime.Microseconds()) / 1000.0,
		FanoutMs:        float64(m.LastFanoutTime.Microseconds()) / 1000.0,
		LastFrameSize:   m.LastFrameSize,
		BandwidthKBps:   bw,
		FPS:             fps,
		Uptime:          uptime,
	}
}

// RunMetricsLogger logs a metrics line every interval until ctx is done.
func (h *Hub) RunMetricsLogger(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := h.metrics.Snapshot()
			proc := health.Process()
			log.Info("stream metrics",
				"viewers", h.ViewerCount(),
				"captured", snap.FramesCaptured,
				"empty", snap.FramesEmpty,
				"broadcast", snap.FramesBroadcast,
				"sends", snap.Sends,
				"sendFailures", snap.SendFailures,
				"pruned", snap.ViewersPruned,
				"tickErrors", snap.TickErrors,
				"captureMs", snap.CaptureMs,
				"encodeMs", snap.EncodeMs,
				"fanoutMs", snap.FanoutMs,
				"frameSize", snap.LastFrameSize,
				"bandwidthKBps", int(snap.BandwidthKBps),
				"fps", snap.FPS,
				"rssMB", proc.RSSBytes/(1024*1024),
				"cpuPercent", proc.CPUPercent,
				"goroutines", proc.Goroutines,
			)
		}
	}
}
