package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoUsableSource is returned when every candidate failed to produce a
// usable screenshot.
var ErrNoUsableSource = errors.New("no usable capture source")

// DefaultCandidates are the source names OBS creates out of the box, in the
// Chinese and English locales.
var DefaultCandidates = []string{
	"场景", "Scene",
	"显示器采集", "Display Capture", "Screen Capture",
	"窗口采集", "Window Capture",
}

// Prober takes one screenshot of a named source.
type Prober interface {
	Screenshot(ctx context.Context, source string) ([]byte, error)
}

// SourceCandidate is the probe record of one source name.
type SourceCandidate struct {
	Name         string    `json:"name"`
	LastSuccess  bool      `json:"lastSuccess"`
	LastProbedAt time.Time `json:"lastProbedAt"`
	LastBytes    int       `json:"lastBytes,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
}

// ResolverConfig controls source selection.
type ResolverConfig struct {
	// Candidates are probed first, in order.
	Candidates []string
	// MinFrameBytes rejects valid-looking but blank images.
	MinFrameBytes int
	// ProbeTimeout bounds each probe.
	ProbeTimeout time.Duration
}

// Resolver picks the first source that yields a non-trivial screenshot.
type Resolver struct {
	cfg ResolverConfig
	now func() time.Time

	mu      sync.Mutex
	records map[string]*SourceCandidate
	order   []string
}

// NewResolver creates a resolver. Zero thresholds get small defaults.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.MinFrameBytes <= 0 {
		cfg.MinFrameBytes = 1024
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	return &Resolver{
		cfg:     cfg,
		now:     time.Now,
		records: make(map[string]*SourceCandidate),
	}
}

// MinFrameBytes returns the size below which a screenshot counts as blank.
func (r *Resolver) MinFrameBytes() int {
	return r.cfg.MinFrameBytes
}

// Candidates returns the probe order: configured names first, then the
// discovered ones, without duplicates or empty names.
func (r *Resolver) Candidates(discovered []string) []string {
	seen := make(map[string]bool, len(r.cfg.Candidates)+len(discovered))
	out := make([]string, 0, len(r.cfg.Candidates)+len(discovered))
	for _, list := range [][]string{r.cfg.Candidates, discovered} {
		for _, name := range list {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// Resolve probes the candidates in order and returns the first whose
// screenshot is at least MinFrameBytes long. Probing stops at the first hit.
func (r *Resolver) Resolve(ctx context.Context, p Prober, discovered []string) (string, error) {
	candidates := r.Candidates(discovered)
	for _, name := range candidates {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		pctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
		data, err := p.Screenshot(pctx, name)
		cancel()

		ok := err == nil && len(data) >= r.cfg.MinFrameBytes
		r.record(name, ok, len(data), err)
		if ok {
			log.Info("capture source selected", "source", name, "bytes", len(data))
			return name, nil
		}
		log.Debug("capture source rejected", "source", name, "bytes", len(data), "error", err)
	}
	return "", fmt.Errorf("%w: tried %d candidates", ErrNoUsableSource, len(candidates))
}

func (r *Resolver) record(name string, ok bool, n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[name]
	if !exists {
		rec = &SourceCandidate{Name: name}
		r.records[name] = rec
		r.order = append(r.order, name)
	}
	rec.LastSuccess = ok
	rec.LastProbedAt = r.now()
	rec.LastBytes = n
	rec.LastError = ""
	if err != nil {
		rec.LastError = err.Error()
	} else if !ok {
		rec.LastError = fmt.Sprintf("image too small (%d < %d bytes)", n, r.cfg.MinFrameBytes)
	}
}

// Records returns the probe history in first-probed order.
func (r *Resolver) Records() []SourceCandidate {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SourceCandidate, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.records[name])
	}
	return out
}
