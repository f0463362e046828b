package backend

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/yy945635407/screen-region-stream/internal/backoff"
	"github.com/yy945635407/screen-region-stream/internal/capture"
)

type fakeRemote struct {
	mu         sync.Mutex
	connectErr error
	shots      map[string][]byte
	shotErr    error
	listed     []string
	probed     []string
	connects   int
	closes     int
}

func newFakeRemote(shots map[string][]byte) *fakeRemote {
	return &fakeRemote{shots: shots}
}

func (f *fakeRemote) Name() string { return "fake" }

func (f *fakeRemote) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeRemote) Ping(ctx context.Context) error { return nil }

func (f *fakeRemote) ListSources(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listed, nil
}

func (f *fakeRemote) Screenshot(ctx context.Context, source string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, source)
	if f.shotErr != nil {
		return nil, f.shotErr
	}
	data, ok := f.shots[source]
	if !ok {
		return nil, errors.New("no such source")
	}
	return data, nil
}

func (f *fakeRemote) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeRemote) set(fn func(f *fakeRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeRemote) probes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.probed...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func payload(n int) []byte { return bytes.Repeat([]byte{0xAB}, n) }

func TestResolverSelectsFirstUsableAndStops(t *testing.T) {
	remote := newFakeRemote(map[string][]byte{
		"a": payload(3),
		"b": payload(100),
		"c": payload(100),
	})
	r := NewResolver(ResolverConfig{Candidates: []string{"a", "b", "c"}, MinFrameBytes: 50})

	got, err := r.Resolve(context.Background(), remote, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "b" {
		t.Fatalf("Resolve = %q, want b", got)
	}

	probes := remote.probes()
	if len(probes) != 2 || probes[0] != "a" || probes[1] != "b" {
		t.Fatalf("probed %v, want [a b]", probes)
	}

	recs := r.Records()
	if len(recs) != 2 {
		t.Fatalf("Records len = %d, want 2", len(recs))
	}
	if recs[0].LastSuccess || !recs[1].LastSuccess {
		t.Fatalf("records = %+v, want a failed and b succeeded", recs)
	}
}

func TestResolverNoUsableSource(t *testing.T) {
	remote := newFakeRemote(map[string][]byte{"blank": payload(10)})
	r := NewResolver(ResolverConfig{Candidates: []string{"missing", "blank"}, MinFrameBytes: 50})

	_, err := r.Resolve(context.Background(), remote, []string{"blank", "other"})
	if !errors.Is(err, ErrNoUsableSource) {
		t.Fatalf("Resolve = %v, want ErrNoUsableSource", err)
	}
	if n := len(remote.probes()); n != 3 {
		t.Fatalf("probed %d candidates, want 3", n)
	}
}

func TestResolverCandidatesOrderAndDedup(t *testing.T) {
	r := NewResolver(ResolverConfig{Candidates: []string{"Scene", "", "Display Capture"}})
	got := r.Candidates([]string{"Game", "Scene", "Display Capture", "Window"})
	want := []string{"Scene", "Display Capture", "Game", "Window"}
	if len(got) != len(want) {
		t.Fatalf("Candidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Candidates = %v, want %v", got, want)
		}
	}
}

func newTestConnection(remote *fakeRemote, opts Options) (*Connection, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := NewResolver(ResolverConfig{Candidates: []string{"a", "b"}, MinFrameBytes: 10, ProbeTimeout: time.Second})
	r.now = clock.Now
	c := NewConnection(remote, r, capture.DefaultRegion(), opts)
	c.now = clock.Now
	return c, clock
}

func TestConnectSelectsSource(t *testing.T) {
	remote := newFakeRemote(map[string][]byte{"b": payload(50)})
	c, _ := newTestConnection(remote, Options{Crop: false})

	var transitions []string
	c.OnStateChange(func(from, to State, reason string) {
		transitions = append(transitions, from.String()+">"+to.String())
	})

	if err := c.connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := c.State(); got != Connected {
		t.Fatalf("State = %v, want connected", got)
	}
	if st := c.Status(); st.Source != "b" {
		t.Fatalf("active source = %q, want b", st.Source)
	}
	want := []string{"disconnected>connecting", "connecting>connected"}
	if len(transitions) != 2 || transitions[0] != want[0] || transitions[1] != want[1] {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}

	f, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !f.Encoded() || len(f.Data) != 50 {
		t.Fatalf("Acquire returned %d bytes, want 50 encoded", len(f.Data))
	}
}

func TestConnectHandshakeFailureReturnsToDisconnected(t *testing.T) {
	remote := newFakeRemote(nil)
	remote.connectErr = errors.New("connection refused")
	c, _ := newTestConnection(remote, Options{})

	err := c.connect(context.Background())
	if !errors.Is(err, ErrBackendUnreachable) {
		t.Fatalf("connect = %v, want ErrBackendUnreachable", err)
	}
	if got := c.State(); got != Disconnected {
		t.Fatalf("State = %v, want disconnected", got)
	}
}

func TestConnectWithoutSourceIsDegraded(t *testing.T) {
	remote := newFakeRemote(map[string][]byte{})
	c, _ := newTestConnection(remote, Options{})

	if err := c.connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := c.State(); got != Degraded {
		t.Fatalf("State = %v, want degraded", got)
	}
	if _, err := c.Acquire(context.Background()); !errors.Is(err, capture.ErrNoFrame) {
		t.Fatalf("Acquire = %v, want ErrNoFrame", err)
	}
}

func TestAcquireWhileDisconnectedIsNoFrame(t *testing.T) {
	remote := newFakeRemote(nil)
	c, _ := newTestConnection(remote, Options{})

	if _, err := c.Acquire(context.Background()); !errors.Is(err, capture.ErrNoFrame) {
		t.Fatalf("Acquire = %v, want ErrNoFrame", err)
	}
	if n := len(remote.probes()); n != 0 {
		t.Fatalf("disconnected Acquire touched the backend %d times", n)
	}
}

func TestDegradeAfterExactlyMaxFailuresThenDisconnectAfterGrace(t *testing.T) {
	remote := newFakeRemote(map[string][]byte{"a": payload(50)})
	c, clock := newTestConnection(remote, Options{
		MaxConsecutiveFailures: 3,
		DegradedGracePeriod:    10 * time.Second,
	})
	if err := c.connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	remote.set(func(f *fakeRemote) { f.shotErr = errors.New("busy") })

	for i := 1; i <= 2; i++ {
		if _, err := c.Acquire(context.Background()); !errors.Is(err, capture.ErrNoFrame) {
			t.Fatalf("Acquire #%d = %v, want ErrNoFrame", i, err)
		}
		if got := c.State(); got != Connected {
			t.Fatalf("State after %d failures = %v, want connected", i, got)
		}
	}
	c.Acquire(context.Background())
	if got := c.State(); got != Degraded {
		t.Fatalf("State after 3 failures = %v, want degraded", got)
	}

	clock.Advance(9 * time.Second)
	c.Acquire(context.Background())
	if got := c.State(); got != Degraded {
		t.Fatalf("State before grace = %v, want degraded", got)
	}

	clock.Advance(2 * time.Second)
	c.Acquire(context.Background())
	if got := c.State(); got != Disconnected {
		t.Fatalf("State after grace = %v, want disconnected", got)
	}
	remote.set(func(f *fakeRemote) {
		if f.closes == 0 {
			t.Fatal("remote not closed when forcing reconnect")
		}
	})
}

func TestExpireGraceWithoutAcquire(t *testing.T) {
	remote := newFakeRemote(map[string][]byte{})
	c, clock := newTestConnection(remote, Options{DegradedGracePeriod: 5 * time.Second})
	c.connect(context.Background())

	if c.expireGrace() {
		t.Fatal("expireGrace fired before the grace period")
	}
	clock.Advance(5 * time.Second)
	if !c.expireGrace() {
		t.Fatal("expireGrace did not fire after the grace period")
	}
	if got := c.State(); got != Disconnected {
		t.Fatalf("State = %v, want disconnected", got)
	}
}

func TestDegradedRecoversWhenResolverFindsNewSource(t *testing.T) {
	remote := newFakeRemote(map[string][]byte{"a": payload(50)})
	c, _ := newTestConnection(remote, Options{MaxConsecutiveFailures: 1})
	c.connect(context.Background())

	// "a" goes blank, "b" appears.
	remote.set(func(f *fakeRemote) { f.shots = map[string][]byte{"a": payload(1), "b": payload(64)} })
	c.Acquire(context.Background())
	if got := c.State(); got != Degraded {
		t.Fatalf("State = %v, want degraded", got)
	}

	c.reresolve(context.Background())
	if got := c.State(); got != Connected {
		t.Fatalf("State after reresolve = %v, want connected", got)
	}
	if st := c.Status(); st.Source != "b" {
		t.Fatalf("source = %q, want b", st.Source)
	}
}

func TestUnreachableScreenshotDisconnectsImmediately(t *testing.T) {
	remote := newFakeRemote(map[string][]byte{"a": payload(50)})
	c, _ := newTestConnection(remote, Options{MaxConsecutiveFailures: 10})
	c.connect(context.Background())

	remote.set(func(f *fakeRemote) { f.shotErr = ErrBackendUnreachable })
	c.Acquire(context.Background())
	if got := c.State(); got != Disconnected {
		t.Fatalf("State = %v, want disconnected", got)
	}
}

func TestAcquireCropsDecodedScreenshot(t *testing.T) {
	var buf bytes.Buffer
	png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 48)))

	remote := newFakeRemote(map[string][]byte{"a": buf.Bytes()})
	c, _ := newTestConnection(remote, Options{Crop: true})
	c.connect(context.Background())
	if err := c.Reconfigure(capture.Region{Left: 8, Top: 8, Width: 16, Height: 10}); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	f, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if b := f.Image.Bounds(); b.Dx() != 16 || b.Dy() != 10 {
		t.Fatalf("cropped frame = %dx%d, want 16x10", b.Dx(), b.Dy())
	}
}

func TestRunReconnectsAndShutsDown(t *testing.T) {
	remote := newFakeRemote(map[string][]byte{"a": payload(50)})
	remote.connectErr = errors.New("refused")
	c, _ := newTestConnection(remote, Options{
		Backoff:        backoff.Config{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond, Factor: 2},
		HealthInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	remote.set(func(f *fakeRemote) { f.connectErr = nil })

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != Connected {
		if time.Now().After(deadline) {
			t.Fatalf("connection never came up, state %v", c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := c.State(); got != Disconnected {
		t.Fatalf("State after shutdown = %v, want disconnected", got)
	}
	remote.set(func(f *fakeRemote) {
		if f.connects < 2 {
			t.Fatalf("connects = %d, want retries", f.connects)
		}
	})
}
