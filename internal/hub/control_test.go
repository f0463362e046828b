package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/yy945635407/screen-region-stream/internal/capture"
)

func decodeConfig(t *testing.T, m Message) ConfigPayload {
	t.Helper()
	var msg struct {
		Type string        `json:"type"`
		Data ConfigPayload `json:"data"`
	}
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	if msg.Type != MsgConfig {
		t.Fatalf("type = %q, want config", msg.Type)
	}
	return msg.Data
}

func TestControlPing(t *testing.T) {
	h := newTestHub(t, newFakeSource(), nil)
	v := newFakeViewer("a")

	h.HandleControl(context.Background(), v, []byte(`{"type":"ping"}`))

	msgs := v.messages()
	if len(msgs) != 1 || string(msgs[0].Data) != `{"type":"pong"}` || !msgs[0].Text {
		t.Fatalf("replies = %+v, want one pong", msgs)
	}
}

func TestControlRegionUpdates(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want capture.Region
	}{
		{
			name: "typed full",
			raw:  `{"type":"region","region":{"left":5,"top":6,"width":320,"height":240}}`,
			want: capture.Region{Left: 5, Top: 6, Width: 320, Height: 240},
		},
		{
			name: "untyped legacy",
			raw:  `{"region":{"left":1,"top":2,"width":30,"height":40}}`,
			want: capture.Region{Left: 1, Top: 2, Width: 30, Height: 40},
		},
		{
			name: "fractional rounded",
			raw:  `{"type":"region","region":{"left":10.4,"top":10.6,"width":99.5,"height":50.2}}`,
			want: capture.Region{Left: 10, Top: 11, Width: 100, Height: 50},
		},
		{
			name: "partial merges",
			raw:  `{"type":"region","region":{"width":640}}`,
			want: capture.Region{Left: 0, Top: 0, Width: 640, Height: 200},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHub(t, newFakeSource(), nil)
			v := newFakeViewer("a")

			h.HandleControl(context.Background(), v, []byte(tt.raw))

			if got := h.Region(); got != tt.want {
				t.Fatalf("region = %v, want %v", got, tt.want)
			}
			msgs := v.messages()
			if len(msgs) != 1 {
				t.Fatalf("got %d replies, want 1 config", len(msgs))
			}
			if cfg := decodeConfig(t, msgs[0]); cfg.Region != tt.want {
				t.Fatalf("config reply region = %v, want %v", cfg.Region, tt.want)
			}
		})
	}
}

func TestControlIgnoresBadInput(t *testing.T) {
	inputs := []string{
		`not json`,
		`{"type":"reboot"}`,
		`{"type":"region"}`,
		`{"type":"region","region":{}}`,
		`{"type":"region","region":{"width":-10}}`,
		`{"type":"region","region":{"width":"wide"}}`,
		`[1,2,3]`,
		`{"type":"config"}`,
	}

	h := newTestHub(t, newFakeSource(), nil)
	v := newFakeViewer("a")
	before := h.Region()
	settings := h.Settings()

	for _, raw := range inputs {
		h.HandleControl(context.Background(), v, []byte(raw))
	}

	if h.Region() != before {
		t.Fatalf("region changed to %v", h.Region())
	}
	if h.Settings() != settings {
		t.Fatalf("settings changed to %+v", h.Settings())
	}
	if n := len(v.messages()); n != 0 {
		t.Fatalf("got %d replies to bad input", n)
	}
	if v.closed.Load() {
		t.Fatal("bad input closed the viewer")
	}
}

func TestControlFrameRequest(t *testing.T) {
	h := newTestHub(t, newFakeSource(), nil)
	v := newFakeViewer("a")

	h.HandleControl(context.Background(), v, []byte(`{"type":"frame"}`))
	if n := len(v.messages()); n != 0 {
		t.Fatalf("got %d replies before any frame was captured", n)
	}

	h.Tick(context.Background())
	h.HandleControl(context.Background(), v, []byte(`{"type":"request_frame"}`))

	msgs := v.messages()
	if len(msgs) != 1 || len(msgs[0].Data) != 50 {
		t.Fatalf("replies = %d, want the latest 50-byte frame", len(msgs))
	}
}

func TestControlConfigUpdatesSettings(t *testing.T) {
	h := newTestHub(t, newFakeSource(), nil)
	v := newFakeViewer("a")

	h.HandleControl(context.Background(), v, []byte(`{"type":"config","quality":40,"fps":10}`))
	s := h.Settings()
	if s.Quality != 40 || s.Interval != 100*time.Millisecond {
		t.Fatalf("settings = %+v, want quality 40 at 100ms", s)
	}

	h.HandleControl(context.Background(), v, []byte(`{"type":"config","fps":500}`))
	s = h.Settings()
	if s.Quality != 40 || s.FPS() != 60 {
		t.Fatalf("settings = %+v, want fps clamped to 60", s)
	}

	cfg := decodeConfig(t, h.ConfigMessage())
	if cfg.Quality != 40 || cfg.FPS != 60 || cfg.Mode != ModeBinary {
		t.Fatalf("config message = %+v", cfg)
	}
}
