package hub

import (
	"context"
	"encoding/json"
	"math"

	"github.com/yy945635407/screen-region-stream/internal/capture"
	"github.com/yy945635407/screen-region-stream/internal/logging"
)

// Control message kinds.
const (
	MsgPing         = "ping"
	MsgPong         = "pong"
	MsgRegion       = "region"
	MsgFrame        = "frame"
	MsgRequestFrame = "request_frame"
	MsgConfig       = "config"
)

// controlMessage is the union of every inbound message. Numbers are decoded
// as floats because browsers send fractional coordinates after scaling.
type controlMessage struct {
	Type    string        `json:"type"`
	Region  *regionFields `json:"region"`
	Quality *float64      `json:"quality"`
	FPS     *float64      `json:"fps"`
}

type regionFields struct {
	Left   *float64 `json:"left"`
	Top    *float64 `json:"top"`
	Width  *float64 `json:"width"`
	Height *float64 `json:"height"`
}

func (f regionFields) patch() capture.RegionPatch {
	return capture.RegionPatch{
		Left:   roundPtr(f.Left),
		Top:    roundPtr(f.Top),
		Width:  roundPtr(f.Width),
		Height: roundPtr(f.Height),
	}
}

func roundPtr(v *float64) *int {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	n := int(math.Round(*v))
	return &n
}

// ConfigPayload is the effective stream configuration sent to viewers.
type ConfigPayload struct {
	Region     capture.Region `json:"region"`
	IntervalMs int64          `json:"interval_ms"`
	FPS        int            `json:"fps"`
	Quality    int            `json:"quality"`
	Mode       FrameMode      `json:"mode"`
}

type configMessage struct {
	Type string        `json:"type"`
	Data ConfigPayload `json:"data"`
}

// ConfigMessage returns the {"type":"config"} message describing the current
// region and stream settings. Viewers get it on connect and after changes.
func (h *Hub) ConfigMessage() Message {
	s := h.Settings()
	b, _ := json.Marshal(configMessage{
		Type: MsgConfig,
		Data: ConfigPayload{
			Region:     h.Region(),
			IntervalMs: s.Interval.Milliseconds(),
			FPS:        s.FPS(),
			Quality:    s.Quality,
			Mode:       h.cfg.Mode,
		},
	})
	return Message{Text: true, Data: b}
}

var pongMessage = Message{Text: true, Data: []byte(`{"type":"pong"}`)}

// HandleControl applies one inbound message from v. Malformed and unknown
// messages are ignored; nothing here closes the viewer. Replies are sent to
// v alone, bounded by the send timeout.
func (h *Hub) HandleControl(ctx context.Context, v Viewer, raw []byte) {
	var msg controlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Debug("ignoring malformed control message", logging.KeyViewerID, v.ID(), logging.KeyError, err)
		return
	}

	// Older clients send {"region":{...}} without a type.
	if msg.Type == "" && msg.Region != nil {
		msg.Type = MsgRegion
	}

	switch msg.Type {
	case MsgPing:
		h.reply(ctx, v, pongMessage)

	case MsgRegion:
		if msg.Region == nil {
			return
		}
		p := msg.Region.patch()
		if p.Empty() {
			return
		}
		if _, err := h.UpdateRegionPatch(p); err != nil {
			log.Debug("rejected region update", logging.KeyViewerID, v.ID(), logging.KeyError, err)
			return
		}
		h.reply(ctx, v, h.ConfigMessage())

	case MsgFrame, MsgRequestFrame:
		if latest, ok := h.Latest(); ok {
			h.reply(ctx, v, latest)
		}

	case MsgConfig:
		var quality, fps int
		if q := roundPtr(msg.Quality); q != nil {
			quality = *q
		}
		if f := roundPtr(msg.FPS); f != nil {
			fps = *f
		}
		if quality == 0 && fps == 0 {
			return
		}
		h.UpdateSettings(quality, fps)
		h.reply(ctx, v, h.ConfigMessage())

	default:
		log.Debug("ignoring control message", logging.KeyViewerID, v.ID(), "type", msg.Type)
	}
}

func (h *Hub) reply(ctx context.Context, v Viewer, msg Message) {
	sctx, cancel := context.WithTimeout(ctx, h.cfg.SendTimeout)
	defer cancel()
	if err := v.Send(sctx, msg); err != nil {
		log.Debug("control reply failed", logging.KeyViewerID, v.ID(), logging.KeyError, err)
	}
}
