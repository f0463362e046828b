package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/yy945635407/screen-region-stream/internal/hub"
	"github.com/yy945635407/screen-region-stream/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// closeTryAgainLater is sent when the viewer cap is reached.
	closeTryAgainLater = 1013
)

// ErrViewerClosed is returned by Send after Close.
var ErrViewerClosed = errors.New("viewer connection closed")

// ViewerConn is one websocket viewer. Frames and control replies are written
// through Send; a single read loop feeds inbound messages to the hub.
type ViewerConn struct {
	id      string
	conn    *websocket.Conn
	hub     *hub.Hub
	limiter *rate.Limiter
	log     *slog.Logger

	// writeSem serializes writers; gorilla allows one concurrent writer.
	writeSem     chan struct{}
	lastActivity atomic.Int64
	done         chan struct{}
	closeOnce    sync.Once
}

// ViewerOptions tune a viewer connection.
type ViewerOptions struct {
	// ControlRate is the sustained inbound message rate allowed per viewer.
	ControlRate float64
	// ControlBurst is the inbound burst allowance.
	ControlBurst int
}

func newViewerConn(id string, conn *websocket.Conn, h *hub.Hub, opts ViewerOptions) *ViewerConn {
	if opts.ControlRate <= 0 {
		opts.ControlRate = 20
	}
	if opts.ControlBurst <= 0 {
		opts.ControlBurst = 40
	}
	vc := &ViewerConn{
		id:       id,
		conn:     conn,
		hub:      h,
		limiter:  rate.NewLimiter(rate.Limit(opts.ControlRate), opts.ControlBurst),
		log:      logging.WithViewer(log, id),
		writeSem: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	vc.touch()
	return vc
}

// ID implements hub.Viewer.
func (vc *ViewerConn) ID() string { return vc.id }

// RemoteAddr returns the peer address.
func (vc *ViewerConn) RemoteAddr() string { return vc.conn.RemoteAddr().String() }

// LastActivity returns when the viewer last sent anything, pongs included.
func (vc *ViewerConn) LastActivity() time.Time {
	return time.Unix(0, vc.lastActivity.Load())
}

func (vc *ViewerConn) touch() {
	vc.lastActivity.Store(time.Now().UnixNano())
}

// Send implements hub.Viewer. It waits for the write slot no longer than ctx
// allows and uses the ctx deadline as the socket write deadline.
func (vc *ViewerConn) Send(ctx context.Context, msg hub.Message) error {
	select {
	case vc.writeSem <- struct{}{}:
	case <-vc.done:
		return ErrViewerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-vc.writeSem }()

	select {
	case <-vc.done:
		return ErrViewerClosed
	default:
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	vc.conn.SetWriteDeadline(deadline)

	kind := websocket.BinaryMessage
	if msg.Text {
		kind = websocket.TextMessage
	}
	return vc.conn.WriteMessage(kind, msg.Data)
}

// Close implements hub.Viewer. It sends a best-effort close frame and tears
// down the socket; the read loop exits on its own.
func (vc *ViewerConn) Close() error {
	return vc.closeWith(websocket.CloseGoingAway, "server closing")
}

func (vc *ViewerConn) closeWith(code int, reason string) error {
	var err error
	vc.closeOnce.Do(func() {
		close(vc.done)
		vc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		err = vc.conn.Close()
	})
	return err
}

// serve registers the viewer, sends it the current config and runs the
// read loop until the peer goes away. The viewer is unregistered on return.
func (vc *ViewerConn) serve(ctx context.Context) {
	if err := vc.hub.Register(vc); err != nil {
		vc.log.Warn("viewer rejected", logging.KeyError, err, "remote", vc.RemoteAddr())
		vc.closeWith(closeTryAgainLater, err.Error())
		return
	}
	defer func() {
		vc.hub.Unregister(vc)
		vc.Close()
	}()

	vc.log.Info("viewer connected", "remote", vc.RemoteAddr())
	sctx, cancel := context.WithTimeout(ctx, writeWait)
	if err := vc.Send(sctx, vc.hub.ConfigMessage()); err != nil {
		cancel()
		vc.log.Warn("initial config send failed", logging.KeyError, err)
		return
	}
	cancel()

	go vc.pingLoop()
	vc.readLoop(ctx)
}

func (vc *ViewerConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-vc.done:
			return
		case <-ticker.C:
			// WriteControl may run concurrently with WriteMessage.
			if err := vc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				vc.log.Debug("ping failed", logging.KeyError, err)
				vc.Close()
				return
			}
		}
	}
}

func (vc *ViewerConn) readLoop(ctx context.Context) {
	vc.conn.SetReadLimit(maxMessageSize)
	vc.conn.SetReadDeadline(time.Now().Add(pongWait))
	vc.conn.SetPongHandler(func(string) error {
		vc.touch()
		vc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, message, err := vc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				vc.log.Debug("viewer read error", logging.KeyError, err)
			}
			vc.log.Info("viewer disconnected")
			return
		}
		vc.touch()
		vc.conn.SetReadDeadline(time.Now().Add(pongWait))

		if kind != websocket.TextMessage {
			continue
		}
		if !vc.limiter.Allow() {
			vc.log.Debug("control message rate limited")
			continue
		}
		vc.hub.HandleControl(ctx, vc, message)
	}
}
