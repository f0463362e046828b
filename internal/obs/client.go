package obs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yy945635407/screen-region-stream/internal/logging"
)

var log = logging.L("obs")

const (
	writeWait          = 5 * time.Second
	maxMessageSize     = 64 * 1024 * 1024
	defaultDialTimeout = 5 * time.Second
)

var (
	ErrNotConnected  = errors.New("obs: not connected")
	ErrAuthFailed    = errors.New("obs: authentication failed")
	ErrRequestFailed = errors.New("obs: request failed")
)

// RequestError carries the status OBS returned for a failed request.
type RequestError struct {
	RequestType string
	Code        int
	Comment     string
}

func (e *RequestError) Error() string {
	if e.Comment == "" {
		return fmt.Sprintf("obs: %s failed with status %d", e.RequestType, e.Code)
	}
	return fmt.Sprintf("obs: %s failed with status %d: %s", e.RequestType, e.Code, e.Comment)
}

func (e *RequestError) Unwrap() error { return ErrRequestFailed }

// Config holds the obs-websocket connection settings.
type Config struct {
	Host     string
	Port     int
	Password string

	// ImageFormat is the screenshot format requested from OBS ("jpeg" or "png").
	ImageFormat string
	// ImageQuality is the screenshot compression quality, 0 for the OBS default.
	ImageQuality int
	DialTimeout  time.Duration
}

// Client is an obs-websocket 5.x client. Requests may be issued from
// multiple goroutines; responses are matched by request id.
type Client struct {
	cfg    Config
	dialer websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan response
	done    chan struct{}

	writeMu sync.Mutex
}

// New creates an unconnected client.
func New(cfg Config) *Client {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 4455
	}
	if cfg.ImageFormat == "" {
		cfg.ImageFormat = "jpeg"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Client{
		cfg: cfg,
		dialer: websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
			Subprotocols:     []string{subprotocol},
		},
	}
}

// URL returns the websocket endpoint of the configured OBS instance.
func (c *Client) URL() string {
	return "ws://" + net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// Connected reports whether a session is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials OBS and performs the Hello/Identify handshake. Any previous
// session is closed first.
func (c *Client) Connect(ctx context.Context) error {
	c.Close()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}

	conn, _, err := c.dialer.DialContext(ctx, c.URL(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.URL(), err)
	}
	conn.SetReadLimit(maxMessageSize)

	if err := c.handshake(ctx, conn); err != nil {
		conn.Close()
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.pending = make(map[string]chan response)
	c.done = done
	c.mu.Unlock()

	go c.readLoop(conn, done)
	return nil
}

type outgoing struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	deadline, _ := ctx.Deadline()
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	var h hello
	if err := readOp(conn, opHello, &h); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}

	id := identify{RPCVersion: rpcVersion}
	if h.Authentication != nil {
		id.Authentication = authResponse(c.cfg.Password, h.Authentication.Salt, h.Authentication.Challenge)
	}
	if err := conn.WriteJSON(outgoing{Op: opIdentify, D: id}); err != nil {
		return fmt.Errorf("send identify: %w", err)
	}

	var ident identified
	if err := readOp(conn, opIdentified, &ident); err != nil {
		if websocket.IsCloseError(err, closeAuthFailed) {
			return ErrAuthFailed
		}
		return fmt.Errorf("read identified: %w", err)
	}

	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})
	log.Info("connected to obs",
		"url", c.URL(),
		"obsWebSocketVersion", h.ObsWebSocketVersion,
		"rpcVersion", ident.NegotiatedRPCVersion,
	)
	return nil
}

// readOp reads messages until one with the wanted opcode arrives.
func readOp(conn *websocket.Conn, op int, out any) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		if env.Op != op {
			continue
		}
		return json.Unmarshal(env.D, out)
	}
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			for _, ch := range c.pending {
				close(ch)
			}
			c.conn = nil
			c.pending = nil
		}
		c.mu.Unlock()
		close(done)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Debug("obs connection closed")
			} else {
				log.Warn("obs connection lost", "error", err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			log.Debug("ignoring undecodable obs message", "error", err)
			continue
		}
		if env.Op != opRequestResponse {
			continue
		}

		var resp response
		if err := json.Unmarshal(env.D, &resp); err != nil {
			log.Debug("ignoring undecodable obs response", "error", err)
			continue
		}

		c.mu.Lock()
		ch := c.pending[resp.RequestID]
		delete(c.pending, resp.RequestID)
		c.mu.Unlock()
		if ch != nil {
			ch <- resp
		}
	}
}

// Call issues one request and decodes its responseData into out (which may
// be nil).
func (c *Client) Call(ctx context.Context, requestType string, data, out any) error {
	id := uuid.NewString()
	ch := make(chan response, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(deadline)
	err := conn.WriteJSON(outgoing{Op: opRequest, D: request{
		RequestType: requestType,
		RequestID:   id,
		RequestData: data,
	}})
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("%w: send %s: %v", ErrNotConnected, requestType, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		if !resp.RequestStatus.Result || resp.RequestStatus.Code != statusSuccess {
			return &RequestError{
				RequestType: requestType,
				Code:        resp.RequestStatus.Code,
				Comment:     resp.RequestStatus.Comment,
			}
		}
		if out != nil && len(resp.ResponseData) > 0 {
			if err := json.Unmarshal(resp.ResponseData, out); err != nil {
				return fmt.Errorf("decode %s response: %w", requestType, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// Close ends the session, if any, and waits for the reader to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	err := conn.Close()
	<-done
	return err
}

// Version returns the OBS and plugin versions.
func (c *Client) Version(ctx context.Context) (Version, error) {
	var v Version
	err := c.Call(ctx, "GetVersion", nil, &v)
	return v, err
}

// Ping checks the session with a GetVersion round trip.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Version(ctx)
	return err
}

// Scenes returns the scene list and the current program scene.
func (c *Client) Scenes(ctx context.Context) ([]Scene, string, error) {
	var sl sceneList
	if err := c.Call(ctx, "GetSceneList", nil, &sl); err != nil {
		return nil, "", err
	}
	return sl.Scenes, sl.CurrentProgramSceneName, nil
}

// Inputs returns all inputs (capture devices, window captures, media...).
func (c *Client) Inputs(ctx context.Context) ([]Input, error) {
	var il inputList
	if err := c.Call(ctx, "GetInputList", nil, &il); err != nil {
		return nil, err
	}
	return il.Inputs, nil
}

// ListSources returns every screenshot-able name OBS knows about: the
// current program scene first, then the other scenes, then inputs.
func (c *Client) ListSources(ctx context.Context) ([]string, error) {
	scenes, current, err := c.Scenes(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(scenes)+1)
	if current != "" {
		names = append(names, current)
	}
	for _, s := range scenes {
		names = append(names, s.SceneName)
	}

	inputs, err := c.Inputs(ctx)
	if err != nil {
		log.Debug("input list unavailable", "error", err)
		return names, nil
	}
	for _, in := range inputs {
		names = append(names, in.InputName)
	}
	return names, nil
}

// Screenshot returns the encoded image of a source at its native size.
func (c *Client) Screenshot(ctx context.Context, source string) ([]byte, error) {
	var resp screenshotResponse
	err := c.Call(ctx, "GetSourceScreenshot", screenshotRequest{
		SourceName:              source,
		ImageFormat:             c.cfg.ImageFormat,
		ImageCompressionQuality: c.cfg.ImageQuality,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return decodeDataURI(resp.ImageData)
}

// decodeDataURI decodes "data:image/png;base64,...." as well as bare base64.
func decodeDataURI(s string) ([]byte, error) {
	if i := strings.Index(s, ";base64,"); i >= 0 {
		s = s[i+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return data, nil
}
