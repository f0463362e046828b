package obs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeOBS speaks enough of obs-websocket 5.x to exercise the client.
type fakeOBS struct {
	t        *testing.T
	password string
	scenes   []string
	inputs   []string
	shots    map[string][]byte

	mu       sync.Mutex
	requests []string
}

func (f *fakeOBS) handler(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{Subprotocols: []string{subprotocol}}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	const salt, challenge = "salty", "challenge"
	h := map[string]any{"obsWebSocketVersion": "5.4.2", "rpcVersion": 1}
	if f.password != "" {
		h["authentication"] = map[string]string{"salt": salt, "challenge": challenge}
	}
	conn.WriteJSON(map[string]any{"op": opHello, "d": h})

	var id struct {
		Op int      `json:"op"`
		D  identify `json:"d"`
	}
	if err := conn.ReadJSON(&id); err != nil {
		return
	}
	if f.password != "" && id.D.Authentication != authResponse(f.password, salt, challenge) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeAuthFailed, "Authentication failed."))
		return
	}
	conn.WriteJSON(map[string]any{"op": opIdentified, "d": map[string]int{"negotiatedRpcVersion": 1}})

	for {
		var req struct {
			Op int `json:"op"`
			D  struct {
				RequestType string          `json:"requestType"`
				RequestID   string          `json:"requestId"`
				RequestData json.RawMessage `json:"requestData"`
			} `json:"d"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, req.D.RequestType)
		f.mu.Unlock()

		status := map[string]any{"result": true, "code": statusSuccess}
		var data any
		switch req.D.RequestType {
		case "GetVersion":
			data = map[string]any{"obsVersion": "30.1.0", "obsWebSocketVersion": "5.4.2", "rpcVersion": 1}
		case "GetSceneList":
			scenes := make([]map[string]any, 0, len(f.scenes))
			for i, s := range f.scenes {
				scenes = append(scenes, map[string]any{"sceneName": s, "sceneIndex": i})
			}
			current := ""
			if len(f.scenes) > 0 {
				current = f.scenes[0]
			}
			data = map[string]any{"currentProgramSceneName": current, "scenes": scenes}
		case "GetInputList":
			inputs := make([]map[string]any, 0, len(f.inputs))
			for _, in := range f.inputs {
				inputs = append(inputs, map[string]any{"inputName": in, "inputKind": "monitor_capture"})
			}
			data = map[string]any{"inputs": inputs}
		case "GetSourceScreenshot":
			var sr screenshotRequest
			json.Unmarshal(req.D.RequestData, &sr)
			img, ok := f.shots[sr.SourceName]
			if !ok {
				status = map[string]any{"result": false, "code": 600, "comment": "No source was found"}
				break
			}
			data = map[string]string{"imageData": "data:image/" + sr.ImageFormat + ";base64," + base64.StdEncoding.EncodeToString(img)}
		default:
			status = map[string]any{"result": false, "code": 204, "comment": "unknown request"}
		}

		conn.WriteJSON(map[string]any{"op": opRequestResponse, "d": map[string]any{
			"requestType":   req.D.RequestType,
			"requestId":     req.D.RequestID,
			"requestStatus": status,
			"responseData":  data,
		}})
	}
}

func startFake(t *testing.T, f *fakeOBS) Config {
	t.Helper()
	f.t = t
	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(srv.Close)

	u, _ := url.Parse(srv.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	return Config{Host: host, Port: port, Password: f.password, DialTimeout: 2 * time.Second}
}

func TestConnectWithAuthAndListSources(t *testing.T) {
	cfg := startFake(t, &fakeOBS{
		password: "secret",
		scenes:   []string{"Scene", "Game"},
		inputs:   []string{"Display Capture"},
	})
	c := New(cfg)
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if !c.Connected() {
		t.Fatal("Connected() = false after Connect")
	}
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	names, err := c.ListSources(ctx)
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	want := []string{"Scene", "Scene", "Game", "Display Capture"}
	if len(names) != len(want) {
		t.Fatalf("ListSources = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("ListSources[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestConnectWrongPassword(t *testing.T) {
	f := &fakeOBS{password: "secret"}
	cfg := startFake(t, f)
	cfg.Password = "wrong"

	err := New(cfg).Connect(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Connect = %v, want ErrAuthFailed", err)
	}
}

func TestScreenshotDecodesDataURI(t *testing.T) {
	payload := []byte("\xff\xd8fake-jpeg-bytes")
	cfg := startFake(t, &fakeOBS{shots: map[string][]byte{"Scene": payload}})
	c := New(cfg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	got, err := c.Screenshot(context.Background(), "Scene")
	if err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("Screenshot = %q, want %q", got, payload)
	}

	_, err = c.Screenshot(context.Background(), "missing")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Code != 600 {
		t.Fatalf("Screenshot(missing) = %v, want RequestError code 600", err)
	}
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("Screenshot(missing) should wrap ErrRequestFailed")
	}
}

func TestConcurrentCalls(t *testing.T) {
	cfg := startFake(t, &fakeOBS{scenes: []string{"Scene"}})
	c := New(cfg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Version(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Version: %v", err)
	}
}

func TestCallAfterCloseReturnsNotConnected(t *testing.T) {
	cfg := startFake(t, &fakeOBS{})
	c := New(cfg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Close()

	if c.Connected() {
		t.Fatal("Connected() = true after Close")
	}
	if err := c.Ping(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Ping after Close = %v, want ErrNotConnected", err)
	}
}

func TestConnectUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	c := New(Config{Host: "127.0.0.1", Port: addr.Port, DialTimeout: time.Second})
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect to closed port should fail")
	}
}

func TestAuthResponseKnownVector(t *testing.T) {
	// Same inputs always produce the same 44-char base64 digest.
	a := authResponse("pw", "salt", "chal")
	b := authResponse("pw", "salt", "chal")
	if a != b || len(a) != 44 {
		t.Fatalf("authResponse not deterministic or wrong length: %q", a)
	}
	if authResponse("pw2", "salt", "chal") == a {
		t.Fatal("different passwords produced the same response")
	}
}
