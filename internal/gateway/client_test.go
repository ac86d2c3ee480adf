package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perch-dev/perch/internal/identity"
)

func newGatewayServer(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Logf("accept error: %v", err)
			return
		}
		handler(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readReq(t *testing.T, ctx context.Context, conn *websocket.Conn) requestFrame {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var req struct {
		Type   string          `json:"type"`
		ID     string          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	require.NoError(t, json.Unmarshal(data, &req))
	require.Equal(t, frameReq, req.Type)
	return requestFrame{Type: req.Type, ID: req.ID, Method: req.Method, Params: req.Params}
}

func writeRes(ctx context.Context, conn *websocket.Conn, id string, ok bool, payload string, errMsg string) error {
	frame := map[string]any{"type": frameRes, "id": id, "ok": ok}
	if payload != "" {
		frame["payload"] = json.RawMessage(payload)
	}
	if errMsg != "" {
		frame["error"] = map[string]string{"message": errMsg}
	}
	data, _ := json.Marshal(frame)
	return conn.Write(ctx, websocket.MessageText, data)
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event, payload string) error {
	frame := map[string]any{"type": frameEvent, "event": event}
	if payload != "" {
		frame["payload"] = json.RawMessage(payload)
	}
	data, _ := json.Marshal(frame)
	return conn.Write(ctx, websocket.MessageText, data)
}

func TestHandshakeTimerPath(t *testing.T) {
	helloCh := make(chan *Hello, 1)

	url := newGatewayServer(t, func(ctx context.Context, conn *websocket.Conn) {
		// No challenge: the client's handshake timer must fire.
		req := readReq(t, ctx, conn)
		assert.Equal(t, MethodConnect, req.Method)
		require.NoError(t, writeRes(ctx, conn, req.ID, true,
			`{"protocol":1,"sessionDefaults":{"mainSessionKey":"main:abc"}}`, ""))
		time.Sleep(200 * time.Millisecond)
		conn.Close(websocket.StatusNormalClosure, "done")
	})

	c := New(Options{
		URL:      url,
		Token:    "tok",
		ClientID: "perch-test",
		Role:     "operator",
		Scopes:   []string{"chat"},
		OnHello:  func(h *Hello) { helloCh <- h },
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	select {
	case h := <-helloCh:
		assert.Equal(t, "main:abc", h.SessionDefaults.MainSessionKey)
	case <-time.After(3 * time.Second):
		t.Fatal("hello never arrived")
	}
	assert.True(t, c.Ready())
}

func TestHandshakeChallengePathSignsNonce(t *testing.T) {
	id, err := identity.LoadOrCreate(filepath.Join(t.TempDir(), "device.json"))
	require.NoError(t, err)

	type deviceBlock struct {
		ID        string `json:"id"`
		PublicKey string `json:"publicKey"`
		Signature string `json:"signature"`
		SignedAt  int64  `json:"signedAt"`
		Nonce     string `json:"nonce"`
	}
	gotDevice := make(chan deviceBlock, 1)
	extraConnect := make(chan string, 4)

	url := newGatewayServer(t, func(ctx context.Context, conn *websocket.Conn) {
		require.NoError(t, writeEvent(ctx, conn, EventConnectChallenge, `{"nonce":"n-123"}`))

		req := readReq(t, ctx, conn)
		require.Equal(t, MethodConnect, req.Method)
		var params struct {
			Device *deviceBlock `json:"device"`
		}
		require.NoError(t, json.Unmarshal(req.Params.(json.RawMessage), &params))
		require.NotNil(t, params.Device)
		gotDevice <- *params.Device
		require.NoError(t, writeRes(ctx, conn, req.ID, true, `{"protocol":1,"sessionDefaults":{}}`, ""))

		// Watch for a second connect: the timer path must have been
		// superseded by the challenge.
		readCtx, cancel := context.WithTimeout(ctx, 1200*time.Millisecond)
		defer cancel()
		for {
			_, data, err := conn.Read(readCtx)
			if err != nil {
				return
			}
			var env envelope
			var method struct {
				Method string `json:"method"`
			}
			json.Unmarshal(data, &env)
			json.Unmarshal(data, &method)
			if env.Type == frameReq && method.Method == MethodConnect {
				extraConnect <- method.Method
			}
		}
	})

	c := New(Options{
		URL:      url,
		Token:    "tok",
		Identity: id,
		ClientID: "perch-test",
		Mode:     "interactive",
		Role:     "operator",
		Scopes:   []string{"chat"},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	var dev deviceBlock
	select {
	case dev = <-gotDevice:
	case <-time.After(3 * time.Second):
		t.Fatal("connect never arrived")
	}

	assert.Equal(t, id.DeviceID, dev.ID)
	assert.Equal(t, "n-123", dev.Nonce)
	payload := identity.SignaturePayload(id.DeviceID, "perch-test", "interactive", "operator", []string{"chat"}, dev.SignedAt, "tok", "n-123")
	assert.True(t, id.Verify(payload, dev.Signature), "signature must cover the exact wire tuple including the nonce")

	select {
	case <-extraConnect:
		t.Fatal("connect was sent more than once per socket")
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestChallengeEventReachesSubscribers(t *testing.T) {
	url := newGatewayServer(t, func(ctx context.Context, conn *websocket.Conn) {
		require.NoError(t, writeEvent(ctx, conn, EventConnectChallenge, `{"nonce":"n-1"}`))
		req := readReq(t, ctx, conn)
		writeRes(ctx, conn, req.ID, true, `{"protocol":1,"sessionDefaults":{}}`, "")
		time.Sleep(300 * time.Millisecond)
		conn.Close(websocket.StatusNormalClosure, "done")
	})

	c := New(Options{URL: url, Token: "tok", ClientID: "perch-test"})
	seen := make(chan string, 4)
	unsubscribe := c.Subscribe(func(ev EventFrame) {
		seen <- ev.Event
	})
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	select {
	case ev := <-seen:
		assert.Equal(t, EventConnectChallenge, ev, "internally consumed events still reach subscribers")
	case <-time.After(2 * time.Second):
		t.Fatal("challenge event never dispatched")
	}
}

func TestRequestResponseAndDuplicateResIsNoOp(t *testing.T) {
	url := newGatewayServer(t, func(ctx context.Context, conn *websocket.Conn) {
		connect := readReq(t, ctx, conn)
		writeRes(ctx, conn, connect.ID, true, `{"protocol":1,"sessionDefaults":{}}`, "")

		req := readReq(t, ctx, conn)
		assert.Equal(t, "agents.list", req.Method)
		writeRes(ctx, conn, req.ID, true, `{"agents":[]}`, "")
		// Duplicate: the pending entry is already gone, so this must
		// be dropped silently.
		writeRes(ctx, conn, req.ID, true, `{"agents":["bogus"]}`, "")
		time.Sleep(300 * time.Millisecond)
		conn.Close(websocket.StatusNormalClosure, "done")
	})

	ready := make(chan struct{})
	c := New(Options{URL: url, Token: "tok", ClientID: "perch-test", OnHello: func(*Hello) { close(ready) }})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("handshake never completed")
	}

	payload, err := c.Request(ctx, MethodAgentsList, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"agents":[]}`, string(payload))

	// The duplicate settles nothing and panics nothing; a fresh
	// request still works against the same socket state.
	time.Sleep(100 * time.Millisecond)
}

func TestRequestFailsWhenNotConnected(t *testing.T) {
	c := New(Options{URL: "ws://localhost:0/ws", Token: "tok"})
	_, err := c.Request(context.Background(), MethodAgentsList, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestStopSuppressesOnClose(t *testing.T) {
	var closeCalls sync.Map

	url := newGatewayServer(t, func(ctx context.Context, conn *websocket.Conn) {
		req := readReq(t, ctx, conn)
		writeRes(ctx, conn, req.ID, true, `{"protocol":1,"sessionDefaults":{}}`, "")
		// Hold the socket open until the client hangs up.
		conn.Read(ctx)
	})

	ready := make(chan struct{})
	c := New(Options{
		URL: url, Token: "tok", ClientID: "perch-test",
		OnHello: func(*Hello) { close(ready) },
		OnClose: func(code websocket.StatusCode, reason string) {
			closeCalls.Store("called", true)
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))

	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("handshake never completed")
	}

	c.Stop()
	c.Stop() // idempotent

	time.Sleep(200 * time.Millisecond)
	_, called := closeCalls.Load("called")
	assert.False(t, called, "client-initiated teardown must not look like an unexpected disconnect")
}

func TestAbnormalCloseRejectsPendingAndNotifies(t *testing.T) {
	closed := make(chan websocket.StatusCode, 1)

	url := newGatewayServer(t, func(ctx context.Context, conn *websocket.Conn) {
		req := readReq(t, ctx, conn)
		writeRes(ctx, conn, req.ID, true, `{"protocol":1,"sessionDefaults":{}}`, "")
		// Read the next request and kill the socket without answering.
		readReq(t, ctx, conn)
		conn.Close(websocket.StatusGoingAway, "maintenance")
	})

	ready := make(chan struct{})
	c := New(Options{
		URL: url, Token: "tok", ClientID: "perch-test",
		OnHello: func(*Hello) { close(ready) },
		OnClose: func(code websocket.StatusCode, reason string) { closed <- code },
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("handshake never completed")
	}

	_, err := c.Request(ctx, MethodChatHistory, historyProbe{SessionKey: "main"})
	require.Error(t, err, "pending requests must be rejected on socket loss")

	select {
	case code := <-closed:
		assert.Equal(t, websocket.StatusGoingAway, code)
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never fired")
	}
}

// historyProbe avoids importing the chat package's params type.
type historyProbe struct {
	SessionKey string `json:"sessionKey"`
}

func TestHandshakeRejectionForcesDistinctClose(t *testing.T) {
	errCh := make(chan error, 8)

	url := newGatewayServer(t, func(ctx context.Context, conn *websocket.Conn) {
		req := readReq(t, ctx, conn)
		writeRes(ctx, conn, req.ID, false, "", "unknown client")
		// Wait for the client to force-close.
		conn.Read(ctx)
	})

	c := New(Options{
		URL: url, Token: "tok", ClientID: "perch-test",
		OnError: func(err error) { errCh <- err },
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	// The force-close also surfaces a read error; scan for the
	// handshake rejection specifically.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case err := <-errCh:
			if strings.Contains(err.Error(), "handshake rejected") {
				assert.Contains(t, err.Error(), "unknown client")
				assert.False(t, c.Ready())
				return
			}
		case <-deadline:
			t.Fatal("handshake rejection never surfaced")
		}
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	ready := make(chan struct{})

	url := newGatewayServer(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.Write(ctx, websocket.MessageText, []byte(`{not json`))
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"mystery"}`))
		req := readReq(t, ctx, conn)
		writeRes(ctx, conn, req.ID, true, `{"protocol":1,"sessionDefaults":{}}`, "")
		time.Sleep(300 * time.Millisecond)
		conn.Close(websocket.StatusNormalClosure, "done")
	})

	c := New(Options{URL: url, Token: "tok", ClientID: "perch-test", OnHello: func(*Hello) { close(ready) }})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("garbage frames must not break the handshake")
	}
}
