// Package gateway implements the transport half of the gateway protocol:
// one WebSocket at a time, a challenge/response device-signed handshake,
// and multiplexed request/response/event frames.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/perch-dev/perch/internal/identity"
	"github.com/perch-dev/perch/internal/logger"
)

var (
	// ErrNotConnected is returned by Request when no socket is open.
	ErrNotConnected = errors.New("gateway: not connected")
	// ErrClosed rejects pending requests when the client shuts down.
	ErrClosed = errors.New("gateway: client closed")
	// ErrConnectionLost rejects pending requests when the socket drops.
	ErrConnectionLost = errors.New("gateway: connection lost")
)

const (
	// How long to wait for a connect.challenge before sending connect
	// unprompted. The challenge path supersedes this timer.
	handshakeDelay = 700 * time.Millisecond

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	readLimit        = 1 << 20

	// StatusHandshakeFailed distinguishes a rejected connect from a
	// transport-level failure in the close frame.
	StatusHandshakeFailed websocket.StatusCode = 4001
)

// EventHandler receives every event frame, including the internally
// consumed connect.challenge.
type EventHandler func(ev EventFrame)

// Options configures a Client. Callbacks run on the read-loop goroutine;
// handlers therefore never preempt each other.
type Options struct {
	URL      string
	Token    string
	Identity *identity.DeviceIdentity // nil = token-only auth

	ClientID string // stable client identifier, e.g. "perch"
	Version  string // build version
	Mode     string // e.g. "interactive"
	Role     string
	Scopes   []string

	OnHello func(h *Hello)
	OnError func(err error)
	OnClose func(code websocket.StatusCode, reason string)
}

// Client owns one socket at a time. It does not reconnect; the caller
// decides whether and when to build a replacement.
type Client struct {
	opts       Options
	instanceID string
	log        *slog.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	stopped        bool
	connectSent    bool
	hello          *Hello
	pending        map[string]*pendingRequest
	handlers       map[int]EventHandler
	nextHandlerID  int
	handshakeTimer *time.Timer

	badFrameLog rate.Sometimes
}

// pendingRequest resolves exactly once: by the first matching res frame,
// by socket loss, or by Stop. Later matches find no entry and drop.
type pendingRequest struct {
	ch chan requestResult
}

type requestResult struct {
	payload json.RawMessage
	err     error
}

// New creates a client. Each instance carries a fresh random instance id
// so the gateway can tell concurrent clients of one device apart.
func New(opts Options) *Client {
	return &Client{
		opts:        opts,
		instanceID:  uuid.NewString(),
		log:         logger.With("gateway"),
		pending:     make(map[string]*pendingRequest),
		handlers:    make(map[int]EventHandler),
		badFrameLog: rate.Sometimes{First: 3, Interval: time.Minute},
	}
}

// Start dials the gateway and begins processing frames. Any pending
// requests from a previous socket are rejected first.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("gateway: already started")
	}
	c.stopped = false
	c.connectSent = false
	c.hello = nil
	c.failPendingLocked(ErrClosed)
	c.mu.Unlock()

	opts := &websocket.DialOptions{
		HTTPHeader: make(map[string][]string),
	}
	if c.opts.Token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, _, err := websocket.Dial(ctx, c.opts.URL, opts)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	if c.stopped {
		// Stop raced the dial.
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client shutdown")
		return ErrClosed
	}
	c.conn = conn
	// If the gateway never pushes a challenge, send connect unprompted.
	c.handshakeTimer = time.AfterFunc(handshakeDelay, func() {
		c.beginHandshake("")
	})
	c.mu.Unlock()

	go c.readLoop(ctx, conn)
	return nil
}

// Stop is idempotent. It closes the socket with a normal-closure code,
// rejects all pending requests, and suppresses OnClose: the caller
// initiated the teardown, so it is not an unexpected disconnect.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
	}
	conn := c.conn
	c.conn = nil
	c.failPendingLocked(ErrClosed)
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
}

// Ready reports whether the handshake completed on the current socket.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.hello != nil
}

// Hello returns the handshake payload, or nil before the handshake.
func (c *Client) Hello() *Hello {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// Subscribe registers an event handler and returns its unsubscribe
// function. Handlers run on the read-loop goroutine in subscription order.
func (c *Client) Subscribe(h EventHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.handlers[id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

// Request sends a req frame and waits for the correlated res frame. It
// fails immediately when the socket is not open, and when ctx expires
// the pending entry is removed so a late response is dropped.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.conn == nil || c.stopped {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	id := uuid.NewString()
	p := &pendingRequest{ch: make(chan requestResult, 1)}
	c.pending[id] = p
	c.mu.Unlock()

	frame := requestFrame{Type: frameReq, ID: id, Method: method, Params: params}
	if err := writeJSON(ctx, conn, frame); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case res := <-p.ch:
		return res.payload, res.err
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failPendingLocked bulk-rejects every pending request. Callers hold mu.
func (c *Client) failPendingLocked(err error) {
	for id, p := range c.pending {
		delete(c.pending, id)
		p.ch <- requestResult{err: err}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleDisconnect(err)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.badFrameLog.Do(func() {
				c.log.Warn("dropping unparseable frame", "error", err)
			})
			continue
		}

		switch env.Type {
		case frameRes:
			var res responseFrame
			if err := json.Unmarshal(data, &res); err != nil {
				c.badFrameLog.Do(func() {
					c.log.Warn("dropping malformed res frame", "error", err)
				})
				continue
			}
			c.resolveResponse(res)

		case frameEvent:
			var ev EventFrame
			if err := json.Unmarshal(data, &ev); err != nil {
				c.badFrameLog.Do(func() {
					c.log.Warn("dropping malformed event frame", "error", err)
				})
				continue
			}
			if ev.Event == EventConnectChallenge {
				var ch ChallengePayload
				if err := json.Unmarshal(ev.Payload, &ch); err == nil && ch.Nonce != "" {
					c.beginHandshake(ch.Nonce)
				}
			}
			// Subscribers see every event, the challenge included.
			c.dispatchEvent(ev)

		default:
			c.badFrameLog.Do(func() {
				c.log.Warn("dropping frame with unknown type", "type", env.Type)
			})
		}
	}
}

// resolveResponse settles the pending entry for res.ID. First match
// wins: the entry is removed before the continuation fires, so a
// duplicate response finds nothing and is dropped silently.
func (c *Client) resolveResponse(res responseFrame) {
	c.mu.Lock()
	p := c.pending[res.ID]
	delete(c.pending, res.ID)
	c.mu.Unlock()
	if p == nil {
		return
	}
	if res.OK {
		p.ch <- requestResult{payload: res.Payload}
		return
	}
	err := error(res.Error)
	if res.Error == nil {
		err = fmt.Errorf("gateway: request %s failed", res.ID)
	}
	p.ch <- requestResult{err: err}
}

func (c *Client) dispatchEvent(ev EventFrame) {
	c.mu.Lock()
	hs := make([]EventHandler, 0, len(c.handlers))
	for i := 0; i < c.nextHandlerID; i++ {
		if h, ok := c.handlers[i]; ok {
			hs = append(hs, h)
		}
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// beginHandshake sends the connect request exactly once per socket.
// The challenge path and the timer path both land here; whichever runs
// first wins and the other becomes a no-op.
func (c *Client) beginHandshake(nonce string) {
	c.mu.Lock()
	if c.connectSent || c.conn == nil || c.stopped {
		c.mu.Unlock()
		return
	}
	c.connectSent = true
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
	}
	c.mu.Unlock()

	go c.performHandshake(nonce)
}

func (c *Client) performHandshake(nonce string) {
	params := c.connectParams(nonce)

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	payload, err := c.Request(ctx, MethodConnect, params)
	if err != nil {
		c.notifyError(fmt.Errorf("handshake rejected: %w", err))
		c.forceClose(StatusHandshakeFailed, "handshake failed")
		return
	}

	var hello Hello
	if err := json.Unmarshal(payload, &hello); err != nil {
		c.notifyError(fmt.Errorf("handshake payload unreadable: %w", err))
		c.forceClose(StatusHandshakeFailed, "handshake failed")
		return
	}

	c.mu.Lock()
	c.hello = &hello
	c.mu.Unlock()

	c.log.Info("handshake complete", "protocol", hello.Protocol, "mainSessionKey", hello.SessionDefaults.MainSessionKey)
	if c.opts.OnHello != nil {
		c.opts.OnHello(&hello)
	}
}

// connectParams assembles the handshake request. A signing failure must
// not block the attempt: the device block is dropped and the client
// proceeds on the bearer token alone.
func (c *Client) connectParams(nonce string) connectParams {
	params := connectParams{
		MinProtocol: minProtocolVersion,
		MaxProtocol: maxProtocolVersion,
		Client: clientDescriptor{
			ID:         c.opts.ClientID,
			Version:    c.opts.Version,
			Platform:   runtime.GOOS,
			Mode:       c.opts.Mode,
			InstanceID: c.instanceID,
		},
		Role:   c.opts.Role,
		Scopes: c.opts.Scopes,
	}
	if c.opts.Token != "" {
		params.Auth = &authParams{Token: c.opts.Token}
	}

	id := c.opts.Identity
	if id == nil {
		return params
	}

	signedAt := time.Now().UnixMilli()
	payload := identity.SignaturePayload(
		id.DeviceID, c.opts.ClientID, c.opts.Mode, c.opts.Role,
		c.opts.Scopes, signedAt, c.opts.Token, nonce,
	)
	params.Device = &deviceParams{
		ID:        id.DeviceID,
		PublicKey: id.PublicKeyB64(),
		Signature: id.Sign(payload),
		SignedAt:  signedAt,
		Nonce:     nonce,
	}
	return params
}

// handleDisconnect runs when the read loop exits. Client-initiated
// teardown stays quiet; everything else rejects pending requests and
// surfaces through OnClose or OnError.
func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.hello = nil
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
	}
	c.failPendingLocked(ErrConnectionLost)
	c.mu.Unlock()

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		c.log.Debug("socket closed normally")
		return
	}
	if status == -1 {
		// Not a close frame: transport-level failure.
		c.notifyError(fmt.Errorf("socket read: %w", err))
		status = websocket.StatusAbnormalClosure
	}
	if c.opts.OnClose != nil {
		c.opts.OnClose(status, err.Error())
	}
}

func (c *Client) forceClose(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close(code, reason)
	}
}

func (c *Client) notifyError(err error) {
	c.log.Warn("gateway error", "error", err)
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
