// Package chat turns the gateway's frame stream into a coherent,
// resumable conversation: one in-flight run at a time, streamed deltas
// reconciled against a history-poll fallback, and agent/session
// switching with server-canonical session keys.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/perch-dev/perch/internal/archive"
	"github.com/perch-dev/perch/internal/gateway"
	"github.com/perch-dev/perch/internal/identity"
	"github.com/perch-dev/perch/internal/imageprep"
	"github.com/perch-dev/perch/internal/logger"
)

// transport is the slice of gateway.Client the controller consumes.
// Tests substitute a fake; production wires the real client.
type transport interface {
	Start(ctx context.Context) error
	Stop()
	Ready() bool
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	Subscribe(h gateway.EventHandler) func()
}

// Config wires a Controller to one gateway.
type Config struct {
	URL      string
	Token    string
	Identity *identity.DeviceIdentity
	ClientID string
	Version  string
	Mode     string
	Role     string
	Scopes   []string

	// Image budgets for attachments embedded in a chat turn.
	ImageTargetBytes  int
	ImageHardMaxBytes int
	ImageTotalBytes   int

	RequestTimeout   time.Duration
	FallbackDelay    time.Duration
	FallbackInterval time.Duration
	FallbackAttempts int

	Archive  *archive.Store // optional transcript mirror
	OnChange func()         // reactive notification, invoked after every state change
}

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "perch"
	}
	if c.Mode == "" {
		c.Mode = "interactive"
	}
	if c.Role == "" {
		c.Role = "operator"
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{"chat"}
	}
	if c.ImageTargetBytes == 0 {
		c.ImageTargetBytes = 256 << 10
	}
	if c.ImageHardMaxBytes == 0 {
		c.ImageHardMaxBytes = 512 << 10
	}
	if c.ImageTotalBytes == 0 {
		c.ImageTotalBytes = 2 << 20
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.FallbackDelay == 0 {
		c.FallbackDelay = 6 * time.Second
	}
	if c.FallbackInterval == 0 {
		c.FallbackInterval = 4 * time.Second
	}
	if c.FallbackAttempts == 0 {
		c.FallbackAttempts = 5
	}
}

// chatRun tracks the single in-flight turn.
type chatRun struct {
	runID       string
	sessionKey  string
	assistantID string
	startedAt   time.Time
	buffered    string // longest delta text seen so far
	baseline    string // last visible assistant text before the send
}

// Controller is the chat session state machine. All mutation funnels
// through the event handler and request-completion call sites under one
// mutex, so handlers observe each other's effects in order.
type Controller struct {
	cfg Config
	log *slog.Logger

	// newTransport is swapped by tests.
	newTransport func(opts gateway.Options) transport

	mu             sync.Mutex
	client         transport
	unsubscribe    func()
	connected      bool
	agentID        string
	sessionKey     string
	mainSessionKey string
	agents         []Agent
	messages       []Message
	streaming      bool
	switching      bool
	lastError      string
	lastNotice     string
	run            *chatRun
	generation     int64
	recovered      map[string]bool // session keys that already went through image recovery
}

// New builds a Controller. Call Connect to go live.
func New(cfg Config) *Controller {
	cfg.applyDefaults()
	return &Controller{
		cfg:     cfg,
		log:     logger.With("chat"),
		agentID: "main",
		newTransport: func(opts gateway.Options) transport {
			return gateway.New(opts)
		},
		recovered: make(map[string]bool),
	}
}

// Connect tears down any existing transport and starts a fresh one. The
// transport is replaced wholesale rather than mutated in place.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.teardownLocked()
	c.generation++
	c.lastError = ""
	client := c.newTransport(gateway.Options{
		URL:      c.cfg.URL,
		Token:    c.cfg.Token,
		Identity: c.cfg.Identity,
		ClientID: c.cfg.ClientID,
		Version:  c.cfg.Version,
		Mode:     c.cfg.Mode,
		Role:     c.cfg.Role,
		Scopes:   c.cfg.Scopes,
		OnHello:  c.handleHello,
		OnError:  c.handleTransportError,
		OnClose:  c.handleClose,
	})
	c.client = client
	c.unsubscribe = client.Subscribe(c.handleEvent)
	c.mu.Unlock()

	if err := c.client.Start(ctx); err != nil {
		c.mu.Lock()
		c.lastError = fmt.Sprintf("connect failed: %v", err)
		c.teardownLocked()
		c.mu.Unlock()
		c.notify()
		return err
	}
	c.notify()
	return nil
}

// Disconnect clears all in-flight state and returns to idle. The
// session key resets to the last known main key.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.generation++
	if c.run != nil {
		c.finalizeLocked("Disconnected.")
	}
	c.teardownLocked()
	c.sessionKey = c.mainSessionKey
	c.mu.Unlock()
	c.notify()
}

// teardownLocked stops and forgets the transport. Callers hold mu.
func (c *Controller) teardownLocked() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.client != nil {
		c.client.Stop()
		c.client = nil
	}
	c.connected = false
	c.streaming = false
}

func (c *Controller) handleHello(h *gateway.Hello) {
	c.mu.Lock()
	key := h.SessionDefaults.MainSessionKey
	if key == "" {
		key = h.SessionDefaults.MainKey
	}
	if key == "" {
		key = "main"
	}
	c.mainSessionKey = key
	c.sessionKey = key
	c.connected = true
	gen := c.generation
	c.mu.Unlock()
	c.notify()

	// History and agent list load concurrently; neither blocks the other.
	go c.loadHistory(gen, key, nil)
	go c.loadAgents(gen)
}

func (c *Controller) handleTransportError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
	c.notify()
}

// handleClose runs for non-normal closures. The run, if any, cannot
// finish anymore: finalize it visibly rather than leaving a stuck
// thinking state.
func (c *Controller) handleClose(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	c.connected = false
	c.generation++
	if c.run != nil {
		c.finalizeLocked("Connection to the gateway was lost before the reply finished.")
	}
	if code == gateway.StatusHandshakeFailed {
		c.lastError = "the gateway rejected the connection handshake"
	} else {
		c.lastError = fmt.Sprintf("disconnected from gateway (code %d)", code)
	}
	c.mu.Unlock()
	c.notify()
}

// --- public reactive state -------------------------------------------------

// Messages returns a snapshot of the visible conversation.
func (c *Controller) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// IsStreaming reports whether a run is active.
func (c *Controller) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// Connected reports whether the handshake completed.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// AgentID returns the active agent.
func (c *Controller) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// SessionKey returns the active session key.
func (c *Controller) SessionKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionKey
}

// Agents returns the last fetched agent list.
func (c *Controller) Agents() []Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Agent, len(c.agents))
	copy(out, c.agents)
	return out
}

// LastError returns the most recent error text, "" when none.
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// LastNotice returns the most recent non-fatal notice, "" when none.
func (c *Controller) LastNotice() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastNotice
}

func (c *Controller) notify() {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange()
	}
}

// --- sending ---------------------------------------------------------------

// SendPrompt submits one chat turn. It returns false without side
// effects when there is nothing to send, the controller is not
// connected, a run is already active, or a switch is in progress.
func (c *Controller) SendPrompt(ctx context.Context, text string, attachments []Attachment) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" && len(attachments) == 0 {
		return false
	}

	c.mu.Lock()
	if !c.connected || c.client == nil || !c.client.Ready() || c.run != nil || c.switching {
		c.mu.Unlock()
		return false
	}
	client := c.client
	c.generation++
	gen := c.generation
	sessionKey := c.sessionKey

	outbound := composeOutbound(trimmed, attachments)
	images, dropped := c.prepareImagesLocked(attachments)

	baseline := ""
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == RoleAssistant {
			baseline = c.messages[i].Text
			break
		}
	}

	now := time.Now()
	userMsg := Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Text:      outbound,
		CreatedAt: now,
		Images:    imageRefs(attachments, images),
	}
	placeholder := Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Text:      "",
		CreatedAt: now,
		Streaming: true,
	}
	c.messages = append(c.messages, userMsg, placeholder)
	c.run = &chatRun{
		sessionKey:  sessionKey,
		assistantID: placeholder.ID,
		startedAt:   now,
		baseline:    baseline,
	}
	c.streaming = true
	if dropped > 0 {
		c.lastNotice = fmt.Sprintf("%d image(s) were left out of this message to stay under the size limit", dropped)
	} else {
		c.lastNotice = ""
	}
	c.mu.Unlock()
	c.notify()

	params := chatSendParams{
		SessionKey:     sessionKey,
		Text:           outbound,
		IdempotencyKey: uuid.NewString(),
		Images:         images,
	}

	go func() {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
		payload, err := client.Request(reqCtx, gateway.MethodChatSend, params)
		if err != nil {
			// The gateway may still have accepted the turn; the
			// fallback poll stays the authority for completion.
			c.log.Warn("chat.send failed, relying on history fallback", "error", err)
			c.mu.Lock()
			if c.generation == gen && c.run != nil {
				c.lastNotice = "the send request failed; still watching for a reply"
			}
			c.mu.Unlock()
			c.notify()
			return
		}
		var result chatSendResult
		if err := decodeInto(payload, &result); err == nil && result.RunID != "" {
			c.mu.Lock()
			if c.generation == gen && c.run != nil {
				c.run.runID = result.RunID
			}
			c.mu.Unlock()
		}
	}()

	// Armed regardless of the send outcome: some gateways drop terminal
	// events, and the poll is the only recovery for those.
	go c.fallbackLoop(gen)

	return true
}

// composeOutbound appends the machine-readable attachment manifest to
// the user-visible text.
func composeOutbound(text string, attachments []Attachment) string {
	if len(attachments) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	for _, a := range attachments {
		path := a.RelativePath
		if path == "" {
			path = a.AbsolutePath
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[attachment: %s | %s | %s]", a.FileName, a.MimeType, path)
	}
	return b.String()
}

// prepareImagesLocked normalizes image attachments under the per-image
// and cumulative byte budgets. The first image is always kept; excess
// images are dropped and counted once at least one is included.
func (c *Controller) prepareImagesLocked(attachments []Attachment) (images []string, dropped int) {
	budgets := imageprep.Budgets{
		TargetBytes:  c.cfg.ImageTargetBytes,
		HardMaxBytes: c.cfg.ImageHardMaxBytes,
	}
	total := 0
	for _, a := range attachments {
		if a.DataURL == "" || !strings.HasPrefix(a.MimeType, "image/") {
			continue
		}
		normalized, err := imageprep.Normalize(a.DataURL, budgets)
		if err != nil {
			c.log.Warn("skipping unreadable image attachment", "file", a.FileName, "error", err)
			dropped++
			continue
		}
		size := imageprep.PayloadSize(normalized)
		if len(images) > 0 && total+size > c.cfg.ImageTotalBytes {
			dropped++
			continue
		}
		images = append(images, normalized)
		total += size
	}
	return images, dropped
}

// imageRefs pairs kept data URLs with their attachment names for display.
func imageRefs(attachments []Attachment, kept []string) []ChatImage {
	if len(kept) == 0 {
		return nil
	}
	names := make([]string, 0, len(attachments))
	for _, a := range attachments {
		if a.DataURL != "" && strings.HasPrefix(a.MimeType, "image/") {
			names = append(names, a.FileName)
		}
	}
	refs := make([]ChatImage, 0, len(kept))
	for i, dataURL := range kept {
		ref := ChatImage{DataURL: dataURL}
		if i < len(names) {
			ref.Name = names[i]
		}
		refs = append(refs, ref)
	}
	return refs
}

// CancelPending abandons the current run without notifying the server.
// Later events for the run are absorbed by the session/run filter.
func (c *Controller) CancelPending(reason string) {
	c.mu.Lock()
	if c.run == nil {
		c.mu.Unlock()
		return
	}
	if reason == "" {
		reason = "Cancelled."
	}
	c.generation++
	c.finalizeLocked(reason)
	c.mu.Unlock()
	c.notify()
}

// --- agent switching -------------------------------------------------------

// SwitchAgent moves the conversation to another agent's canonical
// session. Concurrent switches are serialized by the switching flag,
// not queued: a second call while one is in flight returns false.
func (c *Controller) SwitchAgent(ctx context.Context, agentID string) bool {
	c.mu.Lock()
	if c.switching {
		c.mu.Unlock()
		return false
	}
	if agentID == c.agentID && c.sessionKey != "" {
		// Already there: zero network calls.
		c.mu.Unlock()
		return true
	}
	if !c.connected || c.client == nil {
		c.mu.Unlock()
		return false
	}
	c.switching = true
	c.generation++
	gen := c.generation
	if c.run != nil {
		c.finalizeLocked("Cancelled by agent switch.")
	}
	client := c.client
	c.mu.Unlock()
	c.notify()

	key := c.resolveSessionKey(ctx, client, agentID)

	c.mu.Lock()
	if c.generation != gen {
		c.switching = false
		c.mu.Unlock()
		return false
	}
	c.agentID = agentID
	c.sessionKey = key
	if agentID == "main" {
		c.mainSessionKey = key
	}
	notice := Message{
		ID:        uuid.NewString(),
		Role:      RoleSystem,
		Text:      fmt.Sprintf("Switched to agent %q.", agentID),
		CreatedAt: time.Now(),
	}
	c.messages = []Message{notice}
	c.switching = false
	c.mu.Unlock()
	c.notify()

	c.loadHistory(gen, key, &notice)
	return true
}

// resolveSessionKey asks the gateway for the canonical session key and
// adopts whatever it returns. When resolution fails, fall back to the
// literal "main" session for the main agent and the agent:<id>:main
// convention otherwise.
func (c *Controller) resolveSessionKey(ctx context.Context, client transport, agentID string) string {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	payload, err := client.Request(reqCtx, gateway.MethodSessionsResolve, resolveParams{
		AgentID:    agentID,
		SessionKey: "main",
	})
	if err == nil {
		var result resolveResult
		if derr := decodeInto(payload, &result); derr == nil && result.SessionKey != "" {
			return result.SessionKey
		}
	} else {
		c.log.Warn("sessions.resolve failed, falling back to conventional key", "agent", agentID, "error", err)
	}
	if agentID == "main" {
		return "main"
	}
	return fmt.Sprintf("agent:%s:main", agentID)
}

// --- history ---------------------------------------------------------------

// loadHistory replaces the visible messages with the session's recent
// history. A kept notice stays at the top. Superseded loads no-op.
func (c *Controller) loadHistory(gen int64, sessionKey string, keep *Message) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	payload, err := client.Request(ctx, gateway.MethodChatHistory, historyParams{
		SessionKey: sessionKey,
		Limit:      50,
	})
	if err != nil {
		c.log.Warn("history load failed", "sessionKey", sessionKey, "error", err)
		c.mu.Lock()
		if c.generation == gen {
			c.lastNotice = "could not load earlier messages for this session"
		}
		c.mu.Unlock()
		c.notify()
		return
	}

	var result historyResult
	if err := decodeInto(payload, &result); err != nil {
		c.log.Warn("history payload unreadable", "sessionKey", sessionKey, "error", err)
		return
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	msgs := make([]Message, 0, len(result.Messages)+1)
	if keep != nil {
		msgs = append(msgs, *keep)
	}
	for _, wm := range result.Messages {
		msgs = append(msgs, messageFromWire(wm))
	}
	c.messages = msgs
	c.mu.Unlock()
	c.notify()

	c.archiveHistory(sessionKey, result.Messages)
}

func messageFromWire(wm wireMessage) Message {
	id := wm.ID
	if id == "" {
		id = uuid.NewString()
	}
	role := Role(wm.Role)
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		role = RoleSystem
	}
	return Message{
		ID:        id,
		Role:      role,
		Text:      wm.Text,
		CreatedAt: wm.createdTime(),
	}
}

func (c *Controller) loadAgents(gen int64) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	payload, err := client.Request(ctx, gateway.MethodAgentsList, nil)
	if err != nil {
		c.log.Warn("agents.list failed", "error", err)
		return
	}
	var result agentsResult
	if err := decodeInto(payload, &result); err != nil {
		return
	}
	c.mu.Lock()
	if c.generation == gen {
		c.agents = result.Agents
	}
	c.mu.Unlock()
	c.notify()
}

// archiveHistory mirrors fetched turns into the local transcript store.
func (c *Controller) archiveHistory(sessionKey string, msgs []wireMessage) {
	if c.cfg.Archive == nil {
		return
	}
	for _, wm := range msgs {
		if wm.ID == "" {
			continue
		}
		m := archive.Message{
			ID:         wm.ID,
			SessionKey: sessionKey,
			Role:       wm.Role,
			Text:       wm.Text,
			CreatedAt:  wm.createdTime(),
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		if err := c.cfg.Archive.Append(m); err != nil {
			c.log.Debug("archive write failed", "error", err)
		}
	}
}
