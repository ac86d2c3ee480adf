package chat

import (
	"encoding/json"
	"time"
)

// Role of a chat message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ChatImage is an inline image carried by a message.
type ChatImage struct {
	Name    string `json:"name,omitempty"`
	DataURL string `json:"dataUrl"`
}

// Message is one visible chat turn. Assistant messages mutate in place
// while Streaming is true and freeze when finalized; user and system
// messages are immutable once appended.
type Message struct {
	ID        string      `json:"id"`
	Role      Role        `json:"role"`
	Text      string      `json:"text"`
	CreatedAt time.Time   `json:"createdAt"`
	Streaming bool        `json:"streaming,omitempty"`
	Images    []ChatImage `json:"images,omitempty"`
}

// Attachment is the manifest entry the upload middleware returns for one
// uploaded file. Only image attachments carry a data URL; the upload
// transport itself is not this package's concern.
type Attachment struct {
	FileName     string
	MimeType     string
	Size         int64
	RelativePath string
	AbsolutePath string
	DataURL      string
}

// Agent is one selectable agent advertised by the gateway.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Run states carried by chat events.
const (
	runStateQueued  = "queued"
	runStateRunning = "running"
	runStateDelta   = "delta"
	runStateFinal   = "final"
	runStateAborted = "aborted"
	runStateError   = "error"
)

// chatEventPayload is the body of a gateway "chat" event.
type chatEventPayload struct {
	RunID        string       `json:"runId,omitempty"`
	SessionKey   string       `json:"sessionKey,omitempty"`
	State        string       `json:"state"`
	Message      *wireMessage `json:"message,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// wireMessage is the gateway's message shape in events and history.
type wireMessage struct {
	ID        string `json:"id,omitempty"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdAt,omitempty"` // epoch millis, 0 when absent
}

func (m *wireMessage) createdTime() time.Time {
	if m == nil || m.CreatedAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.CreatedAt)
}

type chatSendParams struct {
	SessionKey     string   `json:"sessionKey"`
	Text           string   `json:"text"`
	IdempotencyKey string   `json:"idempotencyKey"`
	Images         []string `json:"images,omitempty"` // data URLs
}

type chatSendResult struct {
	RunID string `json:"runId,omitempty"`
}

type historyParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

type historyResult struct {
	Messages []wireMessage `json:"messages"`
}

type resolveParams struct {
	AgentID    string `json:"agentId"`
	SessionKey string `json:"sessionKey,omitempty"`
}

type resolveResult struct {
	SessionKey string `json:"sessionKey"`
}

type agentsResult struct {
	Agents []Agent `json:"agents"`
}

// decodeInto is a small helper for optional payloads.
func decodeInto(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
