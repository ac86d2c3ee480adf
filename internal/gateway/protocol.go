package gateway

import "encoding/json"

// Frame types for the gateway WebSocket protocol. Every frame is a JSON
// object tagged by "type"; unknown tags are dropped, never fatal.
const (
	frameReq   = "req"
	frameRes   = "res"
	frameEvent = "event"
)

// Methods the client issues against the gateway.
const (
	MethodConnect         = "connect"
	MethodChatSend        = "chat.send"
	MethodChatHistory     = "chat.history"
	MethodAgentsList      = "agents.list"
	MethodSessionsList    = "sessions.list"
	MethodSessionsResolve = "sessions.resolve"
)

// Events pushed by the gateway.
const (
	EventConnectChallenge = "connect.challenge"
	EventChat             = "chat"
)

// Protocol version bounds advertised in the connect request.
const (
	minProtocolVersion = 1
	maxProtocolVersion = 1
)

// envelope carries just enough of a frame to route it.
type envelope struct {
	Type string `json:"type"`
}

type requestFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type responseFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError is the error body of a failed response frame.
type ResponseError struct {
	Message string `json:"message"`
}

func (e *ResponseError) Error() string {
	return e.Message
}

// EventFrame is an unsolicited server push.
type EventFrame struct {
	Type         string          `json:"type"`
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Seq          *int64          `json:"seq,omitempty"`
	StateVersion json.RawMessage `json:"stateVersion,omitempty"`
}

// ChallengePayload is the body of a connect.challenge event.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
}

// Hello is the payload of a successful connect response.
type Hello struct {
	Protocol        int             `json:"protocol"`
	Features        []string        `json:"features,omitempty"`
	SessionDefaults SessionDefaults `json:"sessionDefaults"`
	Policy          json.RawMessage `json:"policy,omitempty"`
}

// SessionDefaults names the gateway's canonical main session.
type SessionDefaults struct {
	MainSessionKey string `json:"mainSessionKey,omitempty"`
	MainKey        string `json:"mainKey,omitempty"`
}

type connectParams struct {
	MinProtocol int              `json:"minProtocol"`
	MaxProtocol int              `json:"maxProtocol"`
	Client      clientDescriptor `json:"client"`
	Role        string           `json:"role"`
	Scopes      []string         `json:"scopes"`
	Auth        *authParams      `json:"auth,omitempty"`
	Device      *deviceParams    `json:"device,omitempty"`
}

type clientDescriptor struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Platform   string `json:"platform"`
	Mode       string `json:"mode"`
	InstanceID string `json:"instanceId"`
}

type authParams struct {
	Token string `json:"token"`
}

type deviceParams struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}
