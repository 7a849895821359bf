package types

import "fmt"

// Inbound command types, the closed tagged union accepted on the client's
// control channel. Anything outside this set is a recoverable protocol
// error, not a parse failure.
const (
	CmdNavigate          = "navigate"
	CmdClick             = "click"
	CmdScroll            = "scroll"
	CmdHover             = "hover"
	CmdType              = "type"
	CmdEvaluate          = "evaluate"
	CmdHeartbeat         = "heartbeat"
	CmdScreenshotAndHTML = "request_screenshot_and_html"
	CmdSetViewport       = "set_viewport"
)

// Outbound message types sent back over the control channel.
const (
	MsgFrame             = "frame"
	MsgNavigation        = "navigation"
	MsgClick             = "click"
	MsgScroll            = "scroll"
	MsgHover             = "hover"
	MsgType              = "type"
	MsgEvaluate          = "evaluate"
	MsgScreenshotAndHTML = "screenshot_and_html"
	MsgHeartbeat         = "heartbeat"
	MsgViewportUpdated   = "viewport_updated"
	MsgSessionRecovered  = "session_recovered"
	MsgConnected         = "connected"
	MsgSessionReady      = "session_ready"
	MsgError             = "error"
)

// Status values carried on command-specific reply envelopes.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// InboundMessage is the shape every inbound control-channel message decodes
// into before MessageRouter dispatches on Type. Fields beyond Type are read
// directly by whichever command's handler needs them, since payload shapes
// differ per command.
type InboundMessage struct {
	Type string `json:"type"`

	URL    string  `json:"url,omitempty"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	DeltaY float64 `json:"deltaY,omitempty"`
	Text   string  `json:"text,omitempty"`
	Code   string  `json:"code,omitempty"`
	Width  int     `json:"width,omitempty"`
	Height int     `json:"height,omitempty"`
}

// OutboundMessage is the generic envelope for every server->client reply.
// Individual handlers populate only the fields relevant to their command;
// the rest are omitted from the wire via omitempty.
type OutboundMessage struct {
	Type string `json:"type"`

	Status      string `json:"status,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
	Error       string `json:"error,omitempty"`

	URL    string  `json:"url,omitempty"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	DeltaY float64 `json:"deltaY,omitempty"`
	Result string  `json:"result,omitempty"`

	Screenshot string `json:"screenshot,omitempty"`
	HTML       string `json:"html,omitempty"`

	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	Data      string `json:"data,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`

	Kind         string `json:"kind,omitempty"`
	OriginalType string `json:"originalType,omitempty"`
	Message      string `json:"message,omitempty"`
}

// NewErrorMessage builds the {type:"error"} envelope for channel-level
// failures (auth, connection, internal), classified by kind.
func NewErrorMessage(kind, message string, recoverable bool) OutboundMessage {
	return OutboundMessage{
		Type:        MsgError,
		Kind:        kind,
		Message:     message,
		Recoverable: recoverable,
	}
}

// NewUnknownTypeMessage builds the {type:"error"} reply to a message whose
// type is outside the accepted command set, echoing the offending type back
// as originalType. Always recoverable - the channel stays open.
func NewUnknownTypeMessage(originalType string) OutboundMessage {
	return OutboundMessage{
		Type:         MsgError,
		OriginalType: originalType,
		Message:      fmt.Sprintf("Unknown message type: %s", originalType),
		Recoverable:  true,
	}
}

// HealthResponse is the JSON body returned by GET /health.
type HealthResponse struct {
	Status            string              `json:"status"`
	UptimeSeconds     float64             `json:"uptimeSeconds"`
	ActiveConnections int                 `json:"activeConnections"`
	CircuitBreaker    CircuitBreakerState `json:"circuitBreaker"`
	Timestamp         int64               `json:"timestamp"`
}

// CircuitBreakerState is the JSON shape of a breaker snapshot on /health.
type CircuitBreakerState struct {
	IsOpen   bool `json:"isOpen"`
	Failures int  `json:"failures"`
}
