// Package wire implements the client↔gateway duplex protocol codec
// (spec.md §4.1, §6). It decodes a single framed JSON payload into a tagged
// client message variant and encodes server messages symmetrically.
package wire

import (
	"encoding/json"
	"fmt"
)

// ClientMessageType enumerates the recognized client frame variants.
type ClientMessageType string

const (
	ClientHello         ClientMessageType = "hello"
	ClientSubscribe     ClientMessageType = "subscribe"
	ClientUnsubscribe   ClientMessageType = "unsubscribe"
	ClientInput         ClientMessageType = "input"
	ClientAck           ClientMessageType = "ack"
	ClientPing          ClientMessageType = "ping"
	ClientCreateSession ClientMessageType = "create_session"
	ClientStopSession   ClientMessageType = "stop_session"
)

// ServerMessageType enumerates the server frame variants.
type ServerMessageType string

const (
	ServerHelloOK         ServerMessageType = "hello_ok"
	ServerSubscribed      ServerMessageType = "subscribed"
	ServerUnsubscribed    ServerMessageType = "unsubscribed"
	ServerInputAck        ServerMessageType = "input_ack"
	ServerPong            ServerMessageType = "pong"
	ServerSessionCreated  ServerMessageType = "session_created"
	ServerSessionStopped  ServerMessageType = "session_stopped"
	ServerEvent           ServerMessageType = "event"
	ServerError           ServerMessageType = "error"
)

// ErrCode enumerates the error codes the protocol can surface (spec.md §6, §7).
type ErrCode string

const (
	ErrInvalidMessage    ErrCode = "INVALID_MESSAGE"
	ErrNotAuthenticated  ErrCode = "NOT_AUTHENTICATED"
	ErrAuthFailed        ErrCode = "AUTH_FAILED"
	ErrSessionNotFound   ErrCode = "SESSION_NOT_FOUND"
	ErrAccessDenied      ErrCode = "ACCESS_DENIED"
	ErrAccessElsewhere   ErrCode = "ACCESS_ELSEWHERE"
	ErrReplayUnavailable ErrCode = "REPLAY_UNAVAILABLE"
	ErrSlowSubscriber    ErrCode = "SLOW_SUBSCRIBER"
	ErrLeaseLost         ErrCode = "LEASE_LOST"
	ErrInvalidTransition ErrCode = "INVALID_TRANSITION"
	ErrCreateFailed      ErrCode = "CREATE_FAILED"
	ErrInternal          ErrCode = "INTERNAL_ERROR"
)

// ClientMessage is the decoded form of any client frame. Only the fields
// relevant to Type are populated; Decode validates required fields per variant.
type ClientMessage struct {
	Type ClientMessageType `json:"type"`

	// hello
	ClientID   string `json:"clientId,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
	Token      string `json:"token,omitempty"`

	// subscribe / unsubscribe / input / ack / stop_session
	SessionID   string `json:"sessionId,omitempty"`
	LastAckSeq  uint64 `json:"lastAckSeq,omitempty"`
	Seq         uint64 `json:"seq,omitempty"`

	// input
	ClientInputID string `json:"clientInputId,omitempty"`
	Data          string `json:"data,omitempty"`

	// create_session
	AgentType       string `json:"agentType,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	WorktreeID      string `json:"worktreeId,omitempty"`
	RepositoryID    string `json:"repositoryId,omitempty"`
}

// DecodeError is the single error kind Decode returns: every failure maps to
// INVALID_MESSAGE at the frontend (spec.md §4.1).
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "invalid message: " + e.Reason }

// Decode parses a single framed text payload into a ClientMessage, validating
// the required fields for its variant. Unknown types and malformed JSON both
// produce a *DecodeError.
func Decode(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("malformed json: %v", err)}
	}

	switch msg.Type {
	case ClientHello:
		if msg.ClientID == "" || msg.DeviceType == "" || msg.Token == "" {
			return nil, &DecodeError{Reason: "hello requires clientId, deviceType, token"}
		}
	case ClientSubscribe:
		if msg.SessionID == "" {
			return nil, &DecodeError{Reason: "subscribe requires sessionId"}
		}
	case ClientUnsubscribe:
		if msg.SessionID == "" {
			return nil, &DecodeError{Reason: "unsubscribe requires sessionId"}
		}
	case ClientInput:
		if msg.SessionID == "" || msg.ClientInputID == "" || msg.Data == "" {
			return nil, &DecodeError{Reason: "input requires sessionId, clientInputId, data"}
		}
	case ClientAck:
		if msg.SessionID == "" {
			return nil, &DecodeError{Reason: "ack requires sessionId"}
		}
	case ClientPing:
		// no fields required
	case ClientCreateSession:
		if msg.AgentType == "" || msg.WorkingDirectory == "" {
			return nil, &DecodeError{Reason: "create_session requires agentType, workingDirectory"}
		}
	case ClientStopSession:
		if msg.SessionID == "" {
			return nil, &DecodeError{Reason: "stop_session requires sessionId"}
		}
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown message type %q", msg.Type)}
	}

	return &msg, nil
}

// ServerMessage is the symmetric encode-side envelope for all server frames.
// Only the fields relevant to Type are populated.
type ServerMessage struct {
	Type ServerMessageType `json:"type"`

	GatewayTime         string `json:"gatewayTime,omitempty"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs,omitempty"`
	UserID              string `json:"userId,omitempty"`

	SessionID    string `json:"sessionId,omitempty"`
	CurrentState string `json:"currentState,omitempty"`
	LatestSeq    uint64 `json:"latestSeq,omitempty"`
	Status       string `json:"status,omitempty"`

	ClientInputID string `json:"clientInputId,omitempty"`
	AcceptedSeq   uint64 `json:"acceptedSeq,omitempty"`

	Event *EventFrame `json:"event,omitempty"`

	Code      ErrCode `json:"code,omitempty"`
	Message   string  `json:"message,omitempty"`
	Retryable bool    `json:"retryable,omitempty"`
}

// EventFrame is the wire representation of a transported session event.
type EventFrame struct {
	Seq       uint64         `json:"seq"`
	Direction string         `json:"direction"`
	Type      string         `json:"eventType"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"createdAt"`
}

// Encode serializes a ServerMessage to its wire form.
func Encode(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// NewError builds a ServerMessage error frame.
func NewError(code ErrCode, message string, sessionID string, retryable bool) *ServerMessage {
	return &ServerMessage{
		Type:      ServerError,
		Code:      code,
		Message:   message,
		SessionID: sessionID,
		Retryable: retryable,
	}
}
