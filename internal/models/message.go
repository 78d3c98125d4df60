package models

import (
	"bytes"
	"encoding/json"
)

// EventName identifies a signaling event on the wire
type EventName string

// Inbound events
const (
	EventLogin        EventName = "login"
	EventStartCall    EventName = "start-call"
	EventAcceptCall   EventName = "accept-call"
	EventRejectCall   EventName = "reject-call"
	EventCancelCall   EventName = "cancel-call"
	EventWebRTCSignal EventName = "webrtc-signal"
	EventEndCall      EventName = "end-call"
)

// Outbound events. webrtc-signal is shared with the inbound set.
const (
	EventLoginSuccess  EventName = "login-success"
	EventLoginFailed   EventName = "login-failed"
	EventUserOnline    EventName = "user-online"
	EventUserOffline   EventName = "user-offline"
	EventIncomingCall  EventName = "incoming-call"
	EventCallRinging   EventName = "call-ringing"
	EventCallError     EventName = "call-error"
	EventCallAccepted  EventName = "call-accepted"
	EventCallConnected EventName = "call-connected"
	EventCallRejected  EventName = "call-rejected"
	EventCallCancelled EventName = "call-cancelled"
	EventCallEnded     EventName = "call-ended"
)

// Envelope is the JSON frame exchanged over the signaling socket
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes payload as the data of an event frame.
// A nil payload produces a frame without data. HTML characters are written
// as is so relayed negotiation data keeps its bytes.
func NewEnvelope(event EventName, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return marshal(env)
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// LoginPayload carries either username/password or a token from the REST login
type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Token    string `json:"token,omitempty"`
}

type StartCallPayload struct {
	TargetUserID string `json:"targetUserId"`
	CallType     string `json:"callType"`
}

type AcceptCallPayload struct {
	CallerSocketID string `json:"callerSocketId"`
	CallType       string `json:"callType,omitempty"`
}

type RejectCallPayload struct {
	CallerSocketID string `json:"callerSocketId"`
}

type CancelCallPayload struct {
	TargetSocketID string `json:"targetSocketId"`
}

// SignalPayload is relayed without looking inside Data
type SignalPayload struct {
	TargetSocketID string          `json:"targetSocketId"`
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data"`
}

type EndCallPayload struct {
	TargetSocketID string `json:"targetSocketId"`
}

type LoginSuccess struct {
	UserID string          `json:"userId"`
	Name   string          `json:"name"`
	Avatar string          `json:"avatar"`
	Users  []PresenceEntry `json:"users"`
}

type LoginFailed struct {
	Message string `json:"message"`
}

type UserOnline struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type UserOffline struct {
	UserID string `json:"userId"`
}

type IncomingCall struct {
	From           string   `json:"from"`
	FromName       string   `json:"fromName"`
	FromAvatar     string   `json:"fromAvatar"`
	CallerSocketID string   `json:"callerSocketId"`
	CallType       CallType `json:"callType"`
	Timestamp      int64    `json:"timestamp"` // unix millis
}

type CallRinging struct {
	TargetUserID string   `json:"targetUserId"`
	TargetName   string   `json:"targetName"`
	TargetAvatar string   `json:"targetAvatar"`
	CallType     CallType `json:"callType"`
}

type CallError struct {
	Message      string `json:"message"`
	TargetUserID string `json:"targetUserId,omitempty"`
}

type CallAccepted struct {
	ReceiverSocketID string   `json:"receiverSocketId"`
	ReceiverID       string   `json:"receiverId"`
	ReceiverName     string   `json:"receiverName"`
	ReceiverAvatar   string   `json:"receiverAvatar"`
	CallType         CallType `json:"callType"`
}

type CallConnected struct {
	CallerSocketID string   `json:"callerSocketId"`
	CallerID       string   `json:"callerId"`
	CallerName     string   `json:"callerName"`
	CallerAvatar   string   `json:"callerAvatar"`
	CallType       CallType `json:"callType"`
}

type CallCancelled struct {
	Reason string `json:"reason,omitempty"`
}

type RelayedSignal struct {
	FromSocketID string          `json:"fromSocketId"`
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data"`
}
