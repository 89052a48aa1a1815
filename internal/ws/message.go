package ws

import (
	"github.com/rideshare/internal/chat"
	"github.com/rideshare/internal/model"
	"github.com/rideshare/internal/requests"
	"github.com/rideshare/internal/unread"
)

type EventType string

// Inbound.
const (
	EventWatchDriverRequests    EventType = "watch_driver_requests"
	EventWatchPassengerRequests EventType = "watch_passenger_requests"
	EventOpenChat               EventType = "open_chat"
	EventCloseChat              EventType = "close_chat"
	EventChatFocus              EventType = "chat_focus"
	EventSendMessage            EventType = "send_message"
	EventAcceptRequest          EventType = "accept_request"
	EventRejectRequest          EventType = "reject_request"
	EventCancelRequest          EventType = "cancel_request"
	EventHideRequest            EventType = "hide_request"
	EventRequestRide            EventType = "request_ride"
	EventRefresh                EventType = "refresh"
)

// Outbound.
const (
	EventUnread     EventType = "unread"
	EventRequests   EventType = "requests"
	EventChat       EventType = "chat"
	EventChatClosed EventType = "chat_closed"
	EventSendFailed EventType = "send_failed"
	EventLiveStatus EventType = "live_status"
	EventError      EventType = "error"
)

const codeBadRequest = "bad_request"

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	RideID    string    `json:"ride_id,omitempty"`
	Content   string    `json:"content,omitempty"`
	Focused   bool      `json:"focused,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

type RequestsPayload struct {
	Role  model.Role      `json:"role"`
	Items []requests.Item `json:"items"`
}

type ChatClosedPayload struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

type SendFailedPayload struct {
	RequestID string `json:"request_id"`
	Content   string `json:"content"`
	Error     string `json:"error"`
}

type LiveStatusPayload struct {
	Status string `json:"status"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func unreadMessage(s unread.Snapshot) OutgoingMessage {
	if s.ByRequest == nil {
		s.ByRequest = map[string]int{}
	}
	return OutgoingMessage{Type: EventUnread, Payload: s}
}

func chatMessage(v chat.View) OutgoingMessage {
	if v.Messages == nil {
		v.Messages = []chat.Entry{}
	}
	return OutgoingMessage{Type: EventChat, Payload: v}
}

func errorMessage(err error) OutgoingMessage {
	return OutgoingMessage{Type: EventError, Payload: ErrorPayload{Code: model.Code(err), Message: err.Error()}}
}

func badRequest(msg string) OutgoingMessage {
	return OutgoingMessage{Type: EventError, Payload: ErrorPayload{Code: codeBadRequest, Message: msg}}
}
