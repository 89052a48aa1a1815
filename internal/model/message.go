package model

import (
	"strings"
	"time"
)

type Message struct {
	ID            string    `json:"id"`
	RideRequestID string    `json:"ride_request_id"`
	SenderID      string    `json:"sender_id"`
	ReceiverID    string    `json:"receiver_id"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"created_at"`
	IsRead        bool      `json:"is_read"`
}

// NormalizeContent trims the text of a message; an empty result means nothing to send.
func NormalizeContent(s string) string {
	return strings.TrimSpace(s)
}

// MessageLess orders messages by creation time, ties broken by id.
func MessageLess(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// UnreadTally is an authoritative count of unread messages for one receiver.
type UnreadTally struct {
	ByRequest map[string]int
	// AsOf is the database time the count was taken at.
	AsOf time.Time
}

// Total sums the per-request counts.
func (t UnreadTally) Total() int {
	n := 0
	for _, c := range t.ByRequest {
		n += c
	}
	return n
}

// ReadMark identifies one message flipped to read by a mark-read mutation.
type ReadMark struct {
	ID            string
	RideRequestID string
	CreatedAt     time.Time
}
