// Package chat defines the domain model shared across the sync engine:
// conversation sessions, messages, and the tagged payload variants a
// message can carry.
package chat

import (
	"encoding/json"
	"strings"
	"time"
)

// Direction indicates which side of the conversation produced a message.
type Direction string

const (
	// Inbound messages originate from the counterparty (the customer).
	Inbound Direction = "inbound"

	// Outbound messages originate from an operator or an automated
	// responder on our side.
	Outbound Direction = "outbound"
)

// PayloadType enumerates the message payload variants.
type PayloadType string

const (
	PayloadText     PayloadType = "text"
	PayloadImage    PayloadType = "image"
	PayloadVideo    PayloadType = "video"
	PayloadAudio    PayloadType = "audio"
	PayloadDocument PayloadType = "document"
	PayloadTemplate PayloadType = "template"
	PayloadLocation PayloadType = "location"
	PayloadContact  PayloadType = "contact"
)

// Payload is a tagged variant. Type selects which of the remaining fields
// are meaningful; unused fields stay at their zero value and are omitted
// on the wire.
type Payload struct {
	Type PayloadType `json:"type"`

	// Text body (text), caption (media), or rendered body (template).
	Text string `json:"text,omitempty"`

	// Media fields (image, video, audio, document).
	MediaURL string `json:"mediaUrl,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`

	// Template fields.
	TemplateName   string   `json:"templateName,omitempty"`
	TemplateParams []string `json:"templateParams,omitempty"`

	// Location fields.
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`

	// Contact-card fields.
	ContactName  string `json:"contactName,omitempty"`
	ContactPhone string `json:"contactPhone,omitempty"`
}

// Preview returns the short text used as a session's last-message preview.
// Media payloads without a caption fall back to a type placeholder so the
// session list never shows an empty line.
func (p Payload) Preview() string {
	if t := strings.TrimSpace(p.Text); t != "" {
		return t
	}

	switch p.Type {
	case PayloadImage:
		return "[image]"
	case PayloadVideo:
		return "[video]"
	case PayloadAudio:
		return "[audio]"
	case PayloadDocument:
		if p.FileName != "" {
			return "[document] " + p.FileName
		}

		return "[document]"
	case PayloadTemplate:
		if p.TemplateName != "" {
			return "[template] " + p.TemplateName
		}

		return "[template]"
	case PayloadLocation:
		return "[location]"
	case PayloadContact:
		if p.ContactName != "" {
			return "[contact] " + p.ContactName
		}

		return "[contact]"
	}

	return ""
}

// Message is one entry in a session's timeline.
//
// A server-confirmed message carries ID (and usually ExternalID, the id
// assigned by the upstream messaging channel). A locally originated
// message that has not been confirmed yet carries only ClientTempID; the
// confirmation replaces it in place.
type Message struct {
	ID           string    `json:"id,omitempty"`
	ExternalID   string    `json:"messageId,omitempty"`
	ClientTempID string    `json:"clientTempId,omitempty"`
	SessionID    string    `json:"sessionId"`
	Direction    Direction `json:"direction"`
	Payload      Payload   `json:"payload"`
	SentAt       time.Time `json:"sentAt"`

	// ReplyToExcerpt is a denormalized copy of the quoted message's
	// content, not a live reference.
	ReplyToExcerpt string `json:"replyTo,omitempty"`

	// AgentName is the display name of the operator who sent an outbound
	// message, when the server includes it.
	AgentName string `json:"agentName,omitempty"`

	// Failed marks a pending optimistic message whose confirmation did
	// not arrive within the send timeout. Local bookkeeping only.
	Failed bool `json:"-"`
}

// Pending reports whether the message is a locally originated entry still
// waiting for its server-confirmed counterpart. A message marked Failed
// is no longer pending.
func (m Message) Pending() bool {
	return m.ID == "" && m.ClientTempID != "" && !m.Failed
}

// AgentAssignment records one agent attached to a session. Inactive
// assignments are retained by the server but do not count as assigned.
type AgentAssignment struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Active  bool   `json:"active"`
}

// Session is one ongoing conversation thread with a single counterparty.
type Session struct {
	ID                 string            `json:"id"`
	PhoneNumber        string            `json:"phoneNumber"`
	DisplayName        string            `json:"name,omitempty"`
	LastMessagePreview string            `json:"lastMessage,omitempty"`
	LastMessageAt      time.Time         `json:"lastMessageAt"`
	UnreadCount        int               `json:"unreadCount"`
	AssignedAgents     []AgentAssignment `json:"assignedAgents,omitempty"`
}

// Assigned reports whether the session has at least one active agent.
func (s Session) Assigned() bool {
	for _, a := range s.AssignedAgents {
		if a.Active {
			return true
		}
	}

	return false
}

// Title returns the name shown for the session, falling back to the
// normalized phone number and then the raw one.
func (s Session) Title() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}

	if n := NormalizePhone(s.PhoneNumber); n != "" {
		return n
	}

	return s.PhoneNumber
}

// expiryWindow is how long after the last message a conversation is
// considered expired by the upstream channel's reply policy.
const expiryWindow = 24 * time.Hour

// Expired reports whether the conversation's reply window has closed.
// Informational: the sync core does not block sends on it.
func (s Session) Expired(now time.Time) bool {
	if s.LastMessageAt.IsZero() {
		return false
	}

	return now.Sub(s.LastMessageAt) > expiryWindow
}

// MessageBatch is the payload of a messages-loaded event.
type MessageBatch struct {
	SessionID string    `json:"sessionId"`
	Messages  []Message `json:"messages"`
}

// Assignment is the payload of an outbound assign-users call.
type Assignment struct {
	SessionID string   `json:"sessionId"`
	AgentIDs  []string `json:"agentIds"`
}

// SessionRef is the payload of outbound load-messages and mark-read calls.
type SessionRef struct {
	SessionID string `json:"sessionId"`
}

// DecodeSession unmarshals a session payload, defaulting absent unread
// counts to zero (the wire may omit the field entirely).
func DecodeSession(data []byte) (Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, err
	}

	if s.UnreadCount < 0 {
		s.UnreadCount = 0
	}

	return s, nil
}
