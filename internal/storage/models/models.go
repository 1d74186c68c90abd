package models

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Session struct {
	ID             string
	UserID         string
	ProductKey     string
	Active         bool
	Summary        string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// SessionOverview is a list row: a session plus derived message stats.
type SessionOverview struct {
	Session
	MessageCount        int
	FirstMessagePreview string
}

type Message struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	Meta      MessageMeta
	CreatedAt time.Time
}

// MessageMeta carries answer provenance for assistant messages.
type MessageMeta struct {
	Source               string `json:"source,omitempty"`
	Reference            string `json:"reference,omitempty"`
	SelfCheckScore       *int   `json:"self_check_score,omitempty"`
	NeedsVerification    bool   `json:"needs_verification,omitempty"`
	UsedGeneralKnowledge bool   `json:"used_general_knowledge,omitempty"`
	AddedToQA            bool   `json:"added_to_qa,omitempty"`
}

type Violation struct {
	ID         int64
	UserID     string
	ProductKey string
	Question   string
	Type       string
	Method     string
	Reason     string
	CreatedAt  time.Time
}

type Restriction struct {
	UserID          string
	ViolationCount  int
	RestrictedUntil *time.Time
	UpdatedAt       time.Time
}

type Rating struct {
	ID          int64
	ProductKey  string
	UserID      string
	Fingerprint string
	Question    string
	Answer      string
	Helpful     bool
	CreatedAt   time.Time
}
