package conversation

import (
	"errors"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/docqa/internal/versionstore"
)

var (
	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidUserID is returned for an empty user ID.
	ErrInvalidUserID = errors.New("user id is required")
)

// titleLimit is the number of characters of the first question kept as
// a session title.
const titleLimit = 50

// Source is one document version cited by an answer.
type Source struct {
	Key           versionstore.DocumentKey `json:"key"`
	VersionNumber int                      `json:"version"`
	ModifiedAt    time.Time                `json:"modified_at"`
}

// Message is one question and its answer.
type Message struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Sources  []Source `json:"sources"`
	// ModelUsed is nil when the answer was quoted rather than generated.
	ModelUsed *string   `json:"model_used"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a user's conversation.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Messages is populated by Get and Resolve, not by List.
	Messages     []Message `json:"messages,omitempty"`
	MessageCount int       `json:"message_count"`
}

// Title derives a session title from its first question.
func Title(question string) string {
	if utf8.RuneCountInString(question) <= titleLimit {
		return question
	}
	runes := []rune(question)
	return string(runes[:titleLimit]) + "..."
}
