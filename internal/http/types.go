package http

import (
	"time"

	"github.com/fyrsmithlabs/docqa/internal/conversation"
	"github.com/fyrsmithlabs/docqa/internal/engine"
	"github.com/fyrsmithlabs/docqa/internal/synthesis"
	"github.com/fyrsmithlabs/docqa/internal/versionstore"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// UploadResponse is the response body for POST /api/v1/documents.
type UploadResponse struct {
	Document versionstore.VersionRecord `json:"document"`
	IsNew    bool                       `json:"is_new"`
}

// DocumentsResponse lists document versions.
type DocumentsResponse struct {
	Documents []versionstore.VersionRecord `json:"documents"`
}

// DeactivateRequest is the request body for POST /api/v1/documents/deactivate.
type DeactivateRequest struct {
	FolderPath string `json:"folder_path"`
	Filename   string `json:"filename"`
	Version    int    `json:"version"`
}

// QueryRequest is the request body for POST /api/v1/query. FolderPath and
// Filename restrict the answer to one document when both are set.
type QueryRequest struct {
	Question   string `json:"question"`
	UserID     string `json:"user_id"`
	FolderPath string `json:"folder_path,omitempty"`
	Filename   string `json:"filename,omitempty"`
	NewSession bool   `json:"new_session"`
}

// QueryResponse is the response body for POST /api/v1/query.
type QueryResponse struct {
	Answer              string             `json:"answer"`
	Sources             []synthesis.Source `json:"sources"`
	SessionID           string             `json:"session_id"`
	IsNewSession        bool               `json:"is_new_session"`
	ModelUsed           *string            `json:"model_used"`
	DatesFound          []string           `json:"dates_found"`
	ResponseTimeSeconds float64            `json:"response_time_seconds"`
}

// NewChatRequest is the request body for POST /api/v1/conversations/new.
type NewChatRequest struct {
	UserID string `json:"user_id"`
}

// ConversationsResponse lists a user's sessions without their messages.
type ConversationsResponse struct {
	Conversations []conversation.Session `json:"conversations"`
}

func newQueryResponse(r engine.QueryResult) QueryResponse {
	sources := r.Sources
	if sources == nil {
		sources = []synthesis.Source{}
	}
	dates := r.DatesFound
	if dates == nil {
		dates = []string{}
	}
	return QueryResponse{
		Answer:              r.Answer,
		Sources:             sources,
		SessionID:           r.SessionID,
		IsNewSession:        r.IsNewSession,
		ModelUsed:           r.ModelUsed,
		DatesFound:          dates,
		ResponseTimeSeconds: r.ResponseTime.Round(time.Millisecond).Seconds(),
	}
}
