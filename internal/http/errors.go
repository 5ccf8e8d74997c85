package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docqa/internal/conversation"
	"github.com/fyrsmithlabs/docqa/internal/embeddings"
	"github.com/fyrsmithlabs/docqa/internal/engine"
	"github.com/fyrsmithlabs/docqa/internal/extraction"
	"github.com/fyrsmithlabs/docqa/internal/versionstore"
)

// errorStatus maps domain errors to responses. Order matters only where
// one error wraps another.
var errorStatus = []struct {
	err     error
	status  int
	message string
}{
	{engine.ErrNoCandidateContent, http.StatusNotFound, "nothing to answer from"},
	{engine.ErrEmptyQuestion, http.StatusBadRequest, "question is required"},
	{conversation.ErrInvalidUserID, http.StatusBadRequest, "user_id is required"},
	{conversation.ErrSessionNotFound, http.StatusNotFound, "conversation not found"},
	{versionstore.ErrInvalidKey, http.StatusBadRequest, "invalid document key"},
	{versionstore.ErrKeyNotFound, http.StatusNotFound, "document not found"},
	{versionstore.ErrVersionNotFound, http.StatusNotFound, "document version not found"},
	{versionstore.ErrNoExtractableContent, http.StatusUnprocessableEntity, "no extractable content"},
	{extraction.ErrUnsupportedFormat, http.StatusUnsupportedMediaType, "unsupported document format"},
	{extraction.ErrMalformedDocument, http.StatusUnprocessableEntity, "malformed document"},
	{embeddings.ErrEmbeddingUnavailable, http.StatusServiceUnavailable, "embedding provider unavailable"},
	{embeddings.ErrEmbeddingFailed, http.StatusBadGateway, "embedding failed"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "request timed out"},
}

// toHTTPError converts err to an *echo.HTTPError. Unknown errors become a
// 500 with a generic message; the cause stays internal.
func toHTTPError(err error) (*echo.HTTPError, bool) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he, true
	}
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			return echo.NewHTTPError(m.status, m.message).SetInternal(err), true
		}
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err), false
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	he, known := toHTTPError(err)
	if !known {
		s.logger.Error(c.Request().Context(), "request failed",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
	}
	s.echo.DefaultHTTPErrorHandler(he, c)
}
