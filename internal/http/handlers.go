package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/docqa/internal/engine"
	"github.com/fyrsmithlabs/docqa/internal/logging"
	"github.com/fyrsmithlabs/docqa/internal/versionstore"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleUpload ingests one multipart file. 201 means a new version was
// registered, 200 that the same bytes were already known.
func (s *Server) handleUpload(c echo.Context) error {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, s.config.MaxUploadBytes)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", s.config.MaxUploadBytes))
		}
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required").SetInternal(err)
	}

	var modifiedAt time.Time
	if v := strings.TrimSpace(c.FormValue("modified_at")); v != "" {
		modifiedAt, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "modified_at must be RFC3339").SetInternal(err)
		}
	}

	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("opening upload: %w", err)
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("reading upload: %w", err)
	}

	filename := path.Base(strings.ReplaceAll(fh.Filename, `\`, "/"))
	key := versionstore.DocumentKey{FolderPath: c.FormValue("folder_path"), Filename: filename}
	ctx := tag(logging.WithDocumentKey(req.Context(), key.String()), c)
	res, err := s.service.Ingest(ctx, engine.IngestRequest{
		Key:        key,
		Raw:        raw,
		ModifiedAt: modifiedAt,
	})
	if err != nil {
		return err
	}

	status := http.StatusOK
	if res.IsNew {
		status = http.StatusCreated
	}
	return c.JSON(status, UploadResponse{Document: res.Record, IsNew: res.IsNew})
}

func (s *Server) handleListDocuments(c echo.Context) error {
	docs := s.service.Documents(c.Request().Context())
	if docs == nil {
		docs = []versionstore.VersionRecord{}
	}
	return c.JSON(http.StatusOK, DocumentsResponse{Documents: docs})
}

func (s *Server) handleVersions(c echo.Context) error {
	key := versionstore.DocumentKey{
		FolderPath: c.QueryParam("folder_path"),
		Filename:   c.QueryParam("filename"),
	}
	versions, err := s.service.Versions(c.Request().Context(), key)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, DocumentsResponse{Documents: versions})
}

func (s *Server) handleDeactivate(c echo.Context) error {
	var req DeactivateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}
	if req.Version < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "version is required")
	}
	key := versionstore.DocumentKey{FolderPath: req.FolderPath, Filename: req.Filename}
	rec, err := s.service.SetActive(c.Request().Context(), key, req.Version, false)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}

	q := engine.QueryRequest{
		Question:   req.Question,
		UserID:     req.UserID,
		NewSession: req.NewSession,
	}
	if req.FolderPath != "" || req.Filename != "" {
		q.DocumentKey = &versionstore.DocumentKey{FolderPath: req.FolderPath, Filename: req.Filename}
	}

	ctx := tag(logging.WithUserID(c.Request().Context(), req.UserID), c)
	res, err := s.service.Query(ctx, q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newQueryResponse(res))
}

func (s *Server) handleNewChat(c echo.Context) error {
	var req NewChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}
	if err := s.service.NewChat(c.Request().Context(), req.UserID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListConversations(c echo.Context) error {
	sessions, err := s.service.Conversations(c.Request().Context(), c.QueryParam("user_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ConversationsResponse{Conversations: sessions})
}

func (s *Server) handleGetConversation(c echo.Context) error {
	sess, err := s.service.Conversation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}
