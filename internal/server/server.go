// Package server provides the HTTP API for docqa.
//
// Authentication is delegated to a fronting identity proxy; handlers
// trust the verified user id in the X-User-ID header.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/amirshahdadian/document-qa/internal/chunker"
	"github.com/amirshahdadian/document-qa/internal/lifecycle"
	"github.com/amirshahdadian/document-qa/internal/qa"
	"github.com/amirshahdadian/document-qa/internal/sessions"
)

// HeaderUserID carries the verified user identity set by the fronting
// proxy.
const HeaderUserID = "X-User-ID"

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the docqa HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	splitter *chunker.Splitter
	limits   chunker.UploadLimits
	manager  *lifecycle.Manager
	store    *sessions.Store
	qa       *qa.Service
	logger   *zap.Logger
	config   Config
}

// NewServer creates the HTTP server and registers its routes. The
// gatherer backs /metrics; pass nil for the default registry.
func NewServer(splitter *chunker.Splitter, manager *lifecycle.Manager, store *sessions.Store, qaService *qa.Service, limits chunker.UploadLimits, cfg Config, logger *zap.Logger, gatherer prometheus.Gatherer) (*Server, error) {
	if splitter == nil {
		return nil, fmt.Errorf("splitter is required")
	}
	if manager == nil {
		return nil, fmt.Errorf("lifecycle manager is required")
	}
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if qaService == nil {
		return nil, fmt.Errorf("qa service is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	limits.ApplyDefaults()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		splitter: splitter,
		limits:   limits,
		manager:  manager,
		store:    store,
		qa:       qaService,
		logger:   logger,
		config:   cfg,
	}
	s.registerRoutes(gatherer)
	return s, nil
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1", s.requireUser)
	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions", s.handleListSessions)
	v1.DELETE("/sessions/:session", s.handleDeleteSession)
	v1.PUT("/sessions/:session/document", s.handleUploadDocument)
	v1.POST("/sessions/:session/ask", s.handleAsk)
}

// requireUser rejects requests without a verified user identity.
func (s *Server) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().Header.Get(HeaderUserID) == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing user identity")
		}
		return next(c)
	}
}

func (s *Server) session(c echo.Context) lifecycle.Session {
	return lifecycle.Session{
		UserID:    c.Request().Header.Get(HeaderUserID),
		SessionID: c.Param("session"),
	}
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateSessionResponse is the new-session body.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleCreateSession(c echo.Context) error {
	return c.JSON(http.StatusCreated, CreateSessionResponse{
		SessionID: uuid.NewString(),
	})
}

// UploadDocumentRequest carries a document's extracted text segments.
type UploadDocumentRequest struct {
	Filename string   `json:"filename"`
	Size     int64    `json:"size"`
	Segments []string `json:"segments"`
}

// UploadDocumentResponse reports the indexed document.
type UploadDocumentResponse struct {
	Filename   string `json:"filename"`
	ChunkCount int    `json:"chunk_count"`
	Archived   bool   `json:"archived"`
}

func (s *Server) handleUploadDocument(c echo.Context) error {
	var req UploadDocumentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := chunker.ValidateUpload(req.Filename, req.Size, s.limits); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	chunks, err := s.splitter.Split(req.Filename, req.Segments)
	if errors.Is(err, chunker.ErrEmptyDocument) {
		return echo.NewHTTPError(http.StatusBadRequest, "document contains no extractable text")
	}
	if err != nil {
		return s.internalError(c, "chunking document", err)
	}

	sess := s.session(c)
	ctx := c.Request().Context()

	created, err := s.manager.Create(ctx, sess, chunks)
	if err != nil {
		return s.internalError(c, "creating vector store", err)
	}

	if err := s.store.UpsertDocument(ctx, sessions.DocumentRecord{
		UserID:        sess.UserID,
		SessionID:     sess.SessionID,
		Filename:      req.Filename,
		FileSize:      req.Size,
		ChunkCount:    created.ChunkCount,
		CollectionID:  created.CollectionID,
		HasEmbeddings: true,
	}); err != nil {
		return s.internalError(c, "recording document", err)
	}

	return c.JSON(http.StatusOK, UploadDocumentResponse{
		Filename:   req.Filename,
		ChunkCount: created.ChunkCount,
		Archived:   created.Archived,
	})
}

// AskRequest carries a question.
type AskRequest struct {
	Question string `json:"question"`
}

func (s *Server) handleAsk(c echo.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Question == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question field is required")
	}

	answer, err := s.qa.Ask(c.Request().Context(), s.session(c), req.Question)
	if errors.Is(err, qa.ErrNoDocument) {
		return echo.NewHTTPError(http.StatusNotFound, qa.ErrNoDocument.Error())
	}
	if err != nil {
		return s.processingError(c, "answering question", err)
	}

	return c.JSON(http.StatusOK, answer)
}

// SessionSummary describes one of the user's sessions.
type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	Filename   string    `json:"filename"`
	ChunkCount int       `json:"chunk_count"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// ListSessionsResponse is the session listing body.
type ListSessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

func (s *Server) handleListSessions(c echo.Context) error {
	userID := c.Request().Header.Get(HeaderUserID)

	records, err := s.store.ListDocuments(c.Request().Context(), userID)
	if err != nil {
		return s.internalError(c, "listing sessions", err)
	}

	resp := ListSessionsResponse{Sessions: make([]SessionSummary, len(records))}
	for i, rec := range records {
		resp.Sessions[i] = SessionSummary{
			SessionID:  rec.SessionID,
			Filename:   rec.Filename,
			ChunkCount: rec.ChunkCount,
			UploadedAt: rec.UploadedAt,
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	sess := s.session(c)
	ctx := c.Request().Context()

	complete, err := s.manager.Delete(ctx, sess)
	if err != nil {
		return s.internalError(c, "deleting vector store", err)
	}
	if !complete {
		s.logger.Warn("session delete incomplete, archive copy may remain",
			zap.String("session_id", sess.SessionID),
		)
	}
	if err := s.store.DeleteSession(ctx, sess.UserID, sess.SessionID); err != nil {
		return s.internalError(c, "deleting session metadata", err)
	}

	return c.NoContent(http.StatusNoContent)
}

// internalError logs the cause and returns an opaque 500.
func (s *Server) internalError(c echo.Context, msg string, err error) error {
	s.logger.Error(msg,
		zap.Error(err),
		zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
	)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

// processingError logs the cause and returns an opaque 502 for
// failures in downstream model backends.
func (s *Server) processingError(c echo.Context, msg string, err error) error {
	s.logger.Error(msg,
		zap.Error(err),
		zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
	)
	return echo.NewHTTPError(http.StatusBadGateway, "processing failed")
}

// Start begins serving. It blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("http server starting", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
