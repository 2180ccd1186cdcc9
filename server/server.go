// Package server exposes the dialogue core over HTTP: one chat endpoint
// plus health and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	contractx "github.com/caresched/medibot/agent/contract"
	"github.com/caresched/medibot/agent/orchestrator"
)

type Config struct {
	Port            int           `default:"8080"`
	ReadTimeout     time.Duration `split_words:"true" default:"10s"`
	WriteTimeout    time.Duration `split_words:"true" default:"60s"`
	ShutdownTimeout time.Duration `split_words:"true" default:"15s"`
	// Turn rate per client IP. Generous for a human typing, tight for a
	// script walking the records.
	TurnsPerSecond float64 `split_words:"true" default:"2"`
	TurnBurst      int     `split_words:"true" default:"5"`
	MaxBodyBytes   int64   `split_words:"true" default:"16384"`
}

// TurnHandler serves one user message within one session.
type TurnHandler interface {
	HandleTurn(ctx context.Context, sessionID string, text string) (contractx.Reply, error)
}

type Server struct {
	cfg    Config
	turns  TurnHandler
	engine *gin.Engine
	http   *http.Server
}

// New builds the routing tree. Callers pick the gin mode; main sets release
// mode before constructing the server.
func New(cfg Config, turns TurnHandler, gatherer prometheus.Gatherer) *Server {
	engine := gin.New()
	engine.Use(RedactingLogger(), gin.Recovery())

	s := &Server{cfg: cfg, turns: turns, engine: engine}

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	engine.POST("/v1/turns", RateLimit(cfg.TurnsPerSecond, cfg.TurnBurst), s.handleTurn)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start blocks serving requests until Shutdown is called or the listener
// fails.
func (s *Server) Start() error {
	log.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

/* -------------------------------- handlers -------------------------------- */

type turnRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func (s *Server) handleTurn(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)

	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be JSON with a message field"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	reply, err := s.turns.HandleTurn(c.Request.Context(), req.SessionID, req.Message)
	if err != nil {
		s.writeTurnError(c, req.SessionID, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

// writeTurnError maps validation sentinels to 400 and hides everything else
// behind a generic 500; internal error text never reaches the client.
func (s *Server) writeTurnError(c *gin.Context, sessionID string, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidMessage),
		errors.Is(err, orchestrator.ErrInvalidSession),
		errors.Is(err, orchestrator.ErrMessageTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Error().Str("session_id", sessionID).Err(err).Msg("turn failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "something went wrong, please try again"})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
