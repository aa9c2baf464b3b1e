// Package server exposes the orchestrator over HTTP: a blocking query
// endpoint, a streaming variant that delivers agent events as they happen,
// and a health endpoint that degrades instead of lying.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fitsched/calagent/pkg/agent"
	"github.com/fitsched/calagent/pkg/extract"
	"github.com/fitsched/calagent/pkg/runtime"
)

// streamDone terminates the event stream, matching what streaming chat
// clients already parse.
const streamDone = "[DONE]"

// Server serves the HTTP API over one Runtime.
type Server struct {
	rt  *runtime.Runtime
	log *slog.Logger
}

// New builds a Server.
func New(rt *runtime.Runtime, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{rt: rt, log: log}
}

// Router builds the gin engine with all routes and middleware attached.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog(), cors())

	r.GET("/", s.handleRoot)
	r.GET("/health", s.handleHealth)
	r.POST("/query", s.handleQuery)
	r.POST("/query/stream", s.handleQueryStream)
	return r
}

// Run serves the API until the listener fails or the process ends.
func (s *Server) Run(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("http server listening", "addr", addr)
	return srv.ListenAndServe()
}

type queryRequest struct {
	Query string `json:"query" binding:"required"`
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "calagent",
		"version": runtime.Version,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	health := s.rt.CheckHealth(c.Request.Context())
	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":          health.Status,
		"version":         health.Version,
		"mcp_tools_count": health.ToolCount,
		"error":           health.Error,
		"timestamp":       time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "query is required"})
		return
	}

	result, err := s.rt.Query(c.Request.Context(), req.Query)
	if err != nil {
		s.log.Error("query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"query":        req.Query,
		"response":     result.Answer,
		"workout_slot": result.Slot,
		"timestamp":    time.Now().Format(time.RFC3339),
	})
}

// streamEvent is one line of the event stream.
type streamEvent struct {
	Type  string                   `json:"type"`
	Text  string                   `json:"text,omitempty"`
	Tool  string                   `json:"tool,omitempty"`
	Slot  *extract.WorkoutTimeSlot `json:"slot,omitempty"`
	Error string                   `json:"error,omitempty"`
}

func (s *Server) handleQueryStream(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "query is required"})
		return
	}

	ctx := c.Request.Context()
	stream, err := s.rt.QueryStream(ctx, req.Query)
	if err != nil {
		s.log.Error("query stream failed to start", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Status(http.StatusOK)

	var finalAnswer string
	for ev := range stream {
		switch ev.Type {
		case agent.EventAssistant:
			s.writeEvent(c, streamEvent{Type: "assistant", Text: ev.Text})
		case agent.EventToolResult:
			s.writeEvent(c, streamEvent{Type: "tool_result", Tool: ev.Tool, Text: ev.Text})
		case agent.EventDone:
			if ev.Err != nil {
				s.writeEvent(c, streamEvent{Type: "error", Error: ev.Err.Error()})
			} else {
				finalAnswer = ev.Text
			}
		}
	}

	if finalAnswer != "" {
		if slot := s.rt.SlotFor(ctx, req.Query, finalAnswer); slot != nil {
			s.writeEvent(c, streamEvent{Type: "workout_slot", Slot: slot})
		}
	}

	fmt.Fprintf(c.Writer, "data: %s\n\n", streamDone)
	c.Writer.Flush()
}

// writeEvent emits one "data:" line and flushes so the client sees events
// as they happen, not when the query finishes.
func (s *Server) writeEvent(c *gin.Context, ev streamEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("encode stream event", "error", err)
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
	c.Writer.Flush()
}

// requestLog tags every request with an id and logs its outcome.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set("X-Request-ID", id)

		start := time.Now()
		c.Next()

		s.log.Info("request",
			"id", id,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// cors allows browser frontends on other origins to call the API.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
