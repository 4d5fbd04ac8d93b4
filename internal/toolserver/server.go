// Package toolserver exposes the broker's JSON-RPC tool surface over HTTP:
// a session handshake, tool discovery with JSON Schemas, schema-validated
// dispatch into the orchestrator and control handler, and the health and
// metrics endpoints.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"errand/internal/jsonrpc"
	"errand/internal/logging"
	"errand/internal/observability"
)

// SessionHeader carries the minted session id back to the caller and must
// accompany every call after initialize.
const SessionHeader = "Errand-Session-Id"

// maxBodyBytes bounds one RPC request body.
const maxBodyBytes = 1 << 20

// sessionCacheSize bounds how many live sessions are tracked.
const sessionCacheSize = 1024

// Config holds the HTTP surface settings.
type Config struct {
	Addr           string
	AllowedOrigins []string // empty means any origin
	SessionTTL     time.Duration
	Backend        string // "local" or "remote", reported by health
	Debug          bool
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8787"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	return c
}

// Server is the JSON-RPC tool transport.
type Server struct {
	config   Config
	deps     Deps
	engine   *gin.Engine
	server   *http.Server
	sessions *lru.Cache[string, time.Time]
	schemas  map[string]*jsonschema.Schema
	logger   logging.Logger
	started  time.Time
}

// NewServer builds the engine, compiles every tool schema, and wires the
// routes. It does not start listening.
func NewServer(config Config, deps Deps, logger logging.Logger) (*Server, error) {
	config = config.withDefaults()
	if err := deps.validate(); err != nil {
		return nil, err
	}

	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", SessionHeader}
	corsConfig.ExposeHeaders = []string{SessionHeader}
	engine.Use(cors.New(corsConfig))

	sessions, err := lru.New[string, time.Time](sessionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}

	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:   config,
		deps:     deps,
		engine:   engine,
		sessions: sessions,
		schemas:  schemas,
		logger:   logging.OrNop(logger),
		started:  time.Now(),
	}

	engine.POST("/rpc", s.handleRPC)
	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	compiled := make(map[string]*jsonschema.Schema, len(toolSchemas))
	for name, source := range toolSchemas {
		var doc any
		if err := json.Unmarshal([]byte(source), &doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		compiler := jsonschema.NewCompiler()
		resource := name + ".json"
		if err := compiler.AddResource(resource, doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		schema, err := compiler.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		compiled[name] = schema
	}
	return compiled, nil
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("tool server listening on %s", s.config.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("tool server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleRPC is the single JSON-RPC endpoint.
func (s *Server) handleRPC(c *gin.Context) {
	if !s.originAllowed(c) {
		c.JSON(http.StatusOK, jsonrpc.NewErrorResponse(nil, jsonrpc.SessionNotFound, "origin not allowed", nil))
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusOK, jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError, "failed to read request body", nil))
		return
	}

	req, rpcErr := jsonrpc.UnmarshalRequest(body)
	if rpcErr != nil {
		var typed *jsonrpc.RPCError
		if errors.As(rpcErr, &typed) {
			c.JSON(http.StatusOK, jsonrpc.NewErrorResponse(nil, typed.Code, typed.Message, typed.Data))
		} else {
			c.JSON(http.StatusOK, jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError, rpcErr.Error(), nil))
		}
		return
	}

	response := s.dispatch(c, req)
	if req.IsNotification() {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) dispatch(c *gin.Context, req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(c, req)
	case "ping":
		return jsonrpc.NewResponse(req.ID, gin.H{"pong": true, "time": time.Now().UTC()})
	case "tools/list":
		if resp := s.requireSession(c, req); resp != nil {
			return resp
		}
		return jsonrpc.NewResponse(req.ID, gin.H{"tools": s.describeTools()})
	case "tools/call":
		if resp := s.requireSession(c, req); resp != nil {
			return resp
		}
		return s.handleToolCall(c, req)
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound,
			fmt.Sprintf("unknown method: %s", req.Method), nil)
	}
}

func (s *Server) handleInitialize(c *gin.Context, req *jsonrpc.Request) *jsonrpc.Response {
	sessionID := uuid.NewString()
	s.sessions.Add(sessionID, time.Now())
	s.deps.Metrics.SessionOpened()
	c.Header(SessionHeader, sessionID)
	s.logger.Debug("minted session %s", sessionID)

	return jsonrpc.NewResponse(req.ID, gin.H{
		"protocol_version": "2024-11-05",
		"session_id":       sessionID,
		"server_info":      gin.H{"name": "errand", "version": Version},
		"capabilities":     gin.H{"tools": gin.H{}},
	})
}

// requireSession validates the session header, refreshing the sliding TTL.
func (s *Server) requireSession(c *gin.Context, req *jsonrpc.Request) *jsonrpc.Response {
	sessionID := c.GetHeader(SessionHeader)
	if sessionID == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.SessionNotFound, "missing session; call initialize first", nil)
	}
	seen, ok := s.sessions.Get(sessionID)
	if !ok || time.Since(seen) > s.config.SessionTTL {
		if s.sessions.Remove(sessionID) {
			s.deps.Metrics.SessionClosed()
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.SessionNotFound, "unknown or expired session", nil)
	}
	s.sessions.Add(sessionID, time.Now())
	return nil
}

func (s *Server) originAllowed(c *gin.Context) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := c.GetHeader("Origin")
	if origin == "" {
		return true // non-browser callers carry no origin
	}
	for _, allowed := range s.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) describeTools() []ToolDescriptor {
	descriptors := make([]ToolDescriptor, 0, len(toolOrder))
	for _, name := range toolOrder {
		var doc any
		_ = json.Unmarshal([]byte(toolSchemas[name]), &doc)
		descriptors = append(descriptors, ToolDescriptor{
			Name:        name,
			Description: toolDescriptions[name],
			InputSchema: doc,
		})
	}
	return descriptors
}

// toolCallParams is the tools/call envelope.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleToolCall(c *gin.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, "malformed tools/call params", err.Error())
	}

	schema, known := s.schemas[params.Name]
	if !known {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound,
			fmt.Sprintf("unknown tool: %s", params.Name), nil)
	}

	arguments := params.Arguments
	if len(arguments) == 0 {
		arguments = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(arguments, &decoded); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, "tool arguments are not valid JSON", err.Error())
	}
	if err := schema.Validate(decoded); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams,
			fmt.Sprintf("invalid arguments for %s", params.Name), err.Error())
	}

	start := time.Now()
	ctx, span := observability.StartSpan(c.Request.Context(), observability.SpanToolCall,
		observability.ToolAttrs(params.Name)...)
	c.Request = c.Request.WithContext(ctx)

	result, err := s.callTool(c, params.Name, arguments)

	if err != nil {
		span.SetAttributes(observability.ErrorAttrs(err)...)
	}
	span.End()
	s.deps.Metrics.RecordToolCall(params.Name, time.Since(start), err == nil)

	if err != nil {
		s.logger.Error("tool %s: %v", params.Name, err)
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, "internal error", err.Error())
	}
	return jsonrpc.NewResponse(req.ID, result)
}

// Version is reported by initialize and health.
const Version = "1.0.0"
