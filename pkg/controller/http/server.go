package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/m-mizutani/tavern/pkg/model"
	"github.com/m-mizutani/tavern/pkg/usecase/dialogue"
	"github.com/m-mizutani/tavern/pkg/utils/logging"
)

// Dialogue is the use case served over HTTP
type Dialogue interface {
	Submit(ctx context.Context, req dialogue.Request) (*dialogue.Result, error)
	Stream(ctx context.Context, req dialogue.Request) *dialogue.Stream
	Start(ctx context.Context, userID string, agentID model.AgentID) (*dialogue.Result, error)
	StartStream(ctx context.Context, userID string, agentID model.AgentID) *dialogue.Stream
	Status(ctx context.Context, userID string, agentID model.AgentID) (*dialogue.Status, error)
	Reset(ctx context.Context, userID string, agentID model.AgentID) (*dialogue.ResetResult, error)
	Info(ctx context.Context, userID string, agentID model.AgentID, category model.Category) (*dialogue.Result, error)
}

// Server is the HTTP control surface
type Server struct {
	engine       *gin.Engine
	dialogue     Dialogue
	allowOrigins []string
}

// Option is a functional option for Server
type Option func(*Server)

// WithAllowOrigins sets the CORS allowed origins
func WithAllowOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowOrigins = origins
	}
}

// New creates a new Server with all routes registered
func New(uc Dialogue, opts ...Option) *Server {
	s := &Server{
		dialogue:     uc,
		allowOrigins: []string{"http://localhost:5173"},
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     s.allowOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	engine.GET("/health", s.health)
	api := engine.Group("/api")
	{
		api.POST("/chat", s.chat)
		api.POST("/chat/start", s.start)
		api.POST("/chat/info", s.info)
		api.GET("/status", s.status)
		api.POST("/reset", s.reset)
	}

	s.engine = engine
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.From(c.Request.Context()).Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

const errGenerationFailed = "generation_failed"

// writeError maps the error taxonomy to a status. Internal causes are logged
// and never sent to the client.
func writeError(c *gin.Context, err error) {
	logger := logging.From(c.Request.Context())

	switch {
	case model.IsInvalidArgument(err):
		c.JSON(http.StatusBadRequest, errorResponse{Error: invalidArgumentMessage(err)})
	case model.IsGenerationFailure(err):
		logger.Error("generation failed", slog.Any("error", err))
		c.JSON(http.StatusBadGateway, errorResponse{Error: errGenerationFailed})
	default:
		logger.Error("request failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal_error"})
	}
}

func invalidArgumentMessage(err error) string {
	for _, sentinel := range []error{model.ErrAgentNotFound, model.ErrCapabilityMissing, model.ErrEmptyMessage} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "invalid request"
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type chatRequest struct {
	UserID  string `json:"userId" binding:"required"`
	AgentID string `json:"agentId" binding:"required"`
	Message string `json:"message"`
	Stream  bool   `json:"stream"`
}

type startRequest struct {
	UserID  string `json:"userId" binding:"required"`
	AgentID string `json:"agentId" binding:"required"`
	Stream  bool   `json:"stream"`
}

type infoRequest struct {
	UserID   string `json:"userId" binding:"required"`
	AgentID  string `json:"agentId" binding:"required"`
	Category string `json:"category" binding:"required"`
}

type keyRequest struct {
	UserID  string `json:"userId" form:"userId" binding:"required"`
	AgentID string `json:"agentId" form:"agentId" binding:"required"`
}

func (s *Server) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "userId and agentId are required"})
		return
	}

	in := dialogue.Request{UserID: req.UserID, AgentID: model.AgentID(req.AgentID), Message: req.Message}
	if req.Stream {
		writeStream(c, s.dialogue.Stream(c.Request.Context(), in))
		return
	}

	result, err := s.dialogue.Submit(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newChatResponse(result))
}

func (s *Server) start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "userId and agentId are required"})
		return
	}

	if req.Stream {
		writeStream(c, s.dialogue.StartStream(c.Request.Context(), req.UserID, model.AgentID(req.AgentID)))
		return
	}

	result, err := s.dialogue.Start(c.Request.Context(), req.UserID, model.AgentID(req.AgentID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newChatResponse(result))
}

func (s *Server) info(c *gin.Context) {
	var req infoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "userId, agentId and category are required"})
		return
	}

	category := model.Category(req.Category)
	if err := category.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "unknown category"})
		return
	}

	result, err := s.dialogue.Info(c.Request.Context(), req.UserID, model.AgentID(req.AgentID), category)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newChatResponse(result))
}

func (s *Server) status(c *gin.Context) {
	var req keyRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "userId and agentId are required"})
		return
	}

	status, err := s.dialogue.Status(c.Request.Context(), req.UserID, model.AgentID(req.AgentID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) reset(c *gin.Context) {
	var req keyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "userId and agentId are required"})
		return
	}

	result, err := s.dialogue.Reset(c.Request.Context(), req.UserID, model.AgentID(req.AgentID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
