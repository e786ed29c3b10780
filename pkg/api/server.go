// Package api exposes the federation engine over HTTP: the well-known
// discovery document, the peer-facing inbox and outbox endpoints, and the
// operator endpoints for discovery, subscription and delivery monitoring.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"commune/pkg/federation"
	"commune/pkg/types"
)

// Server wires the engine into a gin router.
type Server struct {
	engine *federation.Engine
	logger *zap.Logger
	router *gin.Engine
}

// NewServer builds the HTTP server around an engine.
func NewServer(engine *federation.Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine: engine,
		logger: logger,
		router: gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.routes()
	return s
}

// Router returns the underlying gin router, for tests and embedding.
func (s *Server) Router() *gin.Engine { return s.router }

// Run serves HTTP on addr until the listener fails.
func (s *Server) Run(addr string) error {
	s.logger.Info("HTTP server listening", zap.String("addr", addr))
	return s.router.Run(addr)
}

func (s *Server) routes() {
	s.router.GET(federation.WellKnownPath, s.handleWellKnown)
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	fed := s.router.Group("/federation")
	{
		fed.GET("/outbox", s.handleOutbox)
		fed.POST("/inbox", s.handleInbox)
		fed.GET("/instances", s.handleInstances)
		fed.POST("/discover", s.handleDiscover)
		fed.POST("/subscribe", s.handleSubscribe)
		fed.GET("/delivery", s.handleDelivery)
	}
}

func (s *Server) handleWellKnown(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Metadata())
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type paginationOut struct {
	Cursor  string `json:"cursor,omitempty"`
	HasMore bool   `json:"hasMore"`
}

type outboxOut struct {
	Events     []types.FederationEvent `json:"events"`
	Pagination paginationOut           `json:"pagination"`
}

func (s *Server) handleOutbox(c *gin.Context) {
	var query struct {
		Since string `form:"since"`
		Limit int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events, cursor, hasMore := s.engine.Page(query.Since, query.Limit)
	if events == nil {
		events = []types.FederationEvent{}
	}
	c.JSON(http.StatusOK, outboxOut{
		Events:     events,
		Pagination: paginationOut{Cursor: cursor, HasMore: hasMore},
	})
}

func (s *Server) handleInbox(c *gin.Context) {
	var envelope types.FederationEvent
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "reason": "malformed envelope"})
		return
	}

	claimedOrigin := c.GetHeader(federation.OriginHeader)
	if claimedOrigin == "" {
		claimedOrigin = envelope.Origin
	}

	if err := s.engine.Receive(c.Request.Context(), envelope, claimedOrigin); err != nil {
		c.JSON(http.StatusForbidden, gin.H{
			"status": "rejected",
			"reason": federation.RejectReason(err),
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) handleInstances(c *gin.Context) {
	instances := s.engine.Instances()
	if instances == nil {
		instances = []*types.RemoteInstance{}
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances})
}

type instanceRequest struct {
	URI string `json:"uri" binding:"required"`
}

func (s *Server) handleDiscover(c *gin.Context) {
	var req instanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inst, err := s.engine.Discover(c.Request.Context(), req.URI)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) handleSubscribe(c *gin.Context) {
	var req instanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inst, err := s.engine.SubscribeTo(c.Request.Context(), req.URI)
	if err != nil {
		if errors.Is(err, federation.ErrPeerClosed) {
			c.JSON(http.StatusForbidden, gin.H{"error": "peer does not accept federation"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) handleDelivery(c *gin.Context) {
	status := s.engine.DeliveryStatus()
	if status.Attempts == nil {
		status.Attempts = []*types.DeliveryAttempt{}
	}
	c.JSON(http.StatusOK, status)
}
