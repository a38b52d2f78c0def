// Package api serves the management HTTP API: starting negotiations,
// inspecting them, issuing commands and browsing the catalog.
package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/dyluth/accord/internal/command"
	"github.com/dyluth/accord/internal/engine"
	"github.com/dyluth/accord/internal/iam"
	"github.com/dyluth/accord/pkg/negotiation"
)

// Initiator starts requester negotiations. engine.Protocol implements it.
type Initiator interface {
	Initiate(ctx context.Context, req engine.InitiateRequest) (*negotiation.ContractNegotiation, error)
}

// Submitter accepts commands. command.Queue implements it.
type Submitter interface {
	Submit(cmd command.Command) error
}

// OfferLister lists the offers an agent may negotiate. catalog.Catalog implements it.
type OfferLister interface {
	Offers(agent iam.ParticipantAgent, provider string) []negotiation.Offer
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the API.
type Deps struct {
	ParticipantID string
	Store         negotiation.Store
	Initiator     Initiator
	Commands      Submitter
	Catalog       OfferLister
	Health        Pinger // Optional
}

type Handler struct {
	deps Deps
	log  zerolog.Logger
}

func NewHandler(deps Deps, log zerolog.Logger) *Handler {
	return &Handler{deps: deps, log: log}
}

func (h *Handler) Register(router *gin.Engine, authMiddleware gin.HandlerFunc) {
	router.GET("/healthz", h.health)

	v1 := router.Group("/v1")
	v1.POST("/negotiations", h.initiate)
	v1.GET("/negotiations", h.list)
	v1.GET("/negotiations/:id", h.get)
	v1.POST("/negotiations/:id/cancel", h.command(command.KindCancel))
	v1.POST("/negotiations/:id/decline", h.command(command.KindDecline))
	v1.POST("/negotiations/:id/accept", h.command(command.KindAccept))
	v1.POST("/negotiations/:id/counter-offer", h.command(command.KindCounterOffer))

	protected := v1.Group("/")
	protected.Use(authMiddleware)
	protected.GET("/catalog", h.catalog)
}

func (h *Handler) health(c *gin.Context) {
	if h.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.deps.Health.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "store": "disconnected", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "store": "connected"})
}

func (h *Handler) initiate(c *gin.Context) {
	var req engine.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	n, err := h.deps.Initiator.Initiate(c.Request.Context(), req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, n)
}

func (h *Handler) list(c *gin.Context) {
	all, err := h.deps.Store.List(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}

	var filter *negotiation.State
	if raw := strings.TrimSpace(c.Query("state")); raw != "" {
		s, err := negotiation.ParseState(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
			return
		}
		filter = &s
	}

	result := make([]*negotiation.ContractNegotiation, 0, len(all))
	for _, n := range all {
		if filter == nil || n.State == *filter {
			result = append(result, n)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAtMs < result[j].CreatedAtMs })
	c.JSON(http.StatusOK, gin.H{"negotiations": result})
}

func (h *Handler) get(c *gin.Context) {
	n, err := h.deps.Store.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

type commandRequest struct {
	Reason string             `json:"reason"`
	Offer  *negotiation.Offer `json:"offer"`
}

func (h *Handler) command(kind command.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req commandRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		id := c.Param("id")
		if _, err := h.deps.Store.FindByID(c.Request.Context(), id); err != nil {
			h.handleError(c, err)
			return
		}

		err := h.deps.Commands.Submit(command.Command{
			TargetID: id,
			Kind:     kind,
			Offer:    req.Offer,
			Reason:   req.Reason,
		})
		if err != nil {
			h.handleError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "negotiation_id": id, "command": kind})
	}
}

func (h *Handler) catalog(c *gin.Context) {
	agent, ok := mustAgent(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing participant token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"participant_id": h.deps.ParticipantID,
		"offers":         h.deps.Catalog.Offers(agent, h.deps.ParticipantID),
	})
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, command.ErrQueueFull):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, command.ErrInvalidCommand), errors.Is(err, engine.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case negotiation.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "negotiation not found"})
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
