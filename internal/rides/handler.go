package rides

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/richxcame/ride-dispatch/internal/pricing"
	"github.com/richxcame/ride-dispatch/pkg/common"
)

// LifecycleService is the part of Engine the HTTP layer uses
type LifecycleService interface {
	Create(ctx context.Context, req CreateRequest) (*Ride, error)
	Get(ctx context.Context, rideID uuid.UUID) (*Ride, error)
	Transition(ctx context.Context, rideID uuid.UUID, action Action, actor string, input TransitionInput) (*Ride, error)
	RecordIssue(ctx context.Context, rideID uuid.UUID, input IssueInput) (*Ride, error)
	ResolveIssue(ctx context.Context, rideID, issueID uuid.UUID, resolution, actor string) (*Ride, error)
}

// Handler handles HTTP requests for the ride lifecycle
type Handler struct {
	service LifecycleService
}

// NewHandler creates a new rides handler
func NewHandler(service LifecycleService) *Handler {
	return &Handler{service: service}
}

// CreateRideRequest is the body of POST /rides
type CreateRideRequest struct {
	CreateRequest
	Actor string `json:"actor" binding:"required"`
}

// TransitionRequest is the body of POST /rides/:id/transitions. Dispatch
// actions go through the dispatch endpoints instead.
type TransitionRequest struct {
	Action     Action             `json:"action" binding:"required,oneof=approved enroute arrived finished cancelled"`
	Actor      string             `json:"actor" binding:"required"`
	Reason     string             `json:"reason"`
	Location   *Location          `json:"location"`
	TripUpdate *pricing.TripFacts `json:"trip_update"`
}

// ResolveIssueRequest is the body of POST /rides/:id/issues/:issueId/resolve
type ResolveIssueRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	Actor      string `json:"actor" binding:"required"`
}

// CreateRide creates a ride or a recurring template
func (h *Handler) CreateRide(c *gin.Context) {
	var req CreateRideRequest
	if !common.BindJSON(c, &req) {
		return
	}

	create := req.CreateRequest
	create.CreatedBy = req.Actor

	ride, err := h.service.Create(c.Request.Context(), create)
	if common.HandleServiceError(c, MapError(err), "failed to create ride") {
		return
	}

	common.CreatedResponse(c, ride)
}

// GetRide returns a ride by id
func (h *Handler) GetRide(c *gin.Context) {
	rideID, ok := common.ParseUUIDParam(c, "id", "ride ID")
	if !ok {
		return
	}

	ride, err := h.service.Get(c.Request.Context(), rideID)
	if common.HandleServiceError(c, MapError(err), "failed to get ride") {
		return
	}

	common.SuccessResponse(c, ride)
}

// TransitionRide applies a lifecycle action
func (h *Handler) TransitionRide(c *gin.Context) {
	rideID, ok := common.ParseUUIDParam(c, "id", "ride ID")
	if !ok {
		return
	}

	var req TransitionRequest
	if !common.BindJSON(c, &req) {
		return
	}

	ride, err := h.service.Transition(c.Request.Context(), rideID, req.Action, req.Actor, TransitionInput{
		Reason:     req.Reason,
		Location:   req.Location,
		TripUpdate: req.TripUpdate,
	})
	if common.HandleServiceError(c, MapError(err), "failed to transition ride") {
		return
	}

	common.SuccessResponse(c, ride)
}

// GetHistory returns the audit trail and timeline of a ride
func (h *Handler) GetHistory(c *gin.Context) {
	rideID, ok := common.ParseUUIDParam(c, "id", "ride ID")
	if !ok {
		return
	}

	ride, err := h.service.Get(c.Request.Context(), rideID)
	if common.HandleServiceError(c, MapError(err), "failed to get ride history") {
		return
	}

	common.SuccessResponseWithMeta(c, gin.H{
		"action_history":   ride.ActionHistory,
		"timeline":         ride.Timeline,
		"redispatch_count": ride.RedispatchCount(),
	}, &common.Meta{Total: int64(len(ride.ActionHistory))})
}

// RecordIssue reports an issue against a ride
func (h *Handler) RecordIssue(c *gin.Context) {
	rideID, ok := common.ParseUUIDParam(c, "id", "ride ID")
	if !ok {
		return
	}

	var req IssueInput
	if !common.BindJSON(c, &req) {
		return
	}

	ride, err := h.service.RecordIssue(c.Request.Context(), rideID, req)
	if common.HandleServiceError(c, MapError(err), "failed to record issue") {
		return
	}

	common.CreatedResponse(c, ride)
}

// ResolveIssue resolves an issue
func (h *Handler) ResolveIssue(c *gin.Context) {
	rideID, ok := common.ParseUUIDParam(c, "id", "ride ID")
	if !ok {
		return
	}
	issueID, ok := common.ParseUUIDParam(c, "issueId", "issue ID")
	if !ok {
		return
	}

	var req ResolveIssueRequest
	if !common.BindJSON(c, &req) {
		return
	}

	ride, err := h.service.ResolveIssue(c.Request.Context(), rideID, issueID, req.Resolution, req.Actor)
	if common.HandleServiceError(c, MapError(err), "failed to resolve issue") {
		return
	}

	common.SuccessResponse(c, ride)
}

// RegisterRoutes registers ride lifecycle routes
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	rides := r.Group("/rides")
	{
		rides.POST("", h.CreateRide)
		rides.GET("/:id", h.GetRide)
		rides.GET("/:id/history", h.GetHistory)
		rides.POST("/:id/transitions", h.TransitionRide)
		rides.POST("/:id/issues", h.RecordIssue)
		rides.POST("/:id/issues/:issueId/resolve", h.ResolveIssue)
	}
}

// MapError converts dispatch errors into AppErrors with the matching HTTP status.
// Unknown errors pass through unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	code := ErrorCode(err)
	switch code {
	case "not_found":
		return common.NewNotFoundError(err.Error(), err).WithErrorCode(code)
	case "validation_failed":
		return common.NewBadRequestError(err.Error(), err).WithErrorCode(code)
	case "invalid_transition", "recurrence_exhausted":
		return common.NewUnprocessableError(err.Error(), err).WithErrorCode(code)
	case "already_locked", "driver_busy", "version_conflict", "lock_expired":
		return common.NewConflictError(err.Error(), err).WithErrorCode(code)
	}
	return err
}
