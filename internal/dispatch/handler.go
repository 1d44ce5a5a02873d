package dispatch

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/richxcame/ride-dispatch/internal/rides"
	"github.com/richxcame/ride-dispatch/pkg/common"
)

// Service is the part of Coordinator the HTTP layer uses
type Service interface {
	Offer(ctx context.Context, rideID uuid.UUID, candidates []string, ttl time.Duration) (*OfferResult, error)
	Acquire(ctx context.Context, rideID uuid.UUID, driverID string) (*rides.Ride, error)
	Confirm(ctx context.Context, rideID uuid.UUID, driverID string) (*rides.Ride, error)
	Release(ctx context.Context, rideID uuid.UUID, driverID string) error
	Redispatch(ctx context.Context, rideID uuid.UUID, actor, reason string) (*OfferResult, error)
}

// Handler handles HTTP requests for dispatch
type Handler struct {
	service Service
}

// NewHandler creates a new dispatch handler
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// OfferRequest is the body of POST /rides/:id/offer
type OfferRequest struct {
	Candidates []string `json:"candidates"`
	TTLSeconds int      `json:"ttl_seconds" binding:"omitempty,min=1,max=3600"`
}

// DriverRequest is the body of the acquire, confirm and release endpoints
type DriverRequest struct {
	DriverID string `json:"driver_id" binding:"required"`
}

// RedispatchRequest is the body of POST /rides/:id/redispatch
type RedispatchRequest struct {
	Actor  string `json:"actor" binding:"required"`
	Reason string `json:"reason"`
}

// DeliveryResponse reports one offer delivery
type DeliveryResponse struct {
	DriverID  string `json:"driver_id"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// OfferResponse is returned by the offer and redispatch endpoints
type OfferResponse struct {
	Ride       *rides.Ride        `json:"ride"`
	Candidates []string           `json:"candidates"`
	Skipped    []string           `json:"skipped,omitempty"`
	Deliveries []DeliveryResponse `json:"deliveries"`
}

// OfferRide broadcasts the ride to drivers
func (h *Handler) OfferRide(c *gin.Context) {
	rideID, ok := common.ParseUUIDParam(c, "id", "ride ID")
	if !ok {
		return
	}

	var req OfferRequest
	if !common.BindJSON(c, &req) {
		return
	}

	result, err := h.service.Offer(c.Request.Context(), rideID, req.Candidates, time.Duration(req.TTLSeconds)*time.Second)
	if common.HandleServiceError(c, rides.MapError(err), "failed to offer ride") {
		return
	}

	common.SuccessResponse(c, toOfferResponse(result))
}

// AcquireRide locks the ride for a driver
func (h *Handler) AcquireRide(c *gin.Context) {
	rideID, req, ok := bindDriverRequest(c)
	if !ok {
		return
	}

	ride, err := h.service.Acquire(c.Request.Context(), rideID, req.DriverID)
	if common.HandleServiceError(c, rides.MapError(err), "failed to acquire ride") {
		return
	}

	common.SuccessResponse(c, ride)
}

// ConfirmRide assigns the ride to a driver
func (h *Handler) ConfirmRide(c *gin.Context) {
	rideID, req, ok := bindDriverRequest(c)
	if !ok {
		return
	}

	ride, err := h.service.Confirm(c.Request.Context(), rideID, req.DriverID)
	if common.HandleServiceError(c, rides.MapError(err), "failed to confirm ride") {
		return
	}

	common.SuccessResponse(c, ride)
}

// ReleaseRide declines a ride the driver holds
func (h *Handler) ReleaseRide(c *gin.Context) {
	rideID, req, ok := bindDriverRequest(c)
	if !ok {
		return
	}

	err := h.service.Release(c.Request.Context(), rideID, req.DriverID)
	if common.HandleServiceError(c, rides.MapError(err), "failed to release ride") {
		return
	}

	common.SuccessResponse(c, gin.H{"released": true})
}

// RedispatchRide takes a ride from its driver and offers it again
func (h *Handler) RedispatchRide(c *gin.Context) {
	rideID, ok := common.ParseUUIDParam(c, "id", "ride ID")
	if !ok {
		return
	}

	var req RedispatchRequest
	if !common.BindJSON(c, &req) {
		return
	}

	result, err := h.service.Redispatch(c.Request.Context(), rideID, req.Actor, req.Reason)
	if common.HandleServiceError(c, rides.MapError(err), "failed to redispatch ride") {
		return
	}

	common.SuccessResponse(c, toOfferResponse(result))
}

// RegisterRoutes registers dispatch routes
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	dispatch := r.Group("/rides/:id")
	{
		dispatch.POST("/offer", h.OfferRide)
		dispatch.POST("/acquire", h.AcquireRide)
		dispatch.POST("/confirm", h.ConfirmRide)
		dispatch.POST("/release", h.ReleaseRide)
		dispatch.POST("/redispatch", h.RedispatchRide)
	}
}

func bindDriverRequest(c *gin.Context) (uuid.UUID, DriverRequest, bool) {
	var req DriverRequest
	rideID, ok := common.ParseUUIDParam(c, "id", "ride ID")
	if !ok {
		return uuid.Nil, req, false
	}
	if !common.BindJSON(c, &req) {
		return uuid.Nil, req, false
	}
	return rideID, req, true
}

func toOfferResponse(result *OfferResult) OfferResponse {
	resp := OfferResponse{
		Ride:       result.Ride,
		Candidates: result.Candidates,
		Skipped:    result.Skipped,
		Deliveries: make([]DeliveryResponse, 0, len(result.Deliveries)),
	}
	if resp.Candidates == nil {
		resp.Candidates = []string{}
	}
	for _, d := range result.Deliveries {
		dr := DeliveryResponse{DriverID: d.DriverID, Delivered: d.Delivered()}
		if d.Err != nil {
			dr.Error = d.Err.Error()
		}
		resp.Deliveries = append(resp.Deliveries, dr)
	}
	return resp
}
