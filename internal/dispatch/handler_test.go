package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/richxcame/ride-dispatch/internal/rides"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) Offer(ctx context.Context, rideID uuid.UUID, candidates []string, ttl time.Duration) (*OfferResult, error) {
	args := m.Called(ctx, rideID, candidates, ttl)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*OfferResult), args.Error(1)
}

func (m *MockService) Acquire(ctx context.Context, rideID uuid.UUID, driverID string) (*rides.Ride, error) {
	args := m.Called(ctx, rideID, driverID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*rides.Ride), args.Error(1)
}

func (m *MockService) Confirm(ctx context.Context, rideID uuid.UUID, driverID string) (*rides.Ride, error) {
	args := m.Called(ctx, rideID, driverID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*rides.Ride), args.Error(1)
}

func (m *MockService) Release(ctx context.Context, rideID uuid.UUID, driverID string) error {
	args := m.Called(ctx, rideID, driverID)
	return args.Error(0)
}

func (m *MockService) Redispatch(ctx context.Context, rideID uuid.UUID, actor, reason string) (*OfferResult, error) {
	args := m.Called(ctx, rideID, actor, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*OfferResult), args.Error(1)
}

func setupRouter(service Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(service).RegisterRoutes(r)
	return r
}

func doRequest(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		bodyBytes, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(bodyBytes))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHandler_OfferRide(t *testing.T) {
	service := new(MockService)
	r := setupRouter(service)
	rideID := uuid.New()

	service.On("Offer", mock.Anything, rideID, []string{"driver-a", "driver-b"}, 30*time.Second).Return(&OfferResult{
		Ride:       &rides.Ride{ID: rideID, Status: rides.StatusSent},
		Candidates: []string{"driver-a", "driver-b"},
		Deliveries: []Delivery{{DriverID: "driver-a"}, {DriverID: "driver-b", Err: errors.New("timeout")}},
	}, nil)

	w := doRequest(r, http.MethodPost, fmt.Sprintf("/rides/%s/offer", rideID), map[string]interface{}{
		"candidates":  []string{"driver-a", "driver-b"},
		"ttl_seconds": 30,
	})

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeResponse(t, w)["data"].(map[string]interface{})
	deliveries := data["deliveries"].([]interface{})
	require.Len(t, deliveries, 2)
	second := deliveries[1].(map[string]interface{})
	assert.Equal(t, "driver-b", second["driver_id"])
	assert.Equal(t, false, second["delivered"])
	assert.Equal(t, "timeout", second["error"])
	service.AssertExpectations(t)
}

func TestHandler_OfferRide_InvalidTTL(t *testing.T) {
	service := new(MockService)
	r := setupRouter(service)

	w := doRequest(r, http.MethodPost, fmt.Sprintf("/rides/%s/offer", uuid.New()), map[string]interface{}{"ttl_seconds": -5})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	service.AssertNotCalled(t, "Offer", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandler_DriverEndpoints(t *testing.T) {
	rideID := uuid.New()
	locked := &rides.Ride{ID: rideID, Status: rides.StatusLocked}

	tests := []struct {
		name       string
		path       string
		method     string
		result     interface{}
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "acquire", path: "acquire", method: "Acquire", result: locked, wantStatus: http.StatusOK},
		{name: "acquire conflict", path: "acquire", method: "Acquire", err: rides.ErrAlreadyLocked, wantStatus: http.StatusConflict, wantCode: "already_locked"},
		{name: "acquire busy", path: "acquire", method: "Acquire", err: rides.ErrDriverBusy, wantStatus: http.StatusConflict, wantCode: "driver_busy"},
		{name: "confirm", path: "confirm", method: "Confirm", result: &rides.Ride{ID: rideID, Status: rides.StatusAssigned}, wantStatus: http.StatusOK},
		{name: "confirm expired", path: "confirm", method: "Confirm", err: rides.ErrLockExpired, wantStatus: http.StatusConflict, wantCode: "lock_expired"},
		{name: "confirm not found", path: "confirm", method: "Confirm", err: rides.ErrNotFound, wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{name: "release", path: "release", method: "Release", wantStatus: http.StatusOK},
		{name: "release store failure", path: "release", method: "Release", err: errors.New("redis down"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := new(MockService)
			r := setupRouter(service)

			call := service.On(tt.method, mock.Anything, rideID, "driver-a")
			if tt.method == "Release" {
				call.Return(tt.err)
			} else if tt.err != nil {
				call.Return(nil, tt.err)
			} else {
				call.Return(tt.result, nil)
			}

			w := doRequest(r, http.MethodPost, fmt.Sprintf("/rides/%s/%s", rideID, tt.path), map[string]string{"driver_id": "driver-a"})

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantCode != "" {
				resp := decodeResponse(t, w)
				assert.Equal(t, tt.wantCode, resp["error"].(map[string]interface{})["error_code"])
			}
			service.AssertExpectations(t)
		})
	}
}

func TestHandler_DriverEndpoints_MissingDriver(t *testing.T) {
	service := new(MockService)
	r := setupRouter(service)

	for _, path := range []string{"acquire", "confirm", "release"} {
		w := doRequest(r, http.MethodPost, fmt.Sprintf("/rides/%s/%s", uuid.New(), path), map[string]string{})
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
	assert.Empty(t, service.Calls)
}

func TestHandler_InvalidRideID(t *testing.T) {
	service := new(MockService)
	r := setupRouter(service)

	w := doRequest(r, http.MethodPost, "/rides/not-a-uuid/confirm", map[string]string{"driver_id": "driver-a"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_RedispatchRide(t *testing.T) {
	service := new(MockService)
	r := setupRouter(service)
	rideID := uuid.New()

	service.On("Redispatch", mock.Anything, rideID, "office", "driver not moving").Return(&OfferResult{
		Ride: &rides.Ride{ID: rideID, Status: rides.StatusSent},
	}, nil)

	w := doRequest(r, http.MethodPost, fmt.Sprintf("/rides/%s/redispatch", rideID), map[string]string{
		"actor":  "office",
		"reason": "driver not moving",
	})

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeResponse(t, w)["data"].(map[string]interface{})
	assert.Equal(t, []interface{}{}, data["candidates"])
	service.AssertExpectations(t)
}

func TestHandler_RedispatchRide_InvalidTransition(t *testing.T) {
	service := new(MockService)
	r := setupRouter(service)
	rideID := uuid.New()

	service.On("Redispatch", mock.Anything, rideID, "office", "").
		Return(nil, &rides.TransitionError{RideID: rideID, From: rides.StatusSent, Action: rides.ActionRedispatched})

	w := doRequest(r, http.MethodPost, fmt.Sprintf("/rides/%s/redispatch", rideID), map[string]string{"actor": "office"})

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
