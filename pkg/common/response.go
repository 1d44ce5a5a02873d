package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/richxcame/ride-dispatch/pkg/logger"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorInfo contains error details. CorrelationID echoes the request's
// X-Request-ID so a failed confirm can be traced in the logs.
type ErrorInfo struct {
	Code          int    `json:"code"`
	ErrorCode     string `json:"error_code,omitempty"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Meta describes a list payload
type Meta struct {
	Total int64 `json:"total"`
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

// SuccessResponseWithMeta sends a successful list response
func SuccessResponseWithMeta(c *gin.Context, data interface{}, meta *Meta) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
		Meta:    meta,
	})
}

// CreatedResponse sends a created response
func CreatedResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Success: true,
		Data:    data,
	})
}

// ErrorResponse sends an error response
func ErrorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:          statusCode,
			Message:       message,
			CorrelationID: correlationID(c),
		},
	})
}

// AppErrorResponse sends an AppError response
func AppErrorResponse(c *gin.Context, err *AppError) {
	c.JSON(err.Code, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:          err.Code,
			ErrorCode:     err.ErrorCode,
			Message:       err.Message,
			CorrelationID: correlationID(c),
		},
	})
}

func correlationID(c *gin.Context) string {
	if c.Request == nil {
		return ""
	}
	return logger.CorrelationIDFromContext(c.Request.Context())
}
