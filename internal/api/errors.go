package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
)

var errBadRequest = errors.New("bad request")

// statusOf 核心错误到 HTTP 状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, bluetooth.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, bluetooth.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bluetooth.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, bluetooth.ErrAdapterClosed), errors.Is(err, bluetooth.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, bluetooth.ErrNotifyRejected), errors.Is(err, bluetooth.ErrOperationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{"error": err.Error()})
}
