package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/KevinKickass/OpenLabCore/internal/types"
)

var kindStatus = map[types.Kind]int{
	types.KindUnknownDevice:      http.StatusNotFound,
	types.KindUnknownCapability:  http.StatusNotFound,
	types.KindInvalidArgument:    http.StatusBadRequest,
	types.KindEncoding:           http.StatusBadRequest,
	types.KindDeviceReported:     http.StatusUnprocessableEntity,
	types.KindDecoding:           http.StatusBadGateway,
	types.KindTimeout:            http.StatusGatewayTimeout,
	types.KindAddressUnavailable: http.StatusServiceUnavailable,
	types.KindDeviceUnavailable:  http.StatusServiceUnavailable,
	types.KindInitialization:     http.StatusServiceUnavailable,
}

// StatusOf maps an error kind to its HTTP status.
func StatusOf(kind types.Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// abortWithError writes the error envelope with the kind as code. Argument
// and device errors carry their structured details.
func abortWithError(c *gin.Context, err error) {
	kind := types.KindOf(err)

	var details any
	var argErr *types.ArgumentError
	var devErr *types.DeviceError
	switch {
	case errors.As(err, &argErr):
		details = gin.H{"capability": argErr.Capability, "argument": argErr.Argument, "reason": argErr.Reason}
	case errors.As(err, &devErr):
		details = gin.H{"device_code": devErr.Code, "device_message": devErr.Message}
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(StatusOf(kind), types.NewErrorResponse(string(kind), err.Error(), details))
}
