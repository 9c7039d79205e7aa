package server

import (
	"net/http"

	"github.com/howard-nolan/llmgateway/internal/gatewayerr"
)

// statusFor maps a gatewayerr.Kind to the HTTP status the non-streaming
// admin/error JSON responses use. On /stream only the rate-limit check
// runs before the SSE writer sends its 200; validation, admission and
// every later failure are written as an error event into that stream
// and never reach statusFor.
func statusFor(err error) int {
	ge, ok := err.(*gatewayerr.Error)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ge.Kind {
	case gatewayerr.KindInvalidInput, gatewayerr.KindInvalidModel:
		return http.StatusBadRequest
	case gatewayerr.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case gatewayerr.KindPoolExhausted, gatewayerr.KindUserConnectionLimit,
		gatewayerr.KindCircuitOpen, gatewayerr.KindAllProvidersDown,
		gatewayerr.KindServiceOverloaded, gatewayerr.KindQueueFull:
		return http.StatusServiceUnavailable
	case gatewayerr.KindStreamingTimeout:
		return http.StatusGatewayTimeout
	case gatewayerr.KindProviderNotAvailable, gatewayerr.KindProviderAuth,
		gatewayerr.KindProviderAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
