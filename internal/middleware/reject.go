package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/camino-platform/gateway/internal/reqctx"
)

// Rejection error names surfaced to callers. The name doubles as the
// "error" field of the JSON body and maps one-to-one to a status code.
const (
	errUnauthorized       = "Unauthorized"
	errForbidden          = "Forbidden"
	errTooManyRequests    = "TooManyRequests"
	errServiceUnavailable = "ServiceUnavailable"
	errBadGateway         = "BadGateway"
	errUnknownService     = "UnknownService"
	errBadRequest         = "BadRequest"
)

// rejectionBody is the JSON error shape returned for every gateway-origin
// failure. Upstream-origin errors pass through verbatim instead.
type rejectionBody struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Service       string `json:"service"`
	CorrelationID string `json:"correlation_id"`
}

// writeRejection writes a security-headers-stamped JSON rejection. The
// correlation and trace headers are re-stamped so a caller can always
// tie the failure back to its logs.
func writeRejection(w http.ResponseWriter, rc *reqctx.RequestContext, status int, errName, message string) {
	h := w.Header()
	ApplySecurityHeaders(h, rc.Policy.SecurityHeaders)
	rc.Stamp(h)
	h.Set("Content-Type", "application/json")

	body, _ := json.Marshal(rejectionBody{
		Error:         errName,
		Message:       message,
		Service:       rc.Service,
		CorrelationID: rc.CorrelationID,
	})
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
