package autherr

import (
	"encoding/json"
	"net/http"

	"github.com/commercekit/storegate/pkg/logger"
)

// Response is the JSON body written for an auth failure.
type Response struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`

	// Detail is populated only outside production.
	Detail string `json:"detail,omitempty"`
}

// Responder writes auth errors as HTTP responses. Diagnostic detail is
// included only when the responder is created for a non-production
// environment.
type Responder struct {
	includeDetail bool
}

// NewResponder creates a Responder. Pass production=true to suppress
// diagnostic detail in responses.
func NewResponder(production bool) *Responder {
	return &Responder{includeDetail: !production}
}

// Write renders err as a JSON error response with the status fixed by its
// code. Non-taxonomy errors are rendered as ErrTokenInvalid.
func (r *Responder) Write(w http.ResponseWriter, err error) {
	code := CodeOf(err)
	if code == "" {
		code = ErrTokenInvalid
	}

	resp := Response{
		Code:      code,
		Message:   code.UserMessage(),
		Retryable: code.Retryable(),
	}
	if r.includeDetail {
		resp.Detail = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.Status())
	if encodeErr := json.NewEncoder(w).Encode(resp); encodeErr != nil {
		logger.Debugf("failed to encode error response: %v", encodeErr)
	}
}
