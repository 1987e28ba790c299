package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"hedge-core/pkg/errs"
	"hedge-core/pkg/i18n"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code        errs.Code         `json:"code"`
	Error       string            `json:"error"`
	Remediation string            `json:"remediation,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

func errorBody(e *errs.E) ErrorResponse {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	remediation := e.Remediation
	if remediation == errs.DefaultRemediation(e.Code) {
		remediation = i18n.Remediation(string(e.Code), remediation)
	}
	return ErrorResponse{
		Code:        e.Code,
		Error:       msg,
		Remediation: remediation,
		Details:     e.Details,
	}
}

// respondError renders err with the status of its code. Errors without a
// code are reported as internal.
func respondError(c *gin.Context, err error) {
	e, ok := errs.As(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			e = errs.New(errs.CodeExchangeTimeout, errs.WithMessage("request timed out"), errs.WithCause(err))
		} else {
			e = errs.New(errs.CodeInternal, errs.WithMessage(err.Error()), errs.WithCause(err))
		}
	}
	status := e.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", c.GetString(requestIDKey)).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, errorBody(e))
}

// badRequest reports a malformed body or query.
func badRequest(c *gin.Context, err error) {
	respondError(c, errs.New(errs.CodeInvalidParameter, errs.WithMessage(err.Error())))
}
