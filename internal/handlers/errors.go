package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-gateway/internal/errs"
)

// respondError maps the gateway error taxonomy onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errs.IsValidation(err), errs.IsProtocol(err):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrAuthenticationFailed):
		status = http.StatusUnauthorized
	case errors.Is(err, errs.ErrAuthorizationDenied):
		status = http.StatusForbidden
	case errors.Is(err, errs.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errs.IsStore(err):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": errs.ClientMessage(err)})
}
