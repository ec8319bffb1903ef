package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"

	"conclave/api/internal/auth"
	"conclave/api/internal/consensus"
	"conclave/api/internal/gitrepo"
	"conclave/api/internal/permission"
	"conclave/api/internal/statedb"
	"conclave/api/internal/stream"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// forbidden turns a policy denial into a 403 carrying the reason and the
// inputs that produced it.
func forbidden(decision permission.Decision) *DomainError {
	details := map[string]any{
		"reason": decision.Reason,
		"level":  decision.Permissions.Level,
		"source": decision.Permissions.Source,
	}
	if decision.Required != "" {
		details["required"] = decision.Required
	}
	if decision.Rule != nil {
		details["rule"] = decision.Rule.Pattern
	}
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", details)
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, gitrepo.ErrNotInitialized):
		return http.StatusConflict, "REPO_NOT_INITIALIZED", "Repository is not initialized", nil
	case errors.Is(err, gitrepo.ErrStaleBuffer):
		return http.StatusConflict, "STALE_BUFFER", "Report is not for the current buffer tip", nil
	case errors.Is(err, gitrepo.ErrPromotionDiverged):
		return http.StatusConflict, "PROMOTION_DIVERGED", err.Error(), nil
	case errors.Is(err, gitrepo.ErrStreamClosed), errors.Is(err, stream.ErrTerminal):
		return http.StatusConflict, "STREAM_CLOSED", "Stream is not active", nil
	case errors.Is(err, gitrepo.ErrNoActiveStream):
		return http.StatusConflict, "NO_ACTIVE_STREAM", "Worktree has no active stream", nil
	case errors.Is(err, gitrepo.ErrNothingToCommit):
		return http.StatusUnprocessableEntity, "NOTHING_TO_COMMIT", "Nothing to commit", nil
	case errors.Is(err, gitrepo.ErrInvalidPath):
		return http.StatusUnprocessableEntity, "INVALID_PATH", err.Error(), nil
	case errors.Is(err, gitrepo.ErrStreamNotFound), errors.Is(err, statedb.ErrNotFound),
		errors.Is(err, sql.ErrNoRows), errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, consensus.ErrUnknownGovernance):
		return http.StatusInternalServerError, "GOVERNANCE_MISCONFIGURED", err.Error(), nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT", "Operation timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
