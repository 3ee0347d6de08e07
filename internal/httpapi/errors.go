package httpapi

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"tenantguard.org/internal/audit"
	"tenantguard.org/internal/rbac"
)

// HTTPStatus maps an engine error to a response status. Order matters: typed rule violations also
// match the generic sentinels.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, rbac.ErrPermissionCodeNotFound),
		errors.Is(err, rbac.ErrCycleDetected),
		errors.Is(err, rbac.ErrCrossTenantHierarchy),
		errors.Is(err, rbac.ErrCrossTenantAssignment),
		errors.Is(err, rbac.ErrHierarchyTooDeep):
		return http.StatusUnprocessableEntity
	case errors.Is(err, rbac.ErrLastAdminProtection),
		errors.Is(err, rbac.ErrRoleHasActiveChildren),
		errors.Is(err, rbac.ErrAssignmentInactive),
		errors.Is(err, rbac.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, rbac.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, rbac.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rbac.ErrTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func grpcCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, rbac.ErrPermissionCodeNotFound), errors.Is(err, rbac.ErrInvalidInput):
		return codes.InvalidArgument
	case errors.Is(err, rbac.ErrCycleDetected),
		errors.Is(err, rbac.ErrCrossTenantHierarchy),
		errors.Is(err, rbac.ErrCrossTenantAssignment),
		errors.Is(err, rbac.ErrHierarchyTooDeep),
		errors.Is(err, rbac.ErrLastAdminProtection),
		errors.Is(err, rbac.ErrRoleHasActiveChildren),
		errors.Is(err, rbac.ErrAssignmentInactive):
		return codes.FailedPrecondition
	case errors.Is(err, rbac.ErrConflict):
		return codes.AlreadyExists
	case errors.Is(err, rbac.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, rbac.ErrTransient):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// GRPCStatus maps an engine error to a gRPC status. Errors that already carry a status keep it;
// internal errors do not leak their message.
func GRPCStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	if s, ok := status.FromError(err); ok {
		return s
	}
	code := grpcCode(err)
	if code == codes.Internal {
		return status.New(code, "internal error")
	}
	return status.New(code, err.Error())
}

// WriteError renders err as a JSON error body with the mapped status.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	code := HTTPStatus(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	payload := map[string]any{"error": msg}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}
