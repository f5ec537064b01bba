package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/vantyr/costgate/middleware"
	"github.com/vantyr/costgate/utils"
	"go.uber.org/zap"
)

// requireTenant extracts the tenant from the request context. Writes a 401
// and returns false when the context carries no tenant.
func requireTenant(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	tenantID := middleware.GetTenantIDFromContext(r.Context())
	if tenantID == uuid.Nil {
		logger.Error("missing tenant ID in context",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())))
		_ = utils.WriteUnauthorized(w, "Missing tenant information")
		return uuid.Nil, false
	}
	return tenantID, true
}

// decodeBody decodes the JSON request body into dst. Writes a 400 and
// returns false on malformed input.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}, logger *zap.Logger) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.Warn("failed to parse request body",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return false
	}
	return true
}

// parseUUIDParam parses a UUID path parameter already extracted by the
// router. Writes a 400 and returns false on a malformed value.
func parseUUIDParam(w http.ResponseWriter, raw, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid "+name+" format", nil)
		return uuid.Nil, false
	}
	return id, true
}
