package chatapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tickerchat/chat-core/internal/reqctx"
)

// HandleUsage serves GET /api/usage: the caller's usage records for a date
// range, defaulting to the last 30 days. The user is identified by the
// userId query parameter or the X-User-ID header.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.usage == nil {
		writeError(w, http.StatusServiceUnavailable, "usage_disabled", "usage logging is not configured")
		return
	}

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = reqctx.GetUserID(ctx)
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "userId is required")
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid 'from' date format (use RFC3339)")
			return
		}
	}

	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	records, err := h.usage.GetUsageByUser(ctx, userID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "usage_query_failed", "could not load usage records")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"userId":        userID,
		"totalRequests": len(records),
		"records":       records,
		"from":          from,
		"to":            to,
	})
}
