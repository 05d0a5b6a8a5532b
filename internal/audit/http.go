package audit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"chatwatch/internal/domain"
)

const maxRecentLimit = 500

// Handler serves recent dispatch records as JSON.
// Params: audit log; query parameter "limit" bounds rows (default 50).
// Returns: HTTP handler.
func Handler(log Log) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodGet {
			writer.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		limit := 50
		if raw := request.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				http.Error(writer, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = min(parsed, maxRecentLimit)
		}
		records, err := log.Recent(request.Context(), limit)
		if err != nil {
			http.Error(writer, err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []domain.DispatchRecord{}
		}
		writer.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(writer).Encode(records)
	})
}
