package server

import (
	"errors"
	"net/http"

	km "github.com/eugener/palantir/internal"
)

// handleListTableData pages through the mined warehouse table backing the
// frontend's data grid.
func (s *server) handleListTableData(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 25)

	rows, err := s.deps.SQL.ListTableData(r.Context(), offset, limit)
	if err != nil {
		if errors.Is(err, km.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse("No table data were found"))
			return
		}
		writeServiceError(w, r, err)
		return
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, rows)
}
