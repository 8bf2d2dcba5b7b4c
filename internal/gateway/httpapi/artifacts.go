package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jkaninda/nyumba/internal/artifact"
)

// handleArtifactDownload serves GET /reports/{report_id}/artifacts/{filename}.
//
// Both path segments pass the store's strict identifier validation before
// any filesystem access; the resolved path is additionally confirmed to
// sit under the store's base directory. Responses carry headers that stop
// browsers from executing or reinterpreting the content.
func (g *Gateway) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	reportID, filename, ok := artifactPathSegments(r.URL.Path)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}

	path, contentType, err := g.artifacts.Retrieve(reportID, filename)
	if err != nil {
		var invalid *artifact.InvalidNameError
		switch {
		case errors.As(err, &invalid):
			writeJSONError(w, http.StatusBadRequest, "invalid artifact path")
		case errors.Is(err, artifact.ErrNotFound):
			writeJSONError(w, http.StatusNotFound, "artifact not found")
		default:
			g.logger.Error("artifact retrieval",
				slog.String("report", reportID),
				slog.String("file", filename),
				slog.String("error", err.Error()),
			)
			writeJSONError(w, http.StatusNotFound, "artifact not found")
		}
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "sandbox")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filename))
	w.Header().Set("Cache-Control", "private, max-age=60")

	http.ServeFile(w, r, path)
}

// artifactPathSegments splits /reports/{report_id}/artifacts/{filename}.
// The segments are extracted from the raw path rather than router
// parameters so the identifier checks see exactly what the client sent.
func artifactPathSegments(path string) (reportID, filename string, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 4 || parts[0] != "reports" || parts[2] != "artifacts" {
		return "", "", false
	}
	if parts[1] == "" || parts[3] == "" {
		return "", "", false
	}
	return parts[1], parts[3], true
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: msg})
}
