package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/nyumba/internal/storage"
)

func (g *Gateway) handleReportList(c *okapi.Context) error {
	limit := queryLimit(c.Request(), 50, 500)
	reports, err := g.store.Reports().List(c.Context(), limit)
	if err != nil {
		g.logger.Error("listing reports", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing reports failed")
	}
	return c.OK(reports)
}

func (g *Gateway) handleReportArtifacts(c *okapi.Context) error {
	id := c.Param("id")
	if _, err := g.store.Reports().Get(c.Context(), id); err != nil {
		if errors.Is(err, storage.ErrReportNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "report not found"})
		}
		g.logger.Error("loading report", slog.String("report", id), slog.String("error", err.Error()))
		return c.AbortInternalServerError("loading report failed")
	}

	artifacts, err := g.store.Reports().Artifacts(c.Context(), id)
	if err != nil {
		g.logger.Error("listing artifacts", slog.String("report", id), slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing artifacts failed")
	}
	return c.OK(artifacts)
}

// handleReportDelete removes a report's files and rows. Files go first:
// an orphaned row is rediscoverable, an orphaned file is not.
func (g *Gateway) handleReportDelete(c *okapi.Context) error {
	id := c.Param("id")
	if _, err := g.store.Reports().Get(c.Context(), id); err != nil {
		if errors.Is(err, storage.ErrReportNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "report not found"})
		}
		g.logger.Error("loading report", slog.String("report", id), slog.String("error", err.Error()))
		return c.AbortInternalServerError("loading report failed")
	}

	if g.artifacts != nil {
		if err := g.artifacts.DeleteReport(id); err != nil {
			g.logger.Error("deleting report files", slog.String("report", id), slog.String("error", err.Error()))
			return c.AbortInternalServerError("deleting report failed")
		}
	}
	if err := g.store.Reports().Delete(c.Context(), id); err != nil {
		g.logger.Error("deleting report rows", slog.String("report", id), slog.String("error", err.Error()))
		return c.AbortInternalServerError("deleting report failed")
	}

	g.logger.Info("report deleted", slog.String("report", id))
	return c.OK(map[string]string{"status": "deleted"})
}

func (g *Gateway) handleRunList(c *okapi.Context) error {
	limit := queryLimit(c.Request(), 50, 500)
	runs, err := g.store.Runs().List(c.Context(), limit)
	if err != nil {
		g.logger.Error("listing runs", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing runs failed")
	}
	return c.OK(runs)
}
