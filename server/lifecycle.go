package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/longmem/memory/lifecycle"
)

type lifecycleRunResponse struct {
	Users        int   `json:"users"`
	Expired      int   `json:"expired"`
	DecayUpdates int   `json:"decay_updates"`
	Embedded     int   `json:"embedded"`
	Merged       int   `json:"merged"`
	Conflicts    int   `json:"conflicts"`
	DurationMs   int64 `json:"duration_ms"`
}

// handleLifecycleRun triggers one maintenance pass across all users.
// The worker also runs on its own schedule; this exists for operators.
func (s *Server) handleLifecycleRun(c echo.Context) error {
	report, err := s.lifecycle.RunOnce(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "lifecycle run failed")
	}
	return c.JSON(http.StatusOK, &lifecycleRunResponse{
		Users:        report.Users,
		Expired:      report.Expired,
		DecayUpdates: report.DecayUpdates,
		Embedded:     report.Embedded,
		Merged:       report.Merged,
		Conflicts:    report.Conflicts,
		DurationMs:   report.Duration.Milliseconds(),
	})
}

// handleDecayRun recomputes decay weights for the caller's memories.
func (s *Server) handleDecayRun(c echo.Context) error {
	updated, err := s.lifecycle.RefreshDecay(c.Request().Context(), userIDFromContext(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "decay run failed")
	}
	return c.JSON(http.StatusOK, map[string]int{"updated": updated})
}

// handleConsolidateRun merges the caller's near-duplicate memories.
func (s *Server) handleConsolidateRun(c echo.Context) error {
	merged, err := s.lifecycle.ConsolidateUser(c.Request().Context(), userIDFromContext(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "consolidation run failed")
	}
	return c.JSON(http.StatusOK, map[string]int{"merged": merged})
}

// handleCleanupRun applies the TTL policy to the caller's memories.
func (s *Server) handleCleanupRun(c echo.Context) error {
	expired, err := s.lifecycle.ExpireUser(c.Request().Context(), userIDFromContext(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "cleanup run failed")
	}
	return c.JSON(http.StatusOK, map[string]int{"expired": expired})
}

func (s *Server) handleFulfillCommitment(c echo.Context) error {
	err := s.lifecycle.MarkCommitmentFulfilled(c.Request().Context(), userIDFromContext(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, lifecycle.ErrCommitmentNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "commitment not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to fulfill commitment")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "fulfilled"})
}
