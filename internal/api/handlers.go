package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/chapterbot/internal/updater"
)

type statusResponse struct {
	Cycle    updater.CycleStatus   `json:"cycle"`
	Throttle updater.ThrottleState `json:"throttle"`
	Blocked  bool                  `json:"blocked"`
}

// getStatus handles GET /v1/status.
func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	throttle := s.sched.ThrottleState()
	writeJSON(w, http.StatusOK, statusResponse{
		Cycle:    s.sched.Status(),
		Throttle: throttle,
		Blocked:  throttle.Blocked(s.clock.Now()),
	})
}

// triggerCycle handles POST /v1/cycles. It answers 202 when a cycle was
// started and 409 when one is already running.
func (s *Server) triggerCycle(w http.ResponseWriter, _ *http.Request) {
	if !s.sched.TriggerCycle() {
		writeError(w, http.StatusConflict, updater.ErrCycleRunning.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// forceStaleAll handles POST /v1/sources/stale. It returns {"reset": n} with
// 202, or 500 if the store call fails.
func (s *Server) forceStaleAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.sched.ForceStaleAll(r.Context())
	if err != nil {
		s.logger.Error("force stale failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to reset staleness")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"reset": n})
}

// checkSource handles POST /v1/sources/{source_id}/check. It returns the
// check result with 200, 404 for unknown sources, 409 while a cycle runs,
// 503 while the origin is blocked and 502 when the page could not be fetched
// or parsed.
func (s *Server) checkSource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "source_id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "source_id is required")
		return
	}
	res, err := s.sched.TriggerSingleSource(r.Context(), id)
	if err == nil {
		writeJSON(w, http.StatusOK, res)
		return
	}

	if blocked, ok := updater.IsBlocked(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(blocked.Remaining.Seconds()))))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	switch {
	case errors.Is(err, updater.ErrSourceNotFound):
		writeError(w, http.StatusNotFound, "source not found")
	case errors.Is(err, updater.ErrCycleRunning):
		writeError(w, http.StatusConflict, updater.ErrCycleRunning.Error())
	default:
		switch updater.KindOf(err) {
		case updater.KindNetwork, updater.KindParse, updater.KindResource:
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			s.logger.Error("manual check failed", zap.String("source_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "check failed")
		}
	}
}
