package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/livinlefevreloca/digestd/internal/archive"
	"github.com/livinlefevreloca/digestd/internal/db"
	"github.com/livinlefevreloca/digestd/internal/delivery"
	"github.com/livinlefevreloca/digestd/internal/ledger"
	"github.com/livinlefevreloca/digestd/internal/pipeline"
	"github.com/livinlefevreloca/digestd/internal/scheduler"
)

// runView is the JSON shape of a run record
type runView struct {
	Key             string                 `json:"key"`
	RunID           string                 `json:"run_id"`
	ConfigurationID string                 `json:"configuration_id"`
	ScheduledAt     time.Time              `json:"scheduled_at"`
	State           ledger.State           `json:"state"`
	Warnings        bool                   `json:"warnings"`
	Attempt         int                    `json:"attempt"`
	Trigger         ledger.Trigger         `json:"trigger"`
	ClaimedAt       time.Time              `json:"claimed_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	Error           string                 `json:"error,omitempty"`
	ActivityCount   int                    `json:"activity_count"`
	Deliveries      []ledger.TargetOutcome `json:"deliveries"`
}

func newRunView(run *ledger.Run) *runView {
	if run == nil {
		return nil
	}
	deliveries := run.Deliveries
	if deliveries == nil {
		deliveries = []ledger.TargetOutcome{}
	}
	return &runView{
		Key:             run.Key,
		RunID:           run.RunID,
		ConfigurationID: run.ConfigurationID,
		ScheduledAt:     run.ScheduledAt.UTC(),
		State:           run.State,
		Warnings:        run.HasWarnings(),
		Attempt:         run.Attempt,
		Trigger:         run.Trigger,
		ClaimedAt:       run.ClaimedAt.UTC(),
		CompletedAt:     run.CompletedAt,
		Error:           run.ErrorDetail,
		ActivityCount:   run.ActivityCount,
		Deliveries:      deliveries,
	}
}

type triggerResponse struct {
	Outcome    string   `json:"outcome"`
	Suppressed bool     `json:"suppressed,omitempty"`
	Error      string   `json:"error,omitempty"`
	Run        *runView `json:"run,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleTrigger runs a configuration now and answers once the run is done
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := s.deps.Scheduler.Trigger(r.Context(), id)
	var cfgErr *pipeline.ConfigurationError
	switch {
	case errors.Is(err, scheduler.ErrUnknownConfiguration):
		s.writeError(w, r, http.StatusNotFound, err)
		return
	case errors.As(err, &cfgErr):
		s.writeError(w, r, http.StatusUnprocessableEntity, err)
		return
	case err != nil:
		s.logger.Error("trigger failed", "configuration_id", id, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	resp := triggerResponse{
		Outcome: res.Outcome.String(),
		Run:     newRunView(res.Run),
	}
	if res.Outcome != ledger.ClaimAcquired {
		s.writeJSON(w, r, http.StatusConflict, resp)
		return
	}

	if res.Result != nil {
		resp.Suppressed = res.Result.Suppressed
		var partial *delivery.PartialDeliveryError
		if res.Result.Err != nil && !errors.As(res.Result.Err, &partial) {
			resp.Error = res.Result.Err.Error()
		}
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.Get(r.Context(), chi.URLParam(r, "key"))
	if errors.Is(err, db.ErrNotFound) {
		s.writeError(w, r, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, newRunView(run))
}

func (s *Server) handleRecentRuns(w http.ResponseWriter, r *http.Request) {
	limit := s.config.DefaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, s.config.MaxRunLimit)
	}

	runs, err := s.deps.Runs.Recent(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	views := make([]*runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, newRunView(run))
	}
	s.writeJSON(w, r, http.StatusOK, views)
}

func (s *Server) handleRunDigest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		s.writeError(w, r, http.StatusNotFound, errors.New("digest archive disabled"))
		return
	}
	entry, err := s.deps.Archive.Get(r.Context(), chi.URLParam(r, "key"))
	s.writeEntry(w, r, entry, err)
}

func (s *Server) handleLatestDigest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		s.writeError(w, r, http.StatusNotFound, errors.New("digest archive disabled"))
		return
	}
	entry, err := s.deps.Archive.Latest(r.Context(), chi.URLParam(r, "id"))
	s.writeEntry(w, r, entry, err)
}

// writeEntry answers with the markdown body when the client asks for it
func (s *Server) writeEntry(w http.ResponseWriter, r *http.Request, entry *archive.Entry, err error) {
	if errors.Is(err, archive.ErrNotFound) {
		s.writeError(w, r, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, r, http.StatusBadGateway, err)
		return
	}
	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(entry.Markdown))
		return
	}
	s.writeJSON(w, r, http.StatusOK, entry)
}

// handleHealth is 200 only while the loop runs and no configuration crossed
// the failure threshold
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Scheduler.Health(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, err)
		return
	}

	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	if report.Failing == nil {
		report.Failing = []scheduler.ConfigurationHealth{}
	}
	if report.Invalid == nil {
		report.Invalid = []scheduler.InvalidConfiguration{}
	}
	s.writeJSON(w, r, status, report)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WarnContext(r.Context(), "failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	s.writeJSON(w, r, status, errorResponse{Error: err.Error()})
}
