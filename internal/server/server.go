// Package server exposes the edit pipeline over HTTP for host-side plugins.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/forPelevin/silencecut/internal/audit"
	"github.com/forPelevin/silencecut/internal/commit"
	"github.com/forPelevin/silencecut/internal/domain/linking"
	"github.com/forPelevin/silencecut/internal/domain/reconstruct"
	"github.com/forPelevin/silencecut/internal/otio"
	"github.com/forPelevin/silencecut/internal/types"
	"github.com/forPelevin/silencecut/internal/usecase"
)

const maxBody = 64 << 20

// RunLog lists audited runs. *audit.Store implements it.
type RunLog interface {
	Runs(ctx context.Context, limit int) ([]audit.Run, error)
	Instructions(ctx context.Context, runID string) ([]audit.Row, error)
}

type Options struct {
	// Analyze holds detection defaults for requests that ask for detection.
	Analyze usecase.AnalyzeInput
	Mode    types.Mode
	Runs    RunLog
	Logger  *slog.Logger
}

type Server struct {
	uc   usecase.Usecase
	opts Options
	log  *slog.Logger
}

func New(uc usecase.Usecase, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Mode == "" {
		opts.Mode = types.ModeRipple
	}
	return &Server{uc: uc, opts: opts, log: opts.Logger}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Post("/edits", s.handleEdits)
		r.Post("/reconstruct", s.handleReconstruct)
		r.Post("/commit", s.handleCommit)
		r.Get("/runs", s.handleRuns)
		r.Get("/runs/{runID}", s.handleRun)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

type editsRequest struct {
	Snapshot types.ProjectSnapshot `json:"snapshot"`
	Mode     types.Mode            `json:"mode,omitempty"`
	Unlinked bool                  `json:"unlinked,omitempty"`
	// Detect runs silence detection instead of trusting the snapshot's.
	Detect bool `json:"detect,omitempty"`
}

type editsResponse struct {
	Snapshot types.ProjectSnapshot   `json:"snapshot"`
	Stats    usecase.Stats           `json:"stats"`
	Grids    map[string]linking.Grid `json:"grids,omitempty"`
	RunID    string                  `json:"run_id,omitempty"`
}

func (s *Server) handleEdits(w http.ResponseWriter, r *http.Request) {
	var req editsRequest
	if !decode(w, r, &req) {
		return
	}
	mode, err := s.mode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.uc.Run(r.Context(), usecase.Input{
		Snapshot:    &req.Snapshot,
		Analyze:     s.opts.Analyze,
		SkipAnalyze: !req.Detect,
		Compute:     usecase.ComputeInput{Mode: mode, Unlinked: req.Unlinked},
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := editsResponse{Snapshot: res.Snapshot, Stats: res.Stats, Grids: res.Grids, RunID: res.RunID}
	writeJSON(w, http.StatusOK, resp)
}

type reconstructRequest struct {
	Snapshot types.ProjectSnapshot `json:"snapshot"`
	Document otio.Timeline         `json:"document"`
	Mode     types.Mode            `json:"mode,omitempty"`
	Detect   bool                  `json:"detect,omitempty"`
}

type reconstructResponse struct {
	Timeline otio.Timeline `json:"timeline"`
	Edited   int           `json:"edited"`
	Unedited int           `json:"unedited"`
	Aborted  []string      `json:"aborted,omitempty"`
	Stats    usecase.Stats `json:"stats"`
}

func (s *Server) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	var req reconstructRequest
	if !decode(w, r, &req) {
		return
	}
	mode, err := s.mode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.uc.Run(r.Context(), usecase.Input{
		Snapshot:    &req.Snapshot,
		Document:    &req.Document,
		Analyze:     s.opts.Analyze,
		SkipAnalyze: !req.Detect,
		Compute:     usecase.ComputeInput{Mode: mode},
		Reconstruct: true,
	})
	if res.Rebuilt == nil {
		s.fail(w, r, err)
		return
	}
	resp := reconstructResponse{
		Timeline: res.Rebuilt.Timeline,
		Edited:   res.Rebuilt.Edited,
		Unedited: res.Rebuilt.Unedited,
		Aborted:  res.Rebuilt.Aborted,
		Stats:    res.Stats,
	}
	code := http.StatusOK
	if err != nil {
		// Desynced groups are left out; the rest of the timeline is usable.
		if !errors.Is(err, reconstruct.ErrDesync) {
			s.fail(w, r, err)
			return
		}
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, resp)
}

type commitRequest struct {
	Snapshot types.ProjectSnapshot `json:"snapshot"`
	Mode     types.Mode            `json:"mode,omitempty"`
	Detect   bool                  `json:"detect,omitempty"`
}

type commitResponse struct {
	State    string        `json:"state"`
	Attempts int           `json:"attempts"`
	Appended int           `json:"appended"`
	Linked   int           `json:"linked"`
	Disabled int           `json:"disabled"`
	Message  string        `json:"message,omitempty"`
	Stats    usecase.Stats `json:"stats"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if !decode(w, r, &req) {
		return
	}
	mode, err := s.mode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.uc.Run(r.Context(), usecase.Input{
		Snapshot:    &req.Snapshot,
		Analyze:     s.opts.Analyze,
		SkipAnalyze: !req.Detect,
		Compute:     usecase.ComputeInput{Mode: mode},
		Commit:      true,
	})
	if res.Commit == nil {
		s.fail(w, r, err)
		return
	}
	c := res.Commit
	resp := commitResponse{
		State:    c.State.String(),
		Attempts: c.Attempts,
		Appended: c.Appended,
		Linked:   c.Linked,
		Disabled: c.Disabled,
		Message:  c.Message,
		Stats:    res.Stats,
	}
	if err != nil {
		s.log.Warn("commit failed", "err", err)
		writeJSON(w, status(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runs == nil {
		writeError(w, http.StatusNotFound, errors.New("audit log disabled"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.opts.Runs.Runs(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runs == nil {
		writeError(w, http.StatusNotFound, errors.New("audit log disabled"))
		return
	}
	id := chi.URLParam(r, "runID")
	rows, err := s.opts.Runs.Instructions(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("run %q has no instructions", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "instructions": rows})
}

func (s *Server) mode(m types.Mode) (types.Mode, error) {
	if m == "" {
		return s.opts.Mode, nil
	}
	return types.ParseMode(string(m))
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := status(err)
	if code >= 500 {
		s.log.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
	}
	writeError(w, code, err)
}

func status(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidSnapshot):
		return http.StatusBadRequest
	case errors.Is(err, commit.ErrInFlight):
		return http.StatusConflict
	case errors.Is(err, commit.ErrRetriesExhausted):
		return http.StatusBadGateway
	case errors.Is(err, reconstruct.ErrDesync):
		return http.StatusUnprocessableEntity
	case errors.Is(err, usecase.ErrMissingDep):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"dur", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
