// Package httpadapter exposes scan admission, cancellation and polling over
// HTTP. Callers are authenticated upstream; the gateway forwards the user id
// and role in X-User-ID and X-User-Role.
package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"brandwatch/internal/domain"
	"brandwatch/internal/ports"
	"brandwatch/internal/services/scanner"
	"brandwatch/internal/workers/scanrunner"
)

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	scanner ports.Scanner
	threats ports.ThreatRepository
	jobs    ports.JobRepository
	exec    scanrunner.Executor
	health  Pinger
	logger  *slog.Logger
}

func New(scanner ports.Scanner, threats ports.ThreatRepository, jobs ports.JobRepository, exec scanrunner.Executor, health Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{scanner: scanner, threats: threats, jobs: jobs, exec: exec, health: health, logger: logger}
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.healthz)
	r.Post("/brands/{brandID}/scans", s.requestScan)
	r.Get("/brands/{brandID}/threats", s.listThreats)
	r.Get("/scans/{scanID}", s.getScan)
	r.Post("/scans/{scanID}/cancel", s.cancelScan)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"took", time.Since(start), "request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type scanRequest struct {
	ScanType domain.ScanType `json:"scan_type"`
}

type acceptedResponse struct {
	ScanID string `json:"scan_id"`
	JobID  string `json:"job_id"`
}

type scanResponse struct {
	ID              string     `json:"id"`
	BrandID         string     `json:"brand_id"`
	Type            string     `json:"scan_type"`
	Status          string     `json:"status"`
	CurrentStep     string     `json:"current_step"`
	StepProgress    int        `json:"step_progress"`
	StepTotal       int        `json:"step_total"`
	OverallProgress int        `json:"overall_progress"`
	DomainsChecked  int        `json:"domains_checked"`
	PagesScanned    int        `json:"pages_scanned"`
	ThreatsFound    int        `json:"threats_found"`
	RetryCount      int        `json:"retry_count"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

func toScanResponse(sc domain.Scan) scanResponse {
	return scanResponse{
		ID:              sc.ID,
		BrandID:         sc.BrandID,
		Type:            string(sc.Type),
		Status:          string(sc.Status),
		CurrentStep:     string(sc.CurrentStep),
		StepProgress:    sc.StepProgress,
		StepTotal:       sc.StepTotal,
		OverallProgress: sc.OverallProgress,
		DomainsChecked:  sc.DomainsChecked,
		PagesScanned:    sc.PagesScanned,
		ThreatsFound:    sc.ThreatsFound,
		RetryCount:      sc.RetryCount,
		Error:           sc.Error,
		CreatedAt:       sc.CreatedAt,
		StartedAt:       sc.StartedAt,
		FinishedAt:      sc.FinishedAt,
	}
}

func (s *Server) requestScan(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "UNAUTHENTICATED"})
		return
	}
	req := scanRequest{ScanType: domain.ScanFull}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "INVALID_BODY", "message": err.Error()})
			return
		}
	}
	if req.ScanType == domain.ScanAutomated {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "INVALID_SCAN_TYPE", "message": "automated scans are scheduled internally"})
		return
	}
	by := domain.Requester{UserID: userID, Role: domain.Role(r.Header.Get("X-User-Role")), Trigger: domain.TriggerManual}
	if by.Role == "" {
		by.Role = domain.RoleUser
	}

	scanID, jobID, err := s.scanner.RequestScan(r.Context(), chi.URLParam(r, "brandID"), req.ScanType, by)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// blocking path for tests and tooling
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait && s.exec != nil {
		timeout := 30 * time.Second
		if v, err := strconv.Atoi(r.URL.Query().Get("timeout")); err == nil && v > 0 {
			timeout = time.Duration(v) * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		err := scanrunner.ProcessInline(ctx, s.jobs, s.exec, scanID)
		// a background worker claimed it first
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusAccepted, acceptedResponse{ScanID: scanID, JobID: jobID})
			return
		}
		sc, serr := s.scanner.Status(context.WithoutCancel(ctx), scanID)
		if serr != nil {
			s.writeError(w, serr)
			return
		}
		writeJSON(w, http.StatusOK, toScanResponse(sc))
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ScanID: scanID, JobID: jobID})
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	sc, err := s.scanner.Status(r.Context(), chi.URLParam(r, "scanID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScanResponse(sc))
}

func (s *Server) cancelScan(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanID")
	if err := s.scanner.CancelScan(r.Context(), scanID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scan_id": scanID, "status": domain.StatusCancelled})
}

type threatResponse struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Status      string    `json:"status"`
	Source      string    `json:"source"`
	EvidenceRef *string   `json:"evidence_ref,omitempty"`
	DetectedAt  time.Time `json:"detected_at"`
}

func (s *Server) listThreats(w http.ResponseWriter, r *http.Request) {
	threats, err := s.threats.ListThreats(r.Context(), chi.URLParam(r, "brandID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]threatResponse, 0, len(threats))
	for _, t := range threats {
		out = append(out, threatResponse{
			ID:          t.ID,
			Type:        t.Type,
			Severity:    string(t.Severity),
			Status:      string(t.Status),
			Source:      t.Source,
			EvidenceRef: t.EvidenceRef,
			DetectedAt:  t.DetectedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"threats": out})
}

type denialResponse struct {
	Error      string     `json:"error"`
	Message    string     `json:"message"`
	Tier       string     `json:"tier,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Used       int        `json:"used,omitempty"`
	ResetsAt   *time.Time `json:"resets_at,omitempty"`
	EligibleAt *time.Time `json:"eligible_at,omitempty"`
}

func denialStatus(r domain.DenyReason) int {
	switch r {
	case domain.DenyTierIneligible:
		return http.StatusForbidden
	case domain.DenyQuotaExceeded:
		return http.StatusTooManyRequests
	}
	return http.StatusConflict
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if d, ok := domain.AsDenial(err); ok {
		resp := denialResponse{Error: string(d.Reason), Message: d.Error(), Tier: d.Tier}
		if d.Reason == domain.DenyQuotaExceeded {
			resp.Limit, resp.Used, resp.ResetsAt = d.Limit, d.Used, &d.ResetsAt
		}
		if d.Reason == domain.DenyNotDue {
			resp.EligibleAt = &d.EligibleAt
		}
		writeJSON(w, denialStatus(d.Reason), resp)
		return
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "NOT_FOUND"})
	case errors.Is(err, domain.ErrNotCancellable):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "NOT_CANCELLABLE"})
	case errors.Is(err, scanner.ErrInvalidScanType):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "INVALID_SCAN_TYPE", "message": err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "INTERNAL"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
