// Package handlers implements the control plane's HTTP surface: decode
// request, call the core service, map its error to a status code, encode
// the response. Every handler but Healthz runs behind the auth middleware.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/sandboxctl/internal/events"
	"github.com/agentoven/sandboxctl/internal/metricsregistry"
	"github.com/agentoven/sandboxctl/internal/retention"
	"github.com/agentoven/sandboxctl/internal/run"
	"github.com/agentoven/sandboxctl/internal/store"
	"github.com/agentoven/sandboxctl/internal/workspace"
	"github.com/agentoven/sandboxctl/pkg/apierr"
	pkgmw "github.com/agentoven/sandboxctl/pkg/middleware"
	"github.com/agentoven/sandboxctl/pkg/models"
)

// Deps holds the core services the HTTP surface dispatches to. Every
// handler below is a method on *Deps so it can reach them without a
// package-level singleton.
type Deps struct {
	Store     store.Store
	Workspace *workspace.Service
	Run       *run.Service
	Retention *retention.Collector
	Metrics   *metricsregistry.Registry
}

// New constructs a Deps.
func New(s store.Store, ws *workspace.Service, rs *run.Service, ret *retention.Collector, mr *metricsregistry.Registry) *Deps {
	return &Deps{Store: s, Workspace: ws, Run: rs, Retention: ret, Metrics: mr}
}

const runsListLimit = 50

// Healthz is the one public, unauthenticated endpoint.
func Healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ── Projects ────────────────────────────────────────────────

func (d *Deps) ListProjects(w http.ResponseWriter, r *http.Request) {
	userID := pkgmw.GetUserID(r.Context())
	projects, err := d.Store.ListProjects(r.Context(), userID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"projects": projects})
}

type createProjectRequest struct {
	Name    string `json:"name"`
	RepoURL string `json:"repoUrl"`
}

func (d *Deps) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondAPIErr(w, apierr.New(apierr.InvalidInput, "invalid request body"))
		return
	}
	if req.Name == "" || req.RepoURL == "" {
		respondAPIErr(w, apierr.New(apierr.InvalidInput, "name and repoUrl are required"))
		return
	}

	project := &models.Project{
		ID:        uuid.New().String(),
		UserID:    pkgmw.GetUserID(r.Context()),
		Name:      req.Name,
		RepoURL:   req.RepoURL,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.Store.CreateProject(r.Context(), project); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"projectId": project.ID})
}

func (d *Deps) OpenProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	userID := pkgmw.GetUserID(r.Context())

	ws, err := d.Workspace.Open(r.Context(), userID, projectID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"workspaceId": ws.ID, "state": ws.State})
}

// ── Runs ────────────────────────────────────────────────────

type sendMessageRequest struct {
	Text string `json:"text"`
}

func (d *Deps) SendMessage(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	userID := pkgmw.GetUserID(r.Context())

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		respondAPIErr(w, apierr.New(apierr.InvalidInput, "text is required"))
		return
	}

	result, err := d.Run.Run(r.Context(), userID, projectID, req.Text)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"runId":     result.RunID,
		"finalText": result.FinalText,
		"diff":      result.Diff,
	})
}

func (d *Deps) StreamMessage(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	userID := pkgmw.GetUserID(r.Context())

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		respondAPIErr(w, apierr.New(apierr.InvalidInput, "text is required"))
		return
	}

	transport, err := events.NewSSETransport(w)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Headers are already on the wire at this point: a failure from here
	// on is reported as a terminal run-complete event, never as a status
	// code or JSON body.
	if err := d.Run.Stream(r.Context(), userID, projectID, req.Text, transport); err != nil {
		log.Warn().Err(err).Str("project_id", projectID).Msg("handlers: stream ended with error")
	}
}

func (d *Deps) ListRuns(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	userID := pkgmw.GetUserID(r.Context())

	project, err := d.Store.GetProject(r.Context(), projectID)
	if err != nil || project.UserID != userID {
		respondAPIErr(w, apierr.New(apierr.NotFound, "project not found"))
		return
	}

	runs, err := d.Store.ListRunsByProject(r.Context(), projectID, runsListLimit)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (d *Deps) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	userID := pkgmw.GetUserID(r.Context())

	runRow, err := d.Store.GetRun(r.Context(), runID)
	if err != nil || runRow.UserID != userID {
		respondAPIErr(w, apierr.New(apierr.NotFound, "run not found"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"run": runRow})
}

// ── Evidence ────────────────────────────────────────────────

func (d *Deps) GetEvidence(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	userID := pkgmw.GetUserID(r.Context())

	runRow, err := d.Store.GetRun(r.Context(), runID)
	if err != nil || runRow.UserID != userID {
		respondAPIErr(w, apierr.New(apierr.NotFound, "run not found"))
		return
	}

	bundle, err := d.Store.GetEvidenceBundleByRun(r.Context(), runID)
	if err != nil {
		respondAPIErr(w, apierr.New(apierr.NotFound, "evidence bundle not found"))
		return
	}

	switch bundle.Status {
	case models.BundlePending:
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
	case models.BundleReady:
		d.streamBundle(w, bundle)
	case models.BundleError:
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"status":  "error",
			"message": bundle.ErrorMessage,
		})
	default:
		respondAPIErr(w, apierr.New(apierr.NotFound, "evidence bundle not found"))
	}
}

func (d *Deps) streamBundle(w http.ResponseWriter, bundle *models.EvidenceBundle) {
	f, err := os.Open(bundle.BundlePath)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"status":  "error",
			"message": "evidence archive missing from disk",
		})
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+bundle.RunID+".zip\"")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		log.Warn().Err(err).Str("run_id", bundle.RunID).Msg("handlers: failed streaming evidence bundle")
	}
}

// ── Ops ─────────────────────────────────────────────────────

func (d *Deps) GetMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, d.Metrics.Snapshot())
}

func (d *Deps) RunGC(w http.ResponseWriter, r *http.Request) {
	workspacesDeleted := d.Retention.SweepWorkspaces(r.Context())
	evidenceDeleted := d.Retention.SweepEvidence(r.Context())
	respondJSON(w, http.StatusOK, map[string]int{
		"workspacesDeleted": workspacesDeleted,
		"evidenceDeleted":   evidenceDeleted,
	})
}

// ── Error mapping ───────────────────────────────────────────

// respondErr classifies a core service error per the error taxonomy and
// writes the matching status code and body.
func respondErr(w http.ResponseWriter, err error) {
	var notFound *store.ErrNotFound
	var sandboxFailure *workspace.SandboxFailure
	var cloneFailure *workspace.CloneFailure

	var apiErr *apierr.Error
	switch {
	case errors.As(err, &notFound):
		apiErr = apierr.Wrap(apierr.NotFound, err.Error(), err)
	case errors.Is(err, run.ErrQuotaExceeded):
		apiErr = apierr.Wrap(apierr.QuotaExceeded, err.Error(), err)
	case errors.Is(err, run.ErrNoWarmWorkspace):
		apiErr = apierr.Wrap(apierr.NoWarmWorkspace, err.Error(), err)
	case errors.As(err, &sandboxFailure):
		apiErr = apierr.Wrap(apierr.SandboxFailure, err.Error(), err)
	case errors.As(err, &cloneFailure):
		apiErr = apierr.Wrap(apierr.CloneFailure, err.Error(), err)
	default:
		apiErr = apierr.Wrap(apierr.Internal, err.Error(), err)
	}
	respondAPIErr(w, apiErr)
}

// respondAPIErr maps a taxonomy Kind to the HTTP status handlers report it
// under and writes the body. respondErr and the validation/lookup error
// paths go through here; the stream endpoint's setup failure and the
// evidence endpoint's pending and failed bodies write their status
// directly.
func respondAPIErr(w http.ResponseWriter, apiErr *apierr.Error) {
	var status int
	switch apiErr.Kind {
	case apierr.NotFound:
		status = http.StatusNotFound
	case apierr.Unauthorized:
		status = http.StatusUnauthorized
	case apierr.InvalidInput:
		status = http.StatusBadRequest
	case apierr.QuotaExceeded:
		status = http.StatusTooManyRequests
	case apierr.NoWarmWorkspace, apierr.SandboxFailure, apierr.CloneFailure:
		status = http.StatusConflict
	case apierr.AgentTimeout:
		status = http.StatusGatewayTimeout
	case apierr.AgentFailure, apierr.BundleFailure:
		status = http.StatusBadGateway
	case apierr.Canceled:
		status = 499
	default:
		status = http.StatusInternalServerError
	}
	respondError(w, status, apiErr.Message)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
