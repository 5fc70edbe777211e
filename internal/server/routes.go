package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/harmony/internal/herrors"
	"github.com/ternarybob/harmony/internal/models"
	"github.com/ternarybob/harmony/internal/orchestrator"
	"github.com/ternarybob/harmony/internal/scheduler"
)

// setupRoutes configures every HTTP route the Work Orchestration Core
// exposes: the worker-facing dispatch/completion contract (spec.md §6), job
// submission and inspection, and the operational endpoints (/health,
// /metrics).
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/work/", s.handleWorkRoutes) // GET /api/work/{serviceID}, PUT /api/work/{itemID}

	mux.HandleFunc("/api/jobs", s.handleJobsCollection) // POST create
	mux.HandleFunc("/api/jobs/", s.handleJobItem)       // GET/POST /{jobID}, /{jobID}/cancel

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/shutdown", s.ShutdownHandler) // graceful shutdown endpoint (dev mode)
	if s.app.Metrics != nil {
		mux.Handle("/metrics", s.app.Metrics.Handler())
	}

	mux.HandleFunc("/api/", s.handleNotFound)

	return mux
}

// handleWorkRoutes dispatches the two worker-facing endpoints:
//
//	GET /api/work/{serviceID}  -> GetWork
//	PUT /api/work/{itemID}     -> UpdateWorkItem (CompleteWorkItem)
func (s *Server) handleWorkRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/work/")
	if path == "" {
		http.Error(w, "missing service id or work item id", http.StatusBadRequest)
		return
	}

	RouteByMethod(w, r, MethodRouter{
		http.MethodGet: func(w http.ResponseWriter, r *http.Request) { s.getWork(w, r, path) },
		http.MethodPut: func(w http.ResponseWriter, r *http.Request) { s.updateWorkItem(w, r, path) },
	})
}

// workItemResponse is the wire shape of a dispatched WorkItem (spec.md §6
// GetWork 200 response).
type workItemResponse struct {
	ID                  int64   `json:"id"`
	JobID               string  `json:"jobId"`
	WorkflowStepIndex    int     `json:"workflowStepIndex"`
	ServiceID            string  `json:"serviceId"`
	ScrollID             *string `json:"scrollId,omitempty"`
	StacCatalogLocation  *string `json:"stacCatalogLocation,omitempty"`
	MaxCmrGranules       int     `json:"maxCmrGranules,omitempty"`
}

func (s *Server) getWork(w http.ResponseWriter, r *http.Request, serviceID string) {
	item, err := s.app.Scheduler.GetWork(r.Context(), serviceID)
	if err != nil {
		if errors.Is(err, scheduler.ErrNoWork) {
			http.Error(w, "no work available", http.StatusNotFound)
			return
		}
		writeClassifiedError(w, s.app.Logger, err)
		return
	}

	resp := workItemResponse{
		ID:                  item.ID,
		JobID:               item.JobID,
		WorkflowStepIndex:   item.WorkflowStepIndex,
		ServiceID:           item.ServiceID,
		ScrollID:            item.ScrollID,
		StacCatalogLocation: item.StacCatalogLocation,
	}
	if item.WorkflowStepIndex == 1 {
		if job, err := s.app.Store.GetJob(r.Context(), item.JobID); err == nil {
			budget, err := s.app.Orchestrator.RemainingGranuleBudget(r.Context(), job.JobID, 0)
			if err == nil {
				resp.MaxCmrGranules = budget
				if pageSize := s.app.Config.Limits.CmrMaxPageSize; pageSize > 0 && pageSize < resp.MaxCmrGranules {
					resp.MaxCmrGranules = pageSize
				}
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// updateWorkItemRequest is the wire shape of a worker's completion report
// (spec.md §6 UpdateWorkItem request body).
type updateWorkItemRequest struct {
	Status   models.WorkItemStatus `json:"status"`
	Results  []string              `json:"results,omitempty"`
	ScrollID *string               `json:"scrollId,omitempty"`
	Message  *string               `json:"message,omitempty"`
}

func (s *Server) updateWorkItem(w http.ResponseWriter, r *http.Request, idStr string) {
	itemID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid work item id", http.StatusBadRequest)
		return
	}

	var req updateWorkItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err = s.app.Orchestrator.CompleteWorkItem(r.Context(), itemID, orchestrator.WorkItemUpdate{
		Status:   req.Status,
		Results:  req.Results,
		ScrollID: req.ScrollID,
		Message:  req.Message,
	})
	if err != nil {
		if errors.Is(err, herrors.ErrConflict) || herrors.ClassOf(err) == herrors.ClassConflict {
			http.Error(w, "conflict: work item is no longer running or its job is terminal", http.StatusConflict)
			return
		}
		writeClassifiedError(w, s.app.Logger, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// createJobRequest is the wire shape of a job submission (spec.md §6
// CreateJob request body).
type createJobRequest struct {
	Username             string                    `json:"username"`
	NumInputGranules     int                       `json:"numInputGranules"`
	IgnoreErrors         bool                      `json:"ignoreErrors"`
	IsAsync              bool                      `json:"isAsync"`
	GranuleCapPerService int                       `json:"granuleCapPerService"`
	Chain                []createJobRequestChainStep `json:"chain"`
}

type createJobRequestChainStep struct {
	ServiceID           string `json:"serviceId"`
	HasAggregatedOutput bool   `json:"hasAggregatedOutput"`
}

type jobResponse struct {
	JobID            string           `json:"jobId"`
	Username         string           `json:"username"`
	Status           models.JobStatus `json:"status"`
	Progress         int              `json:"progress"`
	Message          string           `json:"message,omitempty"`
	NumInputGranules int              `json:"numInputGranules"`
	FailedItems      int              `json:"failedItems"`
	GranulesProduced int              `json:"granulesProduced"`
	Links            []linkResponse   `json:"links,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

type linkResponse struct {
	Href  string `json:"href"`
	Title string `json:"title,omitempty"`
	Type  string `json:"type,omitempty"`
}

func toJobResponse(job *models.Job) jobResponse {
	links := make([]linkResponse, 0, len(job.Links))
	for _, l := range job.Links {
		links = append(links, linkResponse{Href: l.Href, Title: l.Title, Type: l.Type})
	}
	return jobResponse{
		JobID:            job.JobID,
		Username:         job.Username,
		Status:           job.Status,
		Progress:         job.Progress,
		Message:          job.Message,
		NumInputGranules: job.NumInputGranules,
		FailedItems:      job.FailedItems,
		GranulesProduced: job.GranulesProduced,
		Links:            links,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
	}
}

func (s *Server) handleJobsCollection(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, nil, s.createJob)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	chain := make([]orchestrator.ServiceChainStep, len(req.Chain))
	for i, c := range req.Chain {
		chain[i] = orchestrator.ServiceChainStep{ServiceID: c.ServiceID, HasAggregatedOutput: c.HasAggregatedOutput}
	}

	job, err := s.app.Orchestrator.CreateJob(r.Context(), orchestrator.CreateJobRequest{
		Username:             req.Username,
		NumInputGranules:     req.NumInputGranules,
		IgnoreErrors:         req.IgnoreErrors,
		IsAsync:              req.IsAsync,
		GranuleCapPerService: req.GranuleCapPerService,
		Chain:                chain,
	})
	if err != nil {
		writeClassifiedError(w, s.app.Logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

// handleJobItem routes /api/jobs/{jobID} (GET) and /api/jobs/{jobID}/cancel
// (POST), using RouteByPathSuffix to recognize the /cancel sub-route before
// falling back to plain job lookup.
func (s *Server) handleJobItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if path == "" {
		http.Error(w, "missing job id", http.StatusBadRequest)
		return
	}

	matched := RouteByPathSuffix(w, r, "/api/jobs/", []PathSuffixRouter{
		{Suffix: "/cancel", Handler: func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			jobID, _ := strings.CutSuffix(path, "/cancel")
			s.cancelJob(w, r, jobID)
		}},
	})
	if matched {
		return
	}

	RouteResourceItem(w, r, func(w http.ResponseWriter, r *http.Request) { s.getJob(w, r, path) }, nil, nil)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.app.Store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, herrors.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeClassifiedError(w, s.app.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	err := s.app.Orchestrator.CancelJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, herrors.ErrConflict) || herrors.ClassOf(err) == herrors.ClassConflict {
			http.Error(w, "conflict: job already reached a terminal state", http.StatusConflict)
			return
		}
		writeClassifiedError(w, s.app.Logger, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "not found", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
