package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/labforge/labforge/internal/db"
	"github.com/labforge/labforge/internal/jobs"
	"github.com/labforge/labforge/internal/provider"
)

// Server exposes the control plane's operations over HTTP. Request
// authentication is handled by an outer layer, not here.
type Server struct {
	store *db.Store
	orch  *jobs.Orchestrator
}

func New(store *db.Store, orch *jobs.Orchestrator) *Server {
	return &Server{store: store, orch: orch}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
	})

	r.Post("/labs", s.handleLabCreate)
	r.Get("/labs/{labID}", s.handleLabGet)
	r.Post("/labs/{labID}/jobs", s.handleJobSubmit)
	r.Get("/labs/{labID}/placements", s.handlePlacements)
	r.Get("/labs/{labID}/links", s.handleLinkStates)
	r.Put("/labs/{labID}/links/{linkName}/desired", s.handleLinkDesired)

	r.Get("/jobs/{jobID}", s.handleJobStatus)
	r.Post("/jobs/{jobID}/cancel", s.handleJobCancel)

	r.Get("/hosts", s.handleHostList)
	r.Get("/providers/{provider}/actions", s.handleProviderActions)

	r.Post("/webhooks", s.handleWebhookCreate)
	r.Get("/webhooks/{webhookID}/deliveries", s.handleWebhookDeliveries)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ERROR] Encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type labCreateRequest struct {
	Name         string `json:"name"`
	Provider     string `json:"provider"`
	WorkspaceDir string `json:"workspace_dir"`
}

func (s *Server) handleLabCreate(w http.ResponseWriter, r *http.Request) {
	var req labCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// Unknown providers are a configuration error caught at registration,
	// not at call time.
	if !provider.Known(req.Provider) {
		writeError(w, http.StatusBadRequest, provider.ErrUnsupportedProvider)
		return
	}
	lab := db.Lab{
		LabID:        uuid.NewString(),
		Name:         req.Name,
		Provider:     req.Provider,
		WorkspaceDir: req.WorkspaceDir,
	}
	if err := s.store.CreateLab(&lab); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, lab)
}

func (s *Server) lab(w http.ResponseWriter, r *http.Request) *db.Lab {
	lab, err := s.store.GetLab(chi.URLParam(r, "labID"))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, errors.New("lab not found"))
		return nil
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return nil
	}
	return lab
}

func (s *Server) handleLabGet(w http.ResponseWriter, r *http.Request) {
	if lab := s.lab(w, r); lab != nil {
		writeJSON(w, http.StatusOK, lab)
	}
}

type jobSubmitRequest struct {
	Action string            `json:"action"`
	Params map[string]string `json:"params,omitempty"`
}

func (s *Server) handleJobSubmit(w http.ResponseWriter, r *http.Request) {
	lab := s.lab(w, r)
	if lab == nil {
		return
	}
	var req jobSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, err := s.orch.Submit(req.Action, &lab.ID, nil, req.Params)
	if errors.Is(err, db.ErrConflictingJob) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if errors.Is(err, jobs.ErrUnknownAction) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.JobID})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.GetJob(jobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	logText, err := s.orch.ReadLog(jobID)
	if err != nil {
		log.Printf("[ERROR] Reading log for job %s: %v", jobID, err)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": job.JobID,
		"action": job.Action,
		"status": job.Status,
		"log":    logText,
	})
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.orch.Cancel(jobID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, errors.New("job not found"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel requested"})
}

func (s *Server) handlePlacements(w http.ResponseWriter, r *http.Request) {
	lab := s.lab(w, r)
	if lab == nil {
		return
	}
	placements, err := s.store.PlacementsForLab(lab.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	mapping := make(map[string]string, len(placements))
	for _, p := range placements {
		host, err := s.store.GetHostByPK(p.HostID)
		if err != nil {
			continue
		}
		mapping[p.NodeName] = host.HostID
	}
	writeJSON(w, http.StatusOK, mapping)
}

func (s *Server) handleLinkStates(w http.ResponseWriter, r *http.Request) {
	lab := s.lab(w, r)
	if lab == nil {
		return
	}
	links, err := s.store.LinkStatesForLab(lab.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

type linkDesiredRequest struct {
	State string `json:"state"`
}

func (s *Server) handleLinkDesired(w http.ResponseWriter, r *http.Request) {
	lab := s.lab(w, r)
	if lab == nil {
		return
	}
	var req linkDesiredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.State != db.LinkUp && req.State != db.LinkDown {
		writeError(w, http.StatusBadRequest, errors.New("state must be \"up\" or \"down\""))
		return
	}
	if err := s.store.SetLinkDesired(lab.ID, chi.URLParam(r, "linkName"), req.State); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"desired_state": req.State})
}

func (s *Server) handleHostList(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.store.ListHosts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, hosts)
}

func (s *Server) handleProviderActions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	actions, err := provider.SupportedActions(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider":             name,
		"supports_node_actions": provider.SupportsNodeActions(name),
		"actions":              actions,
	})
}

type webhookCreateRequest struct {
	LabID   *string           `json:"lab_id,omitempty"`
	URL     string            `json:"url"`
	Events  []string          `json:"events"`
	Secret  string            `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	var req webhookCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.URL == "" || len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("url and events are required"))
		return
	}

	hook := db.Webhook{
		WebhookID: uuid.NewString(),
		URL:       req.URL,
		Secret:    req.Secret,
		Enabled:   true,
	}
	eventsBlob, _ := json.Marshal(req.Events)
	hook.Events = string(eventsBlob)
	if len(req.Headers) > 0 {
		headersBlob, _ := json.Marshal(req.Headers)
		hook.Headers = string(headersBlob)
	}
	if req.LabID != nil {
		lab, err := s.store.GetLab(*req.LabID)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("unknown lab scope"))
			return
		}
		hook.LabID = &lab.ID
	}

	if err := s.store.CreateWebhook(&hook); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"webhook_id": hook.WebhookID})
}

func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	hook, err := s.store.GetWebhook(chi.URLParam(r, "webhookID"))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, errors.New("webhook not found"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	deliveries, err := s.store.ListDeliveries(hook.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, deliveries)
}
