// Package web is the HTTP ingress: authenticated CI webhooks, device
// update notifications and the PDU agent relay. Handlers validate and
// enqueue; no orchestration runs on the request path.
package web

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/devicefleet/conductor/engine"
	"github.com/devicefleet/conductor/repository"
	"github.com/devicefleet/conductor/tasks"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

const maxBodySize = 1 << 20

type Handlers struct {
	engine   *engine.Engine
	queue    tasks.Queue
	projects repository.ProjectRepository
	devices  repository.DeviceRepository
}

func NewHandlers(eng *engine.Engine, queue tasks.Queue, projects repository.ProjectRepository, devices repository.DeviceRepository) *Handlers {
	return &Handlers{engine: eng, queue: queue, projects: projects, devices: devices}
}

func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/ci", h.handleCIWebhook)
	r.Post("/webhooks/device", h.handleDeviceWebhook)
	r.Post("/pdu/{name}", h.handlePDUAgent)
}

func (h *Handlers) handleCIWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var event engine.CIEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	projectName, err := engine.ProjectNameFromURL(event.URL)
	if err != nil {
		http.Error(w, "no project in payload", http.StatusBadRequest)
		return
	}
	project, err := h.projects.FindByName(projectName)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "unknown project", http.StatusNotFound)
			return
		}
		slog.Error("Project lookup failed", "project", projectName, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if !ValidSignature(project.WebhookSecret, body, r.Header.Get(SignatureHeader)) {
		slog.Warn("Rejected webhook with bad signature",
			"project", projectName,
			"remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	h.queue.Enqueue("ingest", func(ctx context.Context) error {
		return h.engine.Ingest(ctx, event)
	})
	w.WriteHeader(http.StatusAccepted)
}

type deviceUpdatePayload struct {
	Name    string `json:"name"`
	Project string `json:"project"`
}

func (h *Handlers) handleDeviceWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var payload deviceUpdatePayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Project == "" || payload.Name == "" {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	project, err := h.projects.FindByName(payload.Project)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "unknown project", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ValidSignature(project.WebhookSecret, body, r.Header.Get(SignatureHeader)) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	h.queue.Enqueue("device-update", func(ctx context.Context) error {
		return h.engine.HandleDeviceUpdate(ctx, payload.Project, payload.Name)
	})
	w.WriteHeader(http.StatusAccepted)
}

type pduCheckin struct {
	Version string `json:"version"`
}

type pduResponse struct {
	Message string `json:"message,omitempty"`
}

// handlePDUAgent is the power relay: agents check in periodically and
// receive any pending power command, which is consumed on delivery.
func (h *Handlers) handlePDUAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	agent, err := h.devices.FindPDUAgentByName(name)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if agent == nil {
		http.Error(w, "unknown agent", http.StatusNotFound)
		return
	}
	presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Token ")
	if agent.Token == "" || !hmac.Equal([]byte(presented), []byte(agent.Token)) {
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}

	var checkin pduCheckin
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&checkin); err == nil {
		agent.Version = checkin.Version
	}

	response := pduResponse{Message: agent.Message}
	now := time.Now()
	agent.Message = ""
	agent.State = "online"
	agent.LastPing = &now
	if err := h.devices.SavePDUAgent(agent); err != nil {
		slog.Error("Failed to update PDU agent", "agent", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("Failed to write PDU response", "agent", name, "error", err)
	}
}
