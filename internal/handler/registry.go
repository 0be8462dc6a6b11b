package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/angeloszaimis/fabric-gateway/internal/backend"
	"github.com/angeloszaimis/fabric-gateway/internal/registry"
)

const maxRegistryBody = 64 << 10

var serviceNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Registry is the part of the registry the API exposes.
type Registry interface {
	Register(serviceName, address string) (registry.Instance, error)
	Heartbeat(id string) error
	Drain(id string) error
	Deregister(id string) error
	Snapshot(serviceName string) registry.Snapshot
	Counts(serviceName string) registry.Counts
	Services() []string
}

// LoadSource reports the observed load of an instance address.
type LoadSource interface {
	Load(address string) backend.Load
}

type RegistryHandler struct {
	logger   *slog.Logger
	registry Registry
	loads    LoadSource
}

// NewRegistryHandler builds the registration API. loads may be nil.
func NewRegistryHandler(logger *slog.Logger, reg Registry, loads LoadSource) *RegistryHandler {
	return &RegistryHandler{logger: logger, registry: reg, loads: loads}
}

type RegisterRequest struct {
	ServiceName string `json:"serviceName"`
	Address     string `json:"address"`
}

func (r RegisterRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ServiceName,
			validation.Required,
			validation.Length(1, 128),
			validation.Match(serviceNamePattern).Error("must be lowercase letters, digits, '.', '_' or '-'"),
		),
		validation.Field(&r.Address,
			validation.Required,
			is.URL,
			validation.By(validateInstanceURL),
		),
	)
}

type InstanceRequest struct {
	InstanceID string `json:"instanceId"`
}

func (r InstanceRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.InstanceID, validation.Required, is.UUID),
	)
}

type ServiceSummary struct {
	Name   string          `json:"name"`
	Counts registry.Counts `json:"counts"`
}

type InstanceView struct {
	registry.Instance
	Load *backend.Load `json:"load,omitempty"`
}

type ServiceView struct {
	ServiceName string          `json:"serviceName"`
	TakenAt     time.Time       `json:"takenAt"`
	Counts      registry.Counts `json:"counts"`
	Instances   []InstanceView  `json:"instances"`
}

// Register mounts the API on mux.
func (h *RegistryHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /registry/register", h.handleRegister)
	mux.HandleFunc("POST /registry/heartbeat", h.handleInstance(h.registry.Heartbeat, "Heartbeat"))
	mux.HandleFunc("POST /registry/drain", h.handleInstance(h.registry.Drain, "Drain"))
	mux.HandleFunc("POST /registry/deregister", h.handleInstance(h.registry.Deregister, "Deregister"))
	mux.HandleFunc("GET /registry/services", h.handleServices)
	mux.HandleFunc("GET /registry/services/{service}", h.handleService)
}

func (h *RegistryHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeRegistryError(w, err)
		return
	}

	inst, err := h.registry.Register(req.ServiceName, req.Address)
	if err != nil {
		h.logger.Warn("Registration refused",
			slog.String("service", req.ServiceName),
			slog.String("address", req.Address),
			slog.Any("err", err))
		writeRegistryError(w, err)
		return
	}

	h.logger.Info("Instance registered",
		slog.String("service", inst.ServiceName),
		slog.String("instance", inst.ID),
		slog.String("address", inst.Address))
	writeJSON(w, http.StatusCreated, inst)
}

func (h *RegistryHandler) handleInstance(op func(id string) error, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req InstanceRequest
		if !decode(w, r, &req) {
			return
		}
		if err := req.Validate(); err != nil {
			writeRegistryError(w, err)
			return
		}

		if err := op(req.InstanceID); err != nil {
			h.logger.Debug(name+" refused",
				slog.String("instance", req.InstanceID),
				slog.Any("err", err))
			writeRegistryError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *RegistryHandler) handleServices(w http.ResponseWriter, _ *http.Request) {
	names := h.registry.Services()
	out := make([]ServiceSummary, 0, len(names))
	for _, name := range names {
		out = append(out, ServiceSummary{Name: name, Counts: h.registry.Counts(name)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": out})
}

func (h *RegistryHandler) handleService(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("service")
	snap := h.registry.Snapshot(name)
	if len(snap.Instances) == 0 {
		writeError(w, http.StatusNotFound, ErrorResponse{
			Code:    CodeNotFound,
			Message: "no live instances",
			Service: name,
		})
		return
	}

	view := ServiceView{
		ServiceName: snap.ServiceName,
		TakenAt:     snap.TakenAt,
		Counts:      h.registry.Counts(name),
		Instances:   make([]InstanceView, 0, len(snap.Instances)),
	}
	for _, inst := range snap.Instances {
		iv := InstanceView{Instance: inst}
		if h.loads != nil {
			load := h.loads.Load(inst.Address)
			iv.Load = &load
		}
		view.Instances = append(view.Instances, iv)
	}
	writeJSON(w, http.StatusOK, view)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistryBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Code: CodeMalformedJSON, Message: err.Error()})
		return false
	}
	return true
}

func validateInstanceURL(value interface{}) error {
	raw, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	parsedURL, err := url.Parse(raw)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	return nil
}
