package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/shortontech/formrelay/internal/assets"
	"github.com/shortontech/formrelay/internal/dispatch"
	"github.com/shortontech/formrelay/internal/integration"
	"github.com/shortontech/formrelay/internal/metrics"
	"github.com/shortontech/formrelay/internal/pixel"
	"github.com/shortontech/formrelay/internal/store"
	"github.com/shortontech/formrelay/internal/tracking"
	"github.com/shortontech/formrelay/pkg/config"
)

// Submitter runs the fan-out for one submission.
type Submitter interface {
	Process(ctx context.Context, sub dispatch.Submission) dispatch.Report
}

// AdminStore is the configuration surface behind the admin endpoints.
type AdminStore interface {
	Ping(ctx context.Context) error
	ListIntegrations(ctx context.Context, formID string) ([]integration.Config, error)
	CreateIntegration(ctx context.Context, c integration.Config) (integration.Config, error)
	DeleteIntegration(ctx context.Context, formID, id string) error
	SetFieldMappings(ctx context.Context, formID string, m map[string]string) error
	SaveForm(ctx context.Context, f integration.Form) error
}

type Env struct {
	Cfg        config.Config
	Dispatcher Submitter
	Store      AdminStore            // nil disables the admin endpoints and the readiness ping
	Frames     *tracking.FrameBroker  // nil disables parent-url relaying
	HMACAuth   *HMACAuth
	Metrics    *metrics.Metrics
	Log        logrus.FieldLogger
}

var validate = validator.New()

func (e Env) logger() logrus.FieldLogger {
	if e.Log == nil {
		return logrus.StandardLogger()
	}
	return e.Log
}

func (e Env) maxBody() int64 {
	if e.Cfg.MaxBodyBytes > 0 {
		return e.Cfg.MaxBodyBytes
	}
	return 1 << 20
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// readBody reads a JSON body bounded by MAX_BODY_BYTES.
func (e Env) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return nil, false
	}
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, e.maxBody()))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	return body, true
}

func (e Env) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Readyz pings the configuration store.
func (e Env) Readyz(w http.ResponseWriter, r *http.Request) {
	if e.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := e.Store.Ping(ctx); err != nil {
			e.logger().WithError(err).Warn("readiness check failed")
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type submissionRequest struct {
	Fields map[string]any    `json:"fields" validate:"required,min=1"`
	Page   tracking.PageInfo `json:"page"`
}

type submissionResponse struct {
	Status          string             `json:"status"`
	SessionID       string             `json:"session_id"`
	Duplicate       bool               `json:"duplicate"`
	Channels        []dispatch.Outcome `json:"channels"`
	BrowserCommands []pixel.Command    `json:"browser_commands"`
	Script          string             `json:"script,omitempty"`
}

// Submit accepts a form submission and answers once every channel has
// settled. Channel failures are reported in the body, never as an HTTP error.
func (e Env) Submit(w http.ResponseWriter, r *http.Request) {
	body, ok := e.readBody(w, r)
	if !ok {
		return
	}
	if !e.HMACAuth.VerifyHMAC(r, body) {
		writeError(w, http.StatusUnauthorized, "invalid or missing signature")
		return
	}

	var req submissionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "fields are required")
		return
	}

	formID := chi.URLParam(r, "formID")
	report := e.Dispatcher.Process(r.Context(), dispatch.Submission{
		FormID: formID,
		Fields: req.Fields,
		Frame:  tracking.NewRequestFrame(r, req.Page, e.Frames, e.Cfg.TrustProxy),
	})

	resp := submissionResponse{
		Status:          "submitted",
		SessionID:       report.SessionID,
		Duplicate:       report.Duplicate,
		Channels:        report.Outcomes,
		BrowserCommands: report.Commands,
		Script:          report.Script,
	}
	if resp.Channels == nil {
		resp.Channels = []dispatch.Outcome{}
	}
	if resp.BrowserCommands == nil {
		resp.BrowserCommands = []pixel.Command{}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type parentURLMessage struct {
	Type string `json:"type" validate:"required,eq=PARENT_URL_RESPONSE"`
	URL  string `json:"url" validate:"required,url"`
}

// ParentURL receives the host page's answer relayed by the bridge script.
func (e Env) ParentURL(w http.ResponseWriter, r *http.Request) {
	if e.Frames == nil {
		http.Error(w, "frame relay not configured", http.StatusNotFound)
		return
	}
	body, ok := e.readBody(w, r)
	if !ok {
		return
	}
	var msg parentURLMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if err := validate.Struct(msg); err != nil {
		writeError(w, http.StatusBadRequest, "expected %s with a url", tracking.MessageParentURLResponse)
		return
	}
	e.Frames.Deliver(chi.URLParam(r, "frameID"), msg.URL)
	w.WriteHeader(http.StatusNoContent)
}

func (e Env) BridgeJS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(assets.BridgeJS)
}

func (e Env) ListIntegrations(w http.ResponseWriter, r *http.Request) {
	configs, err := e.Store.ListIntegrations(r.Context(), chi.URLParam(r, "formID"))
	if err != nil {
		e.logger().WithError(err).Error("list integrations failed")
		writeError(w, http.StatusInternalServerError, "list integrations failed")
		return
	}
	out := make([]json.RawMessage, 0, len(configs))
	for _, c := range configs {
		raw, err := integration.MarshalConfig(c)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "encode integration: %v", err)
			return
		}
		out = append(out, raw)
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": out})
}

// CreateIntegration takes the form id from the path, overriding the body.
func (e Env) CreateIntegration(w http.ResponseWriter, r *http.Request) {
	body, ok := e.readBody(w, r)
	if !ok {
		return
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	doc["form_id"] = chi.URLParam(r, "formID")
	raw, _ := json.Marshal(doc)

	c, err := integration.UnmarshalConfig(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if err := integration.Validate(c); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	created, err := e.Store.CreateIntegration(r.Context(), c)
	if err != nil {
		e.logger().WithError(err).Error("create integration failed")
		writeError(w, http.StatusInternalServerError, "create integration failed")
		return
	}
	out, err := integration.MarshalConfig(created)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode integration: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, json.RawMessage(out))
}

func (e Env) DeleteIntegration(w http.ResponseWriter, r *http.Request) {
	err := e.Store.DeleteIntegration(r.Context(), chi.URLParam(r, "formID"), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "integration not found")
	case err != nil:
		e.logger().WithError(err).Error("delete integration failed")
		writeError(w, http.StatusInternalServerError, "delete integration failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type fieldMappingsRequest struct {
	Mappings map[string]string `json:"mappings" validate:"required,dive,keys,required,endkeys,required"`
}

// SetFieldMappings replaces every mapping of the form.
func (e Env) SetFieldMappings(w http.ResponseWriter, r *http.Request) {
	body, ok := e.readBody(w, r)
	if !ok {
		return
	}
	var req fieldMappingsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "mappings must map non-empty field ids to non-empty names")
		return
	}
	if err := e.Store.SetFieldMappings(r.Context(), chi.URLParam(r, "formID"), req.Mappings); err != nil {
		e.logger().WithError(err).Error("set field mappings failed")
		writeError(w, http.StatusInternalServerError, "set field mappings failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mappings": req.Mappings})
}

type formRequest struct {
	Name        string `json:"name" validate:"required"`
	CompanyName string `json:"company_name"`
}

func (e Env) SaveForm(w http.ResponseWriter, r *http.Request) {
	body, ok := e.readBody(w, r)
	if !ok {
		return
	}
	var req formRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	form := integration.Form{ID: chi.URLParam(r, "formID"), Name: req.Name, CompanyName: req.CompanyName}
	if err := e.Store.SaveForm(r.Context(), form); err != nil {
		e.logger().WithError(err).Error("save form failed")
		writeError(w, http.StatusInternalServerError, "save form failed")
		return
	}
	writeJSON(w, http.StatusOK, form)
}
