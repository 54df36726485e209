// Package controlplane implements the small signed HTTP surface for
// status polling, configuration upload, and lifecycle actions (spec
// §4.K). Router shape is grounded on the retrieval pack's ReleaseParty
// backend (internal/api/server.go: chi.NewRouter, a thin Server
// struct holding its collaborators, JSON helpers); the HMAC contract
// is grounded on the pack-wide signed-webhook pattern the same file
// uses for GitHub's X-Hub-Signature, adapted to this spec's
// timestamp+signature header pair.
package controlplane

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dfrysinger/hatchery/internal/markers"
)

// MaxUploadBodyBytes caps each uploaded file (spec §4.K: "Large body
// limit: 1 MiB per file").
const MaxUploadBodyBytes = 1 << 20

// maxRequestBodyBytes bounds the raw HTTP body the HMAC middleware will
// buffer before verification. /config/upload's JSON envelope can carry a
// habitat file and an agent-library file side by side, each individually
// capped at MaxUploadBodyBytes, plus JSON/base64 framing overhead — so the
// envelope limit has to be larger than a single file's limit, not equal to
// it. The per-file limit is enforced separately in handleConfigUpload once
// the envelope has been parsed into its two fields.
const maxRequestBodyBytes = 2*MaxUploadBodyBytes + 4096

// ReplayWindow bounds how far X-Timestamp may drift from now.
const ReplayWindow = 300 * time.Second

// StatusProvider supplies the read-only views the unauthenticated and
// HMAC-authenticated GET endpoints serve.
type StatusProvider interface {
	Status(ctx context.Context) (any, error)
	Health(ctx context.Context) (any, error)
	ConfigMetadata(ctx context.Context) (any, error)
	Stages(ctx context.Context) (any, error)
	LogExcerpt(ctx context.Context) (any, error)
}

// ConfigWriter persists uploaded manifest/agent-library bytes.
type ConfigWriter interface {
	WriteHabitat(data []byte) error
	WriteAgentLib(data []byte) error
}

// ServiceController drives config regeneration, restarts, and sync.
type ServiceController interface {
	Apply(ctx context.Context) error
	Sync(ctx context.Context) error
	PrepareShutdown(ctx context.Context) error
}

// Server is the control-plane HTTP handler.
type Server struct {
	Secret    string // api_secret; empty means the server must not bind non-loopback (enforced by the caller)
	Status    StatusProvider
	Writer    ConfigWriter
	Service   ServiceController
	Markers   *markers.Store
	Logger    *slog.Logger
	Now       func() time.Time

	writeMu sync.Mutex // serializes /config/upload and /config/apply (spec §5)
}

func New(s Server) *Server {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	return &s
}

// Router builds the chi router with the exact endpoint list from spec
// §4.K, applying HMAC auth middleware to every endpoint except the
// three public reads.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/status", s.handleStatus)
	r.Get("/health", s.handleHealth)
	r.Get("/config/status", s.handleConfigStatus)

	r.Group(func(r chi.Router) {
		r.Use(s.requireHMAC)
		r.Get("/config", s.handleConfig)
		r.Get("/stages", s.handleStages)
		r.Get("/log", s.handleLog)
		r.Post("/config/upload", s.handleConfigUpload)
		r.Post("/config/apply", s.handleConfigApply)
		r.Post("/sync", s.handleSync)
		r.Post("/prepare-shutdown", s.handlePrepareShutdown)
	})

	return r
}

// requireHMAC implements spec §4.K's HMAC contract. On any failure it
// responds 401 with an empty body, deliberately not distinguishing
// which check failed.
func (s *Server) requireHMAC(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
		if err != nil || int64(len(body)) > maxRequestBodyBytes {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if !s.verify(r.Header.Get("X-Timestamp"), r.Header.Get("X-Signature"), r.Method, r.URL.Path, body) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) verify(tsHeader, sigHeader, method, path string, body []byte) bool {
	if s.Secret == "" || tsHeader == "" || sigHeader == "" {
		return false
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return false
	}
	skew := s.Now().Unix() - ts
	if skew > int64(ReplayWindow.Seconds()) || skew < -int64(ReplayWindow.Seconds()) {
		return false
	}

	message := fmt.Sprintf("%s.%s.%s.%s", tsHeader, method, path, body)
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write([]byte(message))
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(sigHeader))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	v, err := s.Status.Status(r.Context())
	writeJSONOrError(w, v, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	v, err := s.Status.Health(r.Context())
	writeJSONOrError(w, v, err)
}

type configStatusResponse struct {
	APIUploaded   bool     `json:"api_uploaded"`
	APIUploadedAt *float64 `json:"api_uploaded_at,omitempty"`
}

func (s *Server) handleConfigStatus(w http.ResponseWriter, r *http.Request) {
	resp := configStatusResponse{}
	if s.Markers != nil {
		if t, ok := s.Markers.ReadTime(markers.ConfigAPIUploaded); ok {
			resp.APIUploaded = true
			f := float64(t.Unix())
			resp.APIUploadedAt = &f
		}
	}
	writeJSONOrError(w, resp, nil)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	v, err := s.Status.ConfigMetadata(r.Context())
	writeJSONOrError(w, v, err)
}

func (s *Server) handleStages(w http.ResponseWriter, r *http.Request) {
	v, err := s.Status.Stages(r.Context())
	writeJSONOrError(w, v, err)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	v, err := s.Status.LogExcerpt(r.Context())
	writeJSONOrError(w, v, err)
}

type uploadRequest struct {
	Habitat json.RawMessage `json:"habitat"`
	Agents  json.RawMessage `json:"agents"`
	Apply   bool            `json:"apply"`
}

func (s *Server) handleConfigUpload(w http.ResponseWriter, r *http.Request) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var req uploadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if len(req.Habitat) > MaxUploadBodyBytes || len(req.Agents) > MaxUploadBodyBytes {
		http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
		return
	}

	if len(req.Habitat) > 0 {
		if err := s.Writer.WriteHabitat(req.Habitat); err != nil {
			s.Logger.Error("controlplane: write habitat failed", "err", err)
			http.Error(w, "write failed", http.StatusInternalServerError)
			return
		}
	}
	if len(req.Agents) > 0 {
		if err := s.Writer.WriteAgentLib(req.Agents); err != nil {
			s.Logger.Error("controlplane: write agent library failed", "err", err)
			http.Error(w, "write failed", http.StatusInternalServerError)
			return
		}
	}

	if s.Markers != nil {
		if err := s.Markers.WriteTime(markers.ConfigAPIUploaded, s.Now()); err != nil {
			s.Logger.Warn("controlplane: failed to record config_api_uploaded marker", "err", err)
		}
	}

	if req.Apply && s.Service != nil {
		go func() {
			if err := s.Service.Apply(context.Background()); err != nil {
				s.Logger.Error("controlplane: async apply failed", "err", err)
			}
		}()
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleConfigApply(w http.ResponseWriter, r *http.Request) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.Service == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := s.Service.Apply(r.Context()); err != nil {
		s.Logger.Error("controlplane: apply failed", "err", err)
		http.Error(w, "apply failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.Service == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := s.Service.Sync(r.Context()); err != nil {
		http.Error(w, "sync failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePrepareShutdown(w http.ResponseWriter, r *http.Request) {
	if s.Service == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.Service.PrepareShutdown(ctx); err != nil {
		http.Error(w, "prepare-shutdown failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSONOrError(w http.ResponseWriter, v any, err error) {
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
