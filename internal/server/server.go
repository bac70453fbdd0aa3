package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/nebula-enroll/internal/enroll"
	apphttp "github.com/wolfeidau/nebula-enroll/internal/http"
	"github.com/wolfeidau/nebula-enroll/internal/logger"
)

const maxRequestBytes = 1 << 20

// Configurer serves host configuration requests.
type Configurer interface {
	Configure(ctx context.Context, req enroll.Request) (*enroll.Result, error)
}

// Server exposes the enrollment endpoint over HTTP.
type Server struct {
	svc        Configurer
	trustProxy bool
}

// NewServer creates a new server for the enrollment service. trustProxy
// enables X-Forwarded-For handling for request logging.
func NewServer(svc Configurer, trustProxy bool) *Server {
	return &Server{svc: svc, trustProxy: trustProxy}
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint for load balancer
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("POST /api/config", s.handleConfig)

	var h http.Handler = mux
	h = apphttp.MaxBytesMiddleware(maxRequestBytes)(h)
	h = logger.HTTPRequests(log)(h)
	h = apphttp.ClientIPMiddleware(s.trustProxy)(h)

	return h
}

type configRequest struct {
	HostToken  string `json:"host_token"`
	PrivateKey string `json:"private_key"`
	HostCert   string `json:"host_cert,omitempty"`
}

type configResponse struct {
	HostCert       string `json:"host_cert"`
	ConfigTemplate string `json:"config_template"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(ctx, w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	res, err := s.svc.Configure(ctx, enroll.Request{
		HostToken: req.HostToken,
		PublicKey: req.PrivateKey,
		HostCert:  req.HostCert,
	})
	if err != nil {
		status, msg := errorStatus(err)
		if status >= http.StatusInternalServerError {
			zerolog.Ctx(ctx).Error().Err(err).Str("kind", string(enroll.KindOf(err))).Msg("configuration request failed")
		}
		writeJSON(ctx, w, status, errorResponse{Error: msg})
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}

	writeJSON(ctx, w, status, configResponse{
		HostCert:       res.HostCert,
		ConfigTemplate: res.Config,
	})
}

// errorStatus maps a request error to its HTTP status and caller-facing message.
func errorStatus(err error) (int, string) {
	var e *enroll.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, "internal error"
	}

	switch e.Kind {
	case enroll.KindValidation:
		return http.StatusBadRequest, e.Msg
	case enroll.KindNotFound:
		return http.StatusNotFound, e.Msg
	case enroll.KindForbidden:
		return http.StatusForbidden, e.Msg
	default:
		return http.StatusInternalServerError, e.Msg
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to write response")
	}
}
