// Package api exposes the remediation controller over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tinkerbelle-io/tb-recovery/internal/metrics"
	"github.com/tinkerbelle-io/tb-recovery/internal/remediation"
)

const (
	statusPath  = "/remediation/status"
	approvePath = "/remediation/approve"
	cancelPath  = "/remediation/cancel/{id}"
	scanPath    = "/remediation/scan"
	enabledPath = "/remediation/enabled"
	watchPath   = "/remediation/watch"
	metricsPath = "/metrics"
	healthPath  = "/healthz"

	maxBodyBytes = 64 << 10
	writeWait    = 10 * time.Second
)

// Gateway is the operator surface of the controller. *remediation.Controller
// implements it.
type Gateway interface {
	Approve(ctx context.Context, id, approvedBy string) error
	Cancel(ctx context.Context, id string) error
	Status(ctx context.Context) (remediation.Status, error)
	ScanNow(ctx context.Context) (int, error)
	Subscribe() (<-chan remediation.Status, func())
}

// Options reports how the controller was configured.
type Options struct {
	Enabled  bool
	AutoPoll bool
}

// Server routes HTTP requests to the gateway.
type Server struct {
	router   *mux.Router
	gateway  Gateway
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates the HTTP handler. gateway may be nil when remediation is
// disabled; the remediation endpoints then answer 503.
func NewServer(gateway Gateway, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:  mux.NewRouter(),
		gateway: gateway,
		opts:    opts,
		logger:  logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	}
	s.router.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc(statusPath, s.requireEnabled(s.statusHandler())).Methods(http.MethodGet)
	s.router.HandleFunc(approvePath, s.requireEnabled(s.approveHandler())).Methods(http.MethodPost)
	s.router.HandleFunc(cancelPath, s.requireEnabled(s.cancelHandler())).Methods(http.MethodPost)
	s.router.HandleFunc(scanPath, s.requireEnabled(s.scanHandler())).Methods(http.MethodPost)
	s.router.HandleFunc(watchPath, s.requireEnabled(s.watchHandler())).Methods(http.MethodGet)
	s.router.HandleFunc(enabledPath, s.enabledHandler()).Methods(http.MethodGet)
	s.router.Handle(metricsPath, metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc(healthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)
}

func (s *Server) requireEnabled(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.opts.Enabled || s.gateway == nil {
			s.replyError(w, r, http.StatusServiceUnavailable, errors.New("remediation controller is not running"))
			return
		}
		next(w, r)
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.gateway.Status(r.Context())
		if err != nil {
			s.replyError(w, r, statusFor(err), err)
			return
		}
		s.replyJSON(w, http.StatusOK, st)
	}
}

func (s *Server) approveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ApproveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.replyError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
		if req.RemediationID == "" {
			s.replyError(w, r, http.StatusBadRequest, errors.New("remediation_id is required"))
			return
		}
		if req.ApprovedBy == "" {
			req.ApprovedBy = "operator"
		}

		if err := s.gateway.Approve(r.Context(), req.RemediationID, req.ApprovedBy); err != nil {
			s.replyError(w, r, statusFor(err), err)
			return
		}
		s.replyJSON(w, http.StatusOK, ActionResponse{Status: "approved", RemediationID: req.RemediationID})
	}
}

func (s *Server) cancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := s.gateway.Cancel(r.Context(), id); err != nil {
			s.replyError(w, r, statusFor(err), err)
			return
		}
		s.replyJSON(w, http.StatusOK, ActionResponse{Status: "cancelled", RemediationID: id})
	}
}

func (s *Server) scanHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		found, err := s.gateway.ScanNow(r.Context())
		if err != nil {
			code := statusFor(err)
			if code == http.StatusBadRequest || code == http.StatusNotFound {
				code = http.StatusInternalServerError
			}
			s.replyError(w, r, code, err)
			return
		}
		s.replyJSON(w, http.StatusOK, ScanResponse{Status: "scan_complete", Detected: found})
	}
}

func (s *Server) enabledHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.replyJSON(w, http.StatusOK, EnabledResponse{
			Enabled:         s.opts.Enabled && s.gateway != nil,
			AutoPollEnabled: s.opts.AutoPoll,
		})
	}
}

// watchHandler streams the status after every tick or operator action.
func (s *Server) watchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		updates, unsubscribe := s.gateway.Subscribe()
		defer unsubscribe()

		initial, err := s.gateway.Status(r.Context())
		if err != nil {
			s.replyError(w, r, statusFor(err), err)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		defer conn.Close()

		// The client never sends; reading only detects the close.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		send := func(st remediation.Status) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(st); err != nil {
				s.logger.Debug("websocket write failed", "remote_addr", r.RemoteAddr, "error", err)
				return false
			}
			return true
		}

		if !send(initial) {
			return
		}
		for {
			select {
			case <-closed:
				return
			case <-r.Context().Done():
				return
			case st := <-updates:
				if !send(st) {
					return
				}
			}
		}
	}
}

func (s *Server) replyJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) replyError(w http.ResponseWriter, r *http.Request, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.logger.Error("HTTP error", "remote_addr", r.RemoteAddr, "path", r.URL.Path, "code", code, "error", err)
	} else {
		s.logger.Debug("HTTP error", "remote_addr", r.RemoteAddr, "path", r.URL.Path, "code", code, "error", err)
	}
	s.replyJSON(w, code, ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, remediation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, remediation.ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, remediation.ErrNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
