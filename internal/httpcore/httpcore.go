// Package httpcore is HttpCore: the embedded HTTP listener, router
// wrapper, JSON response envelopes, CORS handling, and bearer-token auth
// middleware (spec.md §4.9). Grounded on the teacher's server/server.go
// (gorilla/mux subrouters, graceful shutdown on context cancellation,
// embedded static assets) and server/handlers.go (JSON response helpers).
package httpcore

import (
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"connectd/internal/apierr"
)

// TokenVerifier is the minimal surface HttpCore needs from Auth.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (bool, error)
}

// Server wraps gorilla/mux with the CORS/auth middleware stack and the
// two response envelope shapes used across the API (spec.md §4.9).
type Server struct {
	log        *logrus.Logger
	port       int
	router     *mux.Router
	httpServer *http.Server
	auth       TokenVerifier
	assets     http.FileSystem

	exemptPaths map[string]bool
}

func New(log *logrus.Logger, port int, auth TokenVerifier, assets http.FileSystem) *Server {
	s := &Server{
		log:    log,
		port:   port,
		router: mux.NewRouter(),
		auth:   auth,
		assets: assets,
		exemptPaths: map[string]bool{
			"/api/auth/login":   true,
			"/api/auth/status":  true,
			"/api/auth/recover": true,
		},
	}
	return s
}

func (s *Server) Router() *mux.Router { return s.router }

// Handle registers a handler for an exact path across one or more methods,
// with OPTIONS always answered by the CORS preflight responder (spec.md
// §4.9: "every endpoint handles OPTIONS ... returning CORS headers and
// 200 with empty body").
func (s *Server) Handle(path string, handler http.HandlerFunc, methods ...string) {
	s.router.HandleFunc(path, handler).Methods(methods...)
	s.router.HandleFunc(path, handlePreflight).Methods(http.MethodOptions)
}

func handlePreflight(w http.ResponseWriter, r *http.Request) {
	writeCORSHeaders(w)
	w.WriteHeader(http.StatusOK)
}

func writeCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCORSHeaders(w)
		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces the bearer-token requirement on every /api/
// path except the exempted ones (spec.md §4.9 Authentication).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") || s.exemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			WriteStatusEnvelope(w, http.StatusUnauthorized, "error", "missing bearer token", nil)
			return
		}
		ok, err := s.auth.Verify(r.Context(), token)
		if err != nil || !ok {
			WriteStatusEnvelope(w, http.StatusUnauthorized, "error", "invalid or expired token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

func loggingMiddleware(log *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Debugf("http: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			next.ServeHTTP(w, r)
		})
	}
}

// serveStaticFallback serves embedded assets for any non-/api/ path; if
// the resolver has no hit, the request falls through to 404 (spec.md
// §4.9 "Static assets").
func (s *Server) serveStaticFallback() http.Handler {
	if s.assets == nil {
		return http.NotFoundHandler()
	}
	return http.FileServer(s.assets)
}

func (s *Server) setupCatchAll() {
	s.router.PathPrefix("/").Handler(s.serveStaticFallback())
}

// Run starts the listener and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.setupCatchAll()
	s.router.Use(corsMiddleware, s.authMiddleware, loggingMiddleware(s.log))

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("httpcore: context cancelled, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Infof("httpcore: listening on port %d", s.port)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// --- Response envelopes (spec.md §4.9: both shapes are permitted; the
// shape is fixed per endpoint) ---

// CodeEnvelope is the legacy shape: {"Code": 0|1, "Error": "", "Data": …}.
type CodeEnvelope struct {
	Code  int `json:"Code"`
	Error string      `json:"Error"`
	Data  any `json:"Data,omitempty"`
}

// StatusEnvelope is the newer shape: {"status": "ok"|"error", "message": "", "data": …}.
type StatusEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func WriteCodeEnvelope(w http.ResponseWriter, httpStatus int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(CodeEnvelope{Code: 0, Data: data})
}

func WriteCodeError(w http.ResponseWriter, httpStatus int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(CodeEnvelope{Code: 1, Error: msg})
}

func WriteStatusEnvelope(w http.ResponseWriter, httpStatus int, status, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(StatusEnvelope{Status: status, Message: message, Data: data})
}

// WriteOK and WriteErr pick the status-shape envelope with the right HTTP
// code, used by the newer endpoint family.
func WriteOK(w http.ResponseWriter, data any) {
	WriteStatusEnvelope(w, http.StatusOK, "ok", "", data)
}

// WriteErr maps an apierr.Error (or any error) to its HTTP status and
// writes the status-shape envelope (spec.md §7 Error handling design).
func WriteErr(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	WriteStatusEnvelope(w, kind.HTTPStatus(), "error", err.Error(), nil)
}

// DecodeJSON decodes a request body into v, returning an InvalidArgument
// apierr on malformed JSON.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apierr.Wrap(apierr.InvalidArgument, "decode request body", err)
	}
	return nil
}

// ParseMultipart parses a multipart/form-data body with the given memory
// cap, used by endpoints accepting file uploads (spec.md §0 HttpCore
// "multipart upload parsing").
func ParseMultipart(r *http.Request, maxMemory int64) (*multipart.Form, error) {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		return nil, apierr.Wrap(apierr.InvalidArgument, "parse multipart form", err)
	}
	return r.MultipartForm, nil
}
