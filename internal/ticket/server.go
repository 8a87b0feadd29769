package ticket

import (
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
)

// Server handles HTTP requests for the ticket session
type Server struct {
	session   *Session
	basicAuth BasicAuth
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(session *Session, basicAuth BasicAuth) *Server {
	return NewServerWithMux(session, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(session *Session, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		session:   session,
		basicAuth: basicAuth,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}

	userMatch := subtle.ConstantTimeCompare([]byte(username), []byte(s.basicAuth.Username)) == 1
	passMatch := subtle.ConstantTimeCompare([]byte(password), []byte(s.basicAuth.Password)) == 1
	return userMatch && passMatch
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Ticket Desk"`)
			corsError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("GET /api/session", s.requireAuth(s.handleGetSession))

	s.mux.HandleFunc("POST /api/tickets/{id}/items", s.requireAuth(s.handleAddLineItem))
	s.mux.HandleFunc("DELETE /api/tickets/{id}/items/{itemID}", s.requireAuth(s.handleRemoveLineItem))
	s.mux.HandleFunc("POST /api/tickets/{id}/close", s.requireAuth(s.handleCloseTicket))
	s.mux.HandleFunc("POST /api/tickets/{id}/finalize", s.requireAuth(s.handleFinalizeSettlement))
	s.mux.HandleFunc("GET /api/tickets/{id}/receipts", s.requireAuth(s.handleListCaptures))
	s.mux.HandleFunc("POST /api/tickets/{id}/receipts", s.requireAuth(s.handleScanReceipt))
	s.mux.HandleFunc("DELETE /api/tickets/{id}/receipts/{captureID}", s.requireAuth(s.handleDiscardCapture))
	s.mux.HandleFunc("GET /api/tickets/{id}", s.requireAuth(s.handleGetTicket))
	s.mux.HandleFunc("DELETE /api/tickets/{id}", s.requireAuth(s.handleCancelTicket))
	s.mux.HandleFunc("GET /api/tickets", s.requireAuth(s.handleListTickets))
	s.mux.HandleFunc("POST /api/tickets", s.requireAuth(s.handleOpenTicket))

	s.mux.HandleFunc("GET /api/receipts/{ref}", s.requireAuth(s.handleGetReceiptImage))
}

// Handler returns the mux wrapped with the CORS middleware
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}
