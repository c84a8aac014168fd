// Package httpapi exposes the patient and clinician REST API.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"larsd/internal/auth"
	"larsd/internal/storage"
	logx "larsd/pkg/logx"
)

// Config controls the API server.
type Config struct {
	Addr string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Per-patient request budget; 0 disables limiting.
	PatientRatePerMin int
	PatientBurst      int
}

type Server struct {
	cfg      Config
	log      logx.Logger
	store    storage.Store
	verifier *auth.Verifier
	limiter  *patientLimiter
	now      func() time.Time

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

// New builds a server. verifier may be nil, which disables the
// clinician routes with a 503.
func New(cfg Config, store storage.Store, verifier *auth.Verifier, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "httpapi")),
		store:    store,
		verifier: verifier,
		limiter:  newPatientLimiter(cfg.PatientRatePerMin, cfg.PatientBurst),
		now:      time.Now,
	}
}

// Handler returns the full route tree, including middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Patient-facing routes, keyed by X-Patient-Code.
	mux.HandleFunc("GET /getNextQuestionnaire", s.patientRoute(s.handleNextQuestionnaire))
	mux.HandleFunc("POST /sendDaily", s.patientRoute(s.handleSendDaily))
	mux.HandleFunc("POST /sendWeekly", s.patientRoute(s.handleSendWeekly))
	mux.HandleFunc("POST /sendMonthly", s.patientRoute(s.handleSendMonthly))
	mux.HandleFunc("POST /sendEq5d5l", s.patientRoute(s.handleSendEQ5D5L))
	mux.HandleFunc("GET /getLarsData", s.patientRoute(s.handleLarsData))

	// Clinician routes.
	mux.HandleFunc("GET /getPatients", s.doctorRoute(s.handleGetPatients))
	mux.HandleFunc("GET /getPatientDetail", s.doctorRoute(s.handleGetPatientDetail))
	mux.HandleFunc("GET /hospitals", s.doctorRoute(s.handleHospitals))
	mux.HandleFunc("GET /doctors/me", s.doctorRoute(s.handleDoctorMe))
	mux.HandleFunc("POST /doctors", s.doctorRoute(s.handleDoctorUpsert))

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return s.withCommon(mux)
}

// Start binds the listener and begins serving. It returns once the
// listener is up; serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = ":8080"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.ln = ln
	s.srv = srv

	s.log.Info("api listening", logx.String("addr", ln.Addr().String()))

	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server exited", logx.Err(err))
		}
	}()
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop drains in-flight requests within the configured shutdown
// timeout, then closes the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	err := srv.Shutdown(ctx)
	_ = srv.Close()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	db := "ok"
	if err := s.store.Ping(r.Context()); err != nil {
		db = "unavailable"
	}
	writeOK(w, map[string]any{"database": db})
}
