package httpapi

import (
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"larsd/internal/auth"
	logx "larsd/pkg/logx"
)

// patientCode validates and normalizes the X-Patient-Code header.
// Codes are case-insensitive and 4 to 64 characters long.
func patientCode(r *http.Request) (string, string) {
	raw := strings.TrimSpace(r.Header.Get("X-Patient-Code"))
	if raw == "" {
		return "", "Missing X-Patient-Code header"
	}
	code := strings.ToUpper(raw)
	if len(code) < 4 || len(code) > 64 {
		return "", "Invalid patient code format"
	}
	return code, ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withCommon(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				s.log.Error("handler panicked",
					logx.String("path", r.URL.Path),
					logx.Any("panic", p),
					logx.String("stack", string(debug.Stack())),
				)
				writeError(rec, http.StatusInternalServerError, "internal error")
				return
			}
			s.log.Debug("request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", rec.status),
				logx.Duration("took", time.Since(start)),
			)
		}()

		next.ServeHTTP(rec, r)
	})
}

// patientLimiter throttles patient-facing routes per patient code so
// one misbehaving client cannot starve the rest.
type patientLimiter struct {
	mu     sync.Mutex
	limit  rate.Limit
	burst  int
	seen   map[string]*limiterEntry
	maxLen int
}

type limiterEntry struct {
	lim  *rate.Limiter
	last time.Time
}

// newPatientLimiter builds a limiter allowing perMin requests per
// minute per patient. perMin <= 0 disables limiting.
func newPatientLimiter(perMin, burst int) *patientLimiter {
	if perMin <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perMin
	}
	return &patientLimiter{
		limit:  rate.Limit(float64(perMin) / 60.0),
		burst:  burst,
		seen:   make(map[string]*limiterEntry),
		maxLen: 4096,
	}
}

func (p *patientLimiter) allow(code string) bool {
	if p == nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	e, ok := p.seen[code]
	if !ok {
		if len(p.seen) >= p.maxLen {
			p.pruneLocked(now)
		}
		e = &limiterEntry{lim: rate.NewLimiter(p.limit, p.burst)}
		p.seen[code] = e
	}
	e.last = now
	return e.lim.Allow()
}

func (p *patientLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-10 * time.Minute)
	for code, e := range p.seen {
		if e.last.Before(cutoff) {
			delete(p.seen, code)
		}
	}
	// Still full of active entries; drop arbitrarily to stay bounded.
	for code := range p.seen {
		if len(p.seen) < p.maxLen {
			break
		}
		delete(p.seen, code)
	}
}

// patientRoute wraps a handler with patient-code validation and rate
// limiting. The validated code is passed through.
func (s *Server) patientRoute(h func(w http.ResponseWriter, r *http.Request, code string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code, detail := patientCode(r)
		if detail != "" {
			writeError(w, http.StatusBadRequest, detail)
			return
		}
		if !s.limiter.allow(code) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		h(w, r, code)
	}
}

// doctorRoute wraps a handler with bearer-token verification. The
// verified identity is passed through.
func (s *Server) doctorRoute(h func(w http.ResponseWriter, r *http.Request, id auth.Identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil {
			writeError(w, http.StatusServiceUnavailable, "authentication not configured")
			return
		}
		id, err := s.verifier.FromHeader(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Missing or invalid Authorization header")
			return
		}
		h(w, r, id)
	}
}
