package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	logx "larsd/pkg/logx"
)

// DebugConfig controls the optional pprof listener.
//
// Security: prefer a loopback bind. A non-loopback bind requires a
// token unless AllowInsecure is set.
type DebugConfig struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

// DebugServer serves net/http/pprof on its own listener, kept apart
// from the patient API.
type DebugServer struct {
	cfg DebugConfig
	log logx.Logger

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func NewDebugServer(cfg DebugConfig, log logx.Logger) *DebugServer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DebugServer{cfg: cfg, log: log.With(logx.String("comp", "debug"))}
}

func (d *DebugServer) Start(ctx context.Context) error {
	if !d.cfg.Enabled {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.srv != nil {
		return nil
	}

	addr := strings.TrimSpace(d.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:6060"
	}
	if !d.cfg.AllowInsecure && d.cfg.Token == "" && !isLoopbackAddr(addr) {
		return errors.New("debug server refused to start: non-loopback addr requires token or allow_insecure")
	}
	if d.cfg.AllowInsecure && d.cfg.Token == "" && !isLoopbackAddr(addr) {
		d.log.Warn("debug server without token on non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", d.withToken(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", d.withToken(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", d.withToken(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", d.withToken(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", d.withToken(hpprof.Trace))

	srv := &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: time.Minute,
	}
	d.ln = ln
	d.srv = srv

	d.log.Info("debug server listening", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", d.cfg.Token != ""))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Warn("debug server exited", logx.Err(err))
		}
	}()
	return nil
}

func (d *DebugServer) Stop(ctx context.Context) {
	d.mu.Lock()
	srv := d.srv
	d.srv = nil
	d.ln = nil
	d.mu.Unlock()
	if srv == nil {
		return
	}
	_ = srv.Shutdown(ctx)
	_ = srv.Close()
}

func (d *DebugServer) withToken(h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(d.cfg.Token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got == tok {
			h(w, r)
			return
		}
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") &&
			strings.TrimSpace(strings.TrimPrefix(ah, "Bearer ")) == tok {
			h(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
