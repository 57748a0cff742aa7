// Package upgrade serves a firmware package over plain HTTP so the device
// can fetch it during an install-bundle upgrade. The server is meant to live
// for the duration of a single upgrade on a directly reachable network; it
// performs no authentication.
package upgrade

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// DefaultPort is the default bind port for the upgrade server.
const DefaultPort = 8080

// Logger is the minimal logger this package uses; injected by the host
// application to avoid tight coupling.
type Logger interface {
	Error(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

var pkgLogger Logger

// SetLogger installs the package logger.
func SetLogger(l Logger) { pkgLogger = l }

func logInfo(msg string, context ...interface{}) {
	if pkgLogger != nil {
		pkgLogger.Info(msg, context...)
	}
}

func logError(msg string, context ...interface{}) {
	if pkgLogger != nil {
		pkgLogger.Error(msg, context...)
	}
}

// Spec describes one server instance: where to bind and what to serve.
type Spec struct {
	// BindAddr is the interface address to listen on ("" binds all).
	BindAddr string `json:"bind_addr"`
	// Port is the TCP port to bind; 0 asks the OS for an ephemeral port.
	// Configuration defaults this to DefaultPort before Start is called.
	Port int `json:"port"`
	// Root is the directory served.
	Root string `json:"root"`
	// File is the package file name under Root offered to the device.
	File string `json:"file"`
}

// BindErrorKind classifies bind failures.
type BindErrorKind int

const (
	BindAddressInUse BindErrorKind = iota
	BindPermissionDenied
	BindInvalidInterface
)

func (k BindErrorKind) String() string {
	switch k {
	case BindAddressInUse:
		return "address in use"
	case BindPermissionDenied:
		return "permission denied"
	case BindInvalidInterface:
		return "invalid interface"
	}
	return "unknown"
}

// BindError is returned by Start when the listening socket cannot be bound.
type BindError struct {
	Kind BindErrorKind
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %s", e.Addr, e.Kind)
}

func (e *BindError) Unwrap() error { return e.Err }

// Server owns the bound socket for its lifetime. Connections are handled
// concurrently by net/http; a slow transfer to one client never blocks the
// accept loop or other transfers.
type Server struct {
	spec     Spec
	ln       net.Listener
	srv      *http.Server
	stopOnce sync.Once
}

// Start validates the spec, binds the socket, and begins serving. On any
// failure nothing is left bound.
func Start(spec Spec) (*Server, error) {
	if spec.Port < 0 || spec.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", spec.Port)
	}
	if spec.Root == "" {
		return nil, errors.New("no server directory configured")
	}
	if fi, err := os.Stat(spec.Root); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("server directory %q not usable", spec.Root)
	}
	if spec.File != "" {
		if _, err := os.Stat(filepath.Join(spec.Root, spec.File)); err != nil {
			return nil, fmt.Errorf("package file %q not found under %q", spec.File, spec.Root)
		}
	}

	addr := net.JoinHostPort(spec.BindAddr, strconv.Itoa(spec.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &BindError{Kind: classifyBind(err), Addr: addr, Err: err}
	}

	mux := http.NewServeMux()
	mux.Handle("/", logRequests(http.FileServer(http.Dir(spec.Root))))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s := &Server{spec: spec, ln: ln, srv: srv}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logError("upgrade server stopped", "err", err)
		}
	}()
	logInfo("upgrade server listening", "addr", ln.Addr().String(), "root", spec.Root, "file", spec.File)
	return s, nil
}

// Stop closes the listening socket and terminates in-flight transfers. It is
// idempotent and always succeeds.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		_ = s.srv.Close()
		logInfo("upgrade server stopped", "addr", s.Addr())
	})
}

// Addr returns the bound host:port, useful when the spec asked for an
// ephemeral port.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Spec returns the spec the server was started with.
func (s *Server) Spec() Spec { return s.spec }

// PackageURL is the URL the device should fetch the package from. When the
// server is bound to all interfaces the host falls back to the first usable
// interface address, since an unspecified address is not dialable from the
// device side.
func (s *Server) PackageURL() string {
	host, port, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return ""
	}
	if s.spec.BindAddr != "" {
		host = s.spec.BindAddr
	} else if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		if ifs, err := Interfaces(); err == nil && len(ifs) > 0 {
			host = ifs[0].Addr
		}
	}
	u := url.URL{Scheme: "http", Host: net.JoinHostPort(host, port), Path: "/" + s.spec.File}
	return u.String()
}

func classifyBind(err error) BindErrorKind {
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return BindAddressInUse
	case errors.Is(err, syscall.EACCES):
		return BindPermissionDenied
	default:
		return BindInvalidInterface
	}
}

// loggingResponseWriter captures status code and byte count for the transfer
// log.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytes += n
	return n, err
}

// ReadFrom lets io.Copy take an optimized path while keeping the byte count.
func (lrw *loggingResponseWriter) ReadFrom(r io.Reader) (int64, error) {
	return io.Copy(struct{ io.Writer }{lrw}, r)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(lrw, r)
		logInfo("transfer",
			"remote", r.RemoteAddr, "method", r.Method, "path", r.URL.Path,
			"status", lrw.status, "bytes", lrw.bytes, "took", time.Since(start).Round(time.Millisecond).String())
	})
}
