// internal/staticserver/server.go
package staticserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Server serves a local site directory so file based scenarios load over
// HTTP, the way the deployed site does.
type Server struct {
	// URL is the base address, without a trailing slash.
	URL string

	dir        string
	httpServer *http.Server
	logger     *zap.Logger
	serveErr   chan error
	stop       chan struct{}
	stopOnce   sync.Once
}

// Handler serves dir with caching disabled.
func Handler(dir string, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)
	r.Use(requestLogger(logger))

	fs := http.FileServer(http.Dir(dir))
	r.Handle("/*", fs)
	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("Served request.",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

// Start listens on addr (port 0 picks a free one) and serves dir until
// Shutdown is called or ctx ends.
func Start(ctx context.Context, dir, addr string, logger *zap.Logger) (*Server, error) {
	logger = logger.Named("staticserver")

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve site directory: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return nil, fmt.Errorf("site directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("site directory %s is not a directory", absDir)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s := &Server{
		URL:    "http://" + ln.Addr().String(),
		dir:    absDir,
		logger: logger,
		httpServer: &http.Server{
			Handler:           Handler(absDir, logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
		serveErr: make(chan error, 1),
		stop:     make(chan struct{}),
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.serveErr <- err
		}
		close(s.serveErr)
	}()

	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.Shutdown(shutdownCtx)
		case <-s.stop:
		}
	}()

	logger.Info("Serving site directory.", zap.String("dir", absDir), zap.String("url", s.URL))
	return s, nil
}

// Resolve maps a scenario target onto the server. File targets are taken
// relative to the working directory, the way LoadScenario leaves them, and
// become URLs only when they lie inside the served directory; anything else
// is returned unchanged.
func (s *Server) Resolve(target string) string {
	if target == "" {
		return s.URL + "/"
	}
	if u, err := url.Parse(target); err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		return target
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return target
	}
	rel, err := filepath.Rel(s.dir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return target
	}
	if rel == "." {
		return s.URL + "/"
	}
	return s.URL + "/" + filepath.ToSlash(rel)
}

// Shutdown stops the server and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stop)
		err = s.httpServer.Shutdown(ctx)
		if serveErr := <-s.serveErr; serveErr != nil {
			err = errors.Join(err, serveErr)
		}
		s.logger.Debug("Static server stopped.")
	})
	return err
}
