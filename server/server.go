package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/krau/multitagger/engine"
)

// Engine is the part of *engine.Engine the HTTP API drives.
type Engine interface {
	Interrogate(ctx context.Context, name string, images [][]byte, threshold float32) ([]engine.Result, error)
	Unload(name string) bool
	UnloadAll() int
	Status() []engine.ModelStatus
}

// Catalog lists the models that can be requested.
type Catalog interface {
	Refresh() error
	Names() []string
}

type Options struct {
	Token        string
	DefaultModel string
	Threshold    float32
	Logger       *slog.Logger
}

type Server struct {
	engine  Engine
	catalog Catalog
	opts    Options
	logger  *slog.Logger
}

func New(eng Engine, catalog Catalog, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: eng, catalog: catalog, opts: opts, logger: logger}
}

func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	r.GET("/health", HealthHandler)

	api := r.Group("/", s.authenticate())
	api.POST("/interrogate", s.InterrogateFormHandler)

	v1 := api.Group("/tagger/v1")
	v1.POST("/interrogate", s.InterrogateJSONHandler)
	v1.GET("/interrogators", s.InterrogatorsHandler)
	v1.POST("/unload-interrogators", s.UnloadHandler)
	v1.GET("/status", s.StatusHandler)
	return r
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening on", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	s.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
