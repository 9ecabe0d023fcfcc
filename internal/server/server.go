package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fable/internal/config"
	"fable/internal/task"
	"fable/internal/utils"
)

// Server exposes the task lifecycle over HTTP: REST for submission and
// inspection, SSE and WebSocket for live event streams, plus Prometheus
// metrics.
type Server struct {
	cfg      *config.Config
	manager  *task.Manager
	logger   *utils.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

func New(cfg *config.Config, manager *task.Manager) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	engine.Use(cors.New(corsConfig))

	s := &Server{
		cfg:     cfg,
		manager: manager,
		logger:  utils.NewComponentLogger("Server"),
		engine:  engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")
	api.POST("/tasks", s.handleSubmit)
	api.GET("/tasks/:id", s.handleGet)
	api.POST("/tasks/:id/cancel", s.handleCancel)
	api.GET("/tasks/:id/events", s.handleEvents)

	s.engine.GET("/ws/tasks/:id", s.handleWebSocket)
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening on %s", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}
