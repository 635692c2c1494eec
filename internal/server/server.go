package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/socialdash/autopost/internal/config"
	"github.com/socialdash/autopost/internal/service"
)

type Server struct {
	Config *config.Config
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	// Services
	Components *service.Components
	Sessions   *service.SessionManager
	Sweeper    *service.Sweeper

	cancel         context.CancelFunc
	sweeperStarted bool
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	components, err := service.Build(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	return New(cfg, components, logger), nil
}

// New builds a server around already constructed components
func New(cfg *config.Config, components *service.Components, logger *zap.Logger) *Server {
	// Set gin mode
	gin.SetMode(cfg.Server.Mode)

	// Sessions outlive the requests that open them
	ctx, cancel := context.WithCancel(context.Background())
	deps := components.Deps

	interval := config.MustDuration(cfg.Scheduler.Interval)
	stuckAfter := config.MustDuration(cfg.Scheduler.StuckAfter)
	sweepInterval := config.MustDuration(cfg.Scheduler.SweepInterval)

	srv := &Server{
		Config:     cfg,
		Router:     gin.New(),
		Logger:     logger,
		Components: components,
		Sessions:   service.NewSessionManager(ctx, deps, interval),
		Sweeper:    service.NewSweeper(deps, stuckAfter, sweepInterval),
		cancel:     cancel,
	}

	// Setup middleware and routes
	srv.setupMiddleware()
	srv.setupRoutes()

	return srv
}

func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.Router.Use(gin.Recovery())

	// Logger middleware
	s.Router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
		SkipPaths: []string{"/health"},
	}))

	// CORS middleware
	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
}

func (s *Server) setupRoutes() {
	// Health check
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"time":     time.Now().Unix(),
			"sessions": len(s.Sessions.Users()),
		})
	})

	// API routes
	api := s.Router.Group("/api/v1")
	{
		posts := api.Group("/posts")
		{
			posts.GET("", s.handleListPosts)
			posts.GET("/:id", s.handleGetPost)
			posts.POST("/:id/resubmit", s.handleResubmitPost)
		}

		sessions := api.Group("/sessions")
		{
			sessions.GET("", s.handleListSessions)
			sessions.POST("/:user_id", s.handleOpenSession)
			sessions.DELETE("/:user_id", s.handleCloseSession)
			sessions.POST("/:user_id/tick", s.handleTick)
		}

		api.GET("/stats", s.handleStats)
		api.GET("/errors", s.handleRecentErrors)
	}
}

// StartScheduling opens a session for every configured user and starts the
// sweeper. It does nothing when the scheduler is disabled.
func (s *Server) StartScheduling() {
	if !s.Config.Scheduler.IsEnabled() {
		s.Logger.Info("Scheduler disabled, sessions must be opened through the API")
		return
	}

	s.Sweeper.Start(context.Background())
	s.sweeperStarted = true

	for _, userID := range s.Config.Scheduler.UserIDs {
		if _, err := s.Sessions.Open(userID); err != nil {
			s.Logger.Error("Failed to open session", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.StartScheduling()

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)

	s.Server = &http.Server{
		Addr:    addr,
		Handler: s.Router,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	var err error
	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		err = s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	} else {
		err = s.Server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var errs []error
	if s.Server != nil {
		errs = append(errs, s.Server.Shutdown(shutdownCtx))
	}

	// Stop scheduling, then wait for ticks in progress before closing the store
	if s.sweeperStarted {
		s.Sweeper.Stop()
		s.sweeperStarted = false
	}
	s.Sessions.CloseAll()
	s.cancel()

	errs = append(errs, s.Components.Close())
	return errors.Join(errs...)
}
