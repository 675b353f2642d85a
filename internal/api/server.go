// Package api is the authenticated HTTP ingress used by companion services to manage users and
// reminders.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"remindbot/internal/directory"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

type Config struct {
	Addr      string
	JWTSecret string
	Issuer    string
}

type Scheduler interface {
	ScheduleOneOff(ctx context.Context, userID int64, message string, instant time.Time) (string, error)
	EnsureDailyDigest(ctx context.Context, userID int64) error
	CancelReminder(ctx context.Context, userID int64, id string) error
	Pending(ctx context.Context, userID int64) ([]storage.Reminder, error)
	Ready() bool
}

type Users interface {
	Register(ctx context.Context, id int64, name, lang string) (directory.User, bool, error)
	Get(id int64) (directory.User, bool)
	SetTimezone(ctx context.Context, id int64, zone string) error
	Delete(ctx context.Context, id int64) error
}

type Server struct {
	cfg   Config
	log   logx.Logger
	sched Scheduler
	users Users

	engine *gin.Engine
	srv    *http.Server
}

func New(cfg Config, sched Scheduler, users Users, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	s := &Server{cfg: cfg, log: log.With(logx.String("comp", "api")), sched: sched, users: users}
	s.engine = s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/readyz", func(c *gin.Context) {
		if s.sched == nil || !s.sched.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "recovering"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	v1 := r.Group("/v1")
	v1.Use(AuthMiddleware(s.cfg.JWTSecret, s.cfg.Issuer))
	{
		users := v1.Group("/users/:id")
		users.PUT("", s.upsertUser)
		users.DELETE("", s.deleteUser)
		users.PUT("/timezone", s.setTimezone)
		users.PUT("/digest", s.ensureDigest)
		users.GET("/reminders", s.listReminders)
		users.POST("/reminders", s.createReminder)
		users.DELETE("/reminders/:rid", s.cancelReminder)
	}
	return r
}

// Serve listens until ctx ends, then shuts down with a short grace period.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	s.log.Info("api listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		s.log.Warn("api shutdown", logx.Err(err))
	}
	<-errCh
	s.log.Info("api stopped")
	return nil
}

func requestLogger(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("dur", latency),
		}
		if caller, ok := c.Get(ctxCaller); ok {
			fields = append(fields, logx.Any("caller", caller))
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			log.Warn("request failed", fields...)
		case latency > 200*time.Millisecond:
			log.Info("slow request", fields...)
		default:
			log.Debug("request", fields...)
		}
	}
}
