// Package server 预取服务的 HTTP 接口
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pageprimer/internal/logger"
	"pageprimer/pkg/api"
)

// Server HTTP 服务
type Server struct {
	svc          api.Service
	log          logger.Logger
	primeTimeout time.Duration
	client       *http.Client
	srv          *http.Server
}

// Options 服务配置
type Options struct {
	Addr string
	// PrimeTimeout 同步预取的默认超时，超时后取消会话
	PrimeTimeout time.Duration
	Logger       logger.Logger
}

// New 创建 HTTP 服务
func New(svc api.Service, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.PrimeTimeout <= 0 {
		opts.PrimeTimeout = time.Minute
	}
	s := &Server{
		svc:          svc,
		log:          opts.Logger,
		primeTimeout: opts.PrimeTimeout,
		client:       &http.Client{Transport: svc.Transport()},
	}
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router 路由
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/prime", s.prime)
		r.Get("/prime/{id}", s.getSession)
		r.Delete("/prime/{id}", s.cancel)
		r.Get("/fetch", s.fetch)
		r.Get("/cache", s.cacheKeys)
	})
	return r
}

// ListenAndServe 启动监听，ctx 结束时优雅关闭
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP 服务启动", "addr", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.log.Info("HTTP 服务关闭")
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("API 请求完成",
			"requestID", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}
