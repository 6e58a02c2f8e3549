// Package httpapi is the operator API: content ingest, review decisions,
// queue statistics and worker diagnostics.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"relaybot/internal/domain"
	"relaybot/internal/queue"
	"relaybot/internal/worker"
	logx "relaybot/pkg/logx"
)

type Config struct {
	Addr        string
	MetricsPath string
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool
}

// Queue is the write side of the engine.
type Queue interface {
	Ingest(ctx context.Context, c domain.Content) (queue.Result, error)
	EnqueueContent(ctx context.Context, id int64) (queue.Result, error)
	Approve(ctx context.Context, id int64, note string) (queue.Result, error)
	Reject(ctx context.Context, id int64, note string) error
}

// Reader is the query side.
type Reader interface {
	GetContent(ctx context.Context, id int64) (domain.Content, error)
	Stats(ctx context.Context, now time.Time) (domain.Stats, error)
	ListFailures(ctx context.Context, target string, limit int) ([]domain.PushedRecord, error)
}

type WorkerView interface {
	Snapshot() worker.Snapshot
}

type Server struct {
	cfg    Config
	log    logx.Logger
	queue  Queue
	reader Reader
	worker WorkerView
	router *gin.Engine

	mu  sync.Mutex
	srv *http.Server
}

// New builds the router. metrics may be nil; worker may be nil for an
// API-only process.
func New(cfg Config, q Queue, r Reader, w WorkerView, metrics http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	if strings.TrimSpace(cfg.MetricsPath) == "" {
		cfg.MetricsPath = "/metrics"
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{cfg: cfg, log: log, queue: q, reader: r, worker: w, router: gin.New()}
	s.router.Use(gin.Recovery(), s.requestLog())
	s.routes(metrics)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes(metrics http.Handler) {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
	})
	if metrics != nil {
		s.router.GET(s.cfg.MetricsPath, gin.WrapH(metrics))
	}
	if s.cfg.Pprof {
		dbg := s.router.Group("/debug/pprof")
		{
			dbg.GET("/", gin.WrapF(hpprof.Index))
			dbg.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
			dbg.GET("/profile", gin.WrapF(hpprof.Profile))
			dbg.GET("/symbol", gin.WrapF(hpprof.Symbol))
			dbg.POST("/symbol", gin.WrapF(hpprof.Symbol))
			dbg.GET("/trace", gin.WrapF(hpprof.Trace))
			dbg.GET("/:profile", gin.WrapF(hpprof.Index))
		}
	}

	api := s.router.Group("/api/v1")
	{
		content := api.Group("/content")
		{
			content.POST("", s.handleIngest)
			content.GET("/:id", s.handleGetContent)
			content.POST("/:id/enqueue", s.handleEnqueue)
			content.POST("/:id/approve", s.handleApprove)
			content.POST("/:id/reject", s.handleReject)
		}
		api.GET("/stats", s.handleStats)
		api.GET("/failures", s.handleFailures)
		api.GET("/worker", s.handleWorker)
	}
}

// Start listens on cfg.Addr and serves until Stop. Listen errors are
// returned; serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.srv = srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", logx.Err(err))
		}
	}()
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("dur", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, logx.String("err", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Warn("http request", fields...)
			return
		}
		s.log.Debug("http request", fields...)
	}
}

type noteRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleIngest(c *gin.Context) {
	var in domain.Content
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid input: " + err.Error()})
		return
	}
	if in.ID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be > 0"})
		return
	}
	res, err := s.queue.Ingest(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err, res)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) handleGetContent(c *gin.Context) {
	id, ok := contentID(c)
	if !ok {
		return
	}
	ct, err := s.reader.GetContent(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, ct)
}

func (s *Server) handleEnqueue(c *gin.Context) {
	id, ok := contentID(c)
	if !ok {
		return
	}
	res, err := s.queue.EnqueueContent(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleApprove(c *gin.Context) {
	id, ok := contentID(c)
	if !ok {
		return
	}
	var req noteRequest
	if !bindOptional(c, &req) {
		return
	}
	res, err := s.queue.Approve(c.Request.Context(), id, req.Note)
	if err != nil {
		s.fail(c, err, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleReject(c *gin.Context) {
	id, ok := contentID(c)
	if !ok {
		return
	}
	var req noteRequest
	if !bindOptional(c, &req) {
		return
	}
	if err := s.queue.Reject(c.Request.Context(), id, req.Note); err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"content_id": id, "review_status": domain.ReviewRejected})
}

func (s *Server) handleStats(c *gin.Context) {
	st, err := s.reader.Stats(c.Request.Context(), time.Now())
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleFailures(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	out, err := s.reader.ListFailures(c.Request.Context(), strings.TrimSpace(c.Query("target")), limit)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"failures": out})
}

func (s *Server) handleWorker(c *gin.Context) {
	if s.worker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "worker not configured"})
		return
	}
	c.JSON(http.StatusOK, s.worker.Snapshot())
}

func contentID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid content id"})
		return 0, false
	}
	return id, true
}

// bindOptional decodes a JSON body when one is present.
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid input: " + err.Error()})
		return false
	}
	return true
}

// fail maps engine errors to status codes. A partial result is included
// when a multi-target enqueue failed for some targets.
func (s *Server) fail(c *gin.Context, err error, partial any) {
	_ = c.Error(err)
	status := http.StatusInternalServerError
	var cfgErr *domain.ConfigurationError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.As(err, &cfgErr):
		status = http.StatusUnprocessableEntity
	}
	body := gin.H{"error": err.Error()}
	if partial != nil {
		body["result"] = partial
	}
	c.JSON(status, body)
}
