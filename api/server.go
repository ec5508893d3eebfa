package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"rental_ingest/evasion"
	"rental_ingest/models"
	"rental_ingest/runs"
	"rental_ingest/storage"
)

// RunTracker answers for runs owned by this process and stops them.
type RunTracker interface {
	Get(ctx context.Context, runID string) (*models.Run, error)
	Stop(ctx context.Context, runID string) error
}

type Trigger interface {
	TriggerNow(ctx context.Context) (string, error)
}

type Captcha interface {
	Notification() evasion.Notification
	Resolve(ctx context.Context, solution string) (bool, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Server is the operator surface. BaseContext scopes the runs it triggers,
// so they outlive the request that started them.
type Server struct {
	Runs        storage.RunStore
	Tracker     RunTracker
	Trigger     Trigger
	Captcha     Captcha
	Sweeper     Sweeper
	Metrics     http.Handler
	BaseContext context.Context
}

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
)

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	g := r.Group("/api")
	g.GET("/runs", s.listRuns) // ?limit=20
	g.GET("/runs/:id", s.getRun)
	g.POST("/runs", s.startRun)
	g.POST("/runs/:id/stop", s.stopRun)
	g.GET("/captcha", s.captcha)
	g.POST("/captcha/resolve", s.resolveCaptcha)
	g.POST("/reconcile", s.reconcile)

	if s.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.Metrics))
	}
	return r
}

func requestLogger() gin.HandlerFunc {
	log := logrus.WithField("component", "api")
	return func(c *gin.Context) {
		c.Next()
		log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
		}).Debug("request")
	}
}

func (s *Server) listRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultRunLimit)))
	if err != nil || limit <= 0 {
		limit = defaultRunLimit
	}
	if limit > maxRunLimit {
		limit = maxRunLimit
	}

	list, err := s.Runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = []models.Run{}
	}
	c.JSON(http.StatusOK, gin.H{"data": list})
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.Tracker.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) startRun(c *gin.Context) {
	ctx := s.BaseContext
	if ctx == nil {
		ctx = context.WithoutCancel(c.Request.Context())
	}

	runID, err := s.Trigger.TriggerNow(ctx)
	switch {
	case errors.Is(err, runs.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil && runID == "":
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	case err != nil:
		// the run exists but failed to start, e.g. invalid settings
		c.JSON(http.StatusUnprocessableEntity, gin.H{"id": runID, "error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"id": runID})
	}
}

func (s *Server) stopRun(c *gin.Context) {
	err := s.Tracker.Stop(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, runs.ErrRunNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"stopping": true})
	}
}

func (s *Server) captcha(c *gin.Context) {
	c.JSON(http.StatusOK, s.Captcha.Notification())
}

type resolveRequest struct {
	Solution string `json:"solution"`
}

func (s *Server) resolveCaptcha(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Solution = strings.TrimSpace(req.Solution)
	if req.Solution == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "solution is required"})
		return
	}

	resolved, err := s.Captcha.Resolve(c.Request.Context(), req.Solution)
	switch {
	case errors.Is(err, evasion.ErrNoChallenge):
		c.JSON(http.StatusConflict, gin.H{"resolved": false, "error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"resolved": false, "error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"resolved": resolved})
	}
}

func (s *Server) reconcile(c *gin.Context) {
	n, err := s.Sweeper.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"marked": n, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}
