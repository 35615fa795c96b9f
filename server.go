package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/projects_backend/config"
	"bitbucket.org/mmdatafocus/projects_backend/models"
	"bitbucket.org/mmdatafocus/projects_backend/utils"
	"bitbucket.org/mmdatafocus/projects_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

const defaultPort = "8080"

var tracer = otel.Tracer("projects-baseline-ledger")

// authorizeInternalOps gates the /internal endpoints. The surrounding
// workflow services authenticate with a shared token; end-user auth lives in
// the gateway, not here.
func authorizeInternalOps(c *gin.Context) bool {
	expected := strings.TrimSpace(os.Getenv("INTERNAL_OPS_TOKEN"))
	if expected == "" {
		// Deny by default in production when no token is configured.
		return !strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
	}
	return c.GetHeader("x-internal-token") == expected
}

func baselineVersionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		milestoneId, err := strconv.Atoi(c.Param("id"))
		if err != nil || milestoneId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid milestone id"})
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), "baseline.versions.list")
		defer span.End()

		if _, err := models.GetMilestone(ctx, milestoneId); err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "milestone not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		versions, err := models.GetBaselineVersions(ctx, milestoneId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"milestone_id":      milestoneId,
			"baseline_versions": versions,
		})
	}
}

// Invoked by the milestone-lock workflow at first dual-signature lock.
func baselineLockedHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authorizeInternalOps(c) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		milestoneId, err := strconv.Atoi(c.Param("id"))
		if err != nil || milestoneId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid milestone id"})
			return
		}

		var created bool
		err = config.GetDB().WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
			milestone, err := models.GetMilestoneTx(tx, milestoneId)
			if err != nil {
				return err
			}
			created, err = workflow.RecordOriginalBaseline(tx, logger, milestone)
			return err
		})
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, utils.ErrorRecordNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"milestone_id":   milestoneId,
			"created":        created,
			"correlation_id": cid,
		})
	}
}

// Invoked by the variation-approval workflow when a variation is applied.
func variationAppliedHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authorizeInternalOps(c) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		variationId, err := strconv.Atoi(c.Param("id"))
		if err != nil || variationId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid variation id"})
			return
		}

		var recorded, skipped int
		err = config.GetDB().WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
			variation, err := models.GetVariationTx(tx, variationId)
			if err != nil {
				return err
			}
			variationMilestones, err := models.GetVariationMilestones(tx, variationId)
			if err != nil {
				return err
			}
			for _, vm := range variationMilestones {
				milestone, err := models.GetMilestoneTx(tx, vm.MilestoneId)
				if err != nil {
					return err
				}
				created, err := workflow.RecordAmendment(tx, logger, variation, vm, milestone)
				if err != nil {
					return err
				}
				if created {
					recorded++
				} else {
					skipped++
				}
			}
			return nil
		})
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, utils.ErrorRecordNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"variation_id":   variationId,
			"recorded":       recorded,
			"skipped":        skipped,
			"correlation_id": cid,
		})
	}
}

type baselineJobRequest struct {
	MilestoneId int  `json:"milestone_id"`
	DryRun      bool `json:"dry_run"`
}

// obtainJobLock serializes a repair job across instances. Redis being down
// does not block repair: every write the passes make is idempotent, so the
// job proceeds with a warning rather than blocking the repair.
func obtainJobLock(c *gin.Context, logger *logrus.Logger, name string) (*redislock.Lock, bool) {
	redisLock := config.GetRedisLock()
	if redisLock == nil {
		logger.WithFields(logrus.Fields{
			"job": name,
		}).Warn("redis lock not ready; proceeding without redis lock")
		return nil, true
	}
	lock, err := redisLock.Obtain(c.Request.Context(), "lock:"+name, 10*time.Minute, nil)
	if err == redislock.ErrNotObtained {
		c.JSON(http.StatusConflict, gin.H{"error": name + " is already running"})
		return nil, false
	}
	if err != nil {
		logger.WithFields(logrus.Fields{
			"job": name,
		}).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
		return nil, true
	}
	return lock, true
}

func baselineBackfillJobHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authorizeInternalOps(c) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if config.BaselineJobsDisabled() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "baseline jobs are disabled"})
			return
		}
		var req baselineJobRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}

		lock, ok := obtainJobLock(c, logger, "baseline-backfill")
		if !ok {
			return
		}
		if lock != nil {
			defer lock.Release(c.Request.Context())
		}

		result, err := workflow.RunBaselineBackfill(config.GetDB(), logger, workflow.BaselineBackfillOptions{
			MilestoneId: req.MilestoneId,
			DryRun:      req.DryRun,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "partial": result})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func baselineRenumberJobHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authorizeInternalOps(c) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if config.BaselineJobsDisabled() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "baseline jobs are disabled"})
			return
		}
		var req baselineJobRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}

		lock, ok := obtainJobLock(c, logger, "baseline-renumber")
		if !ok {
			return
		}
		if lock != nil {
			defer lock.Release(c.Request.Context())
		}

		result, err := workflow.RunBaselineRenumber(config.GetDB(), logger, workflow.BaselineRenumberOptions{
			MilestoneId: req.MilestoneId,
			DryRun:      req.DryRun,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "partial": result})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB is ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness. Redis is optional:
		// the job handlers degrade to lockless-but-idempotent execution.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-internal-token")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Baseline history for UI display.
	r.GET("/milestones/:id/baseline-versions", baselineVersionsHandler())
	// Write trigger points for the milestone-lock and variation-approval workflows.
	r.POST("/internal/milestones/:id/baseline-locked", baselineLockedHandler(logger))
	r.POST("/internal/variations/:id/applied", variationAppliedHandler(logger))
	// Out-of-band repair passes (also available as cmd/ tools).
	r.POST("/internal/jobs/baseline-backfill", baselineBackfillJobHandler(logger))
	r.POST("/internal/jobs/baseline-renumber", baselineRenumberJobHandler(logger))
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// The existence-check + insert pairs in the write path rely on READ
	// COMMITTED plus the (milestone_id, version) unique index.
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<minInt(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
