package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/config"
	"rollcall/internal/directory"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/notify"
	"rollcall/internal/queue"
	"rollcall/internal/rollcall"
	"rollcall/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	}

	repo := rollcall.NewRepository(db.Client, cfg.StoreTimeout)
	dir := directory.NewStore(db.Client, cfg.StoreTimeout)
	engine := rollcall.New(repo, repo, repo, dir, q)
	tokens := notify.NewTokenStore(db.Client, cfg.StoreTimeout)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	v1 := r.Group("/v1")

	v1.GET("/emergency/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"active": engine.Active(c.Request.Context())})
	})

	v1.POST("/emergency/trigger", func(c *gin.Context) {
		var req struct {
			Active  *bool `json:"active" binding:"required"`
			StaffID int64 `json:"staff_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if *req.Active {
			sess, err := engine.Activate(c.Request.Context(), req.StaffID)
			if err != nil {
				abortWithError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"active": true, "session_id": sess.ID, "start_time": sess.StartTime})
			return
		}

		stats, err := engine.Deactivate(c.Request.Context(), req.StaffID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"active": false, "stats": stats})
	})

	v1.GET("/emergency", func(c *gin.Context) {
		roster, err := engine.Roster(c.Request.Context())
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"students": roster})
	})

	v1.POST("/scan", func(c *gin.Context) {
		var req struct {
			StudentID string `json:"student_id" binding:"required"`
			StaffID   int64  `json:"staff_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		evt, err := engine.RegisterScan(c.Request.Context(), req.StudentID, req.StaffID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"student_id": evt.StudentID,
			"scan_type":  evt.Type,
			"timestamp":  evt.Timestamp,
		})
	})

	v1.POST("/emergency/toggle", func(c *gin.Context) {
		var req struct {
			StudentID string `json:"student_id" binding:"required"`
			StaffID   int64  `json:"staff_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		scanned, err := engine.Toggle(c.Request.Context(), req.StudentID, req.StaffID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"scanned": scanned})
	})

	v1.GET("/emergency/history", func(c *gin.Context) {
		scope := rollcall.ScopeCurrent
		if c.Query("scope") == "all" {
			scope = rollcall.ScopeAll
		}
		entries, err := engine.History(c.Request.Context(), scope)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"history": entries})
	})

	v1.GET("/emergency/reports", func(c *gin.Context) {
		reports, err := engine.Reports(c.Request.Context())
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"reports": reports})
	})

	v1.POST("/devices/register", func(c *gin.Context) {
		var req struct {
			StudentID  string `json:"student_id" binding:"required"`
			Token      string `json:"token" binding:"required"`
			DeviceName string `json:"device_name"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		student, err := dir.ResolveStudent(c.Request.Context(), req.StudentID)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
			return
		}
		if student == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
			return
		}

		if err := tokens.Register(c.Request.Context(), student.ID, req.Token, req.DeviceName); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token registration failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"registered": true})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// abortWithError maps engine error kinds to HTTP status codes.
func abortWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, rollcall.ErrStudentNotFound), errors.Is(err, rollcall.ErrStaffNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, rollcall.ErrAlreadySafe), errors.Is(err, rollcall.ErrSessionActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, rollcall.ErrNoActiveSession):
		// Deactivating while inactive is a 404 (nothing to close); a
		// toggle or scan outside a session is a 400.
		if c.FullPath() == "/v1/emergency/trigger" {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, rollcall.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable, retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
