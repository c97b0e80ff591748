package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"attendmax/internal/artifact"
	"attendmax/internal/attendance"
	"attendmax/internal/auth"
	"attendmax/internal/config"
	"attendmax/internal/directory"
	"attendmax/internal/httpmiddleware"
	"attendmax/internal/metrics"
	"attendmax/internal/queue"
	"attendmax/internal/session"
	"attendmax/internal/store"
)

func main() {
	cfg := config.Load()

	var zlog *zap.Logger
	var err error
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
		zlog, err = zap.NewProduction()
	} else {
		zlog, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer zlog.Sync()
	logger := zlog.Sugar()

	if err := runHTTP(cfg, logger); err != nil {
		logger.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App, logger *zap.SugaredLogger) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Warnf("db not reachable: %v", err)
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
		q = queue.NewRedisQueue(redisClient.Client, "attendmax:attendance")
	}

	artifacts, err := newArtifactStore(cfg)
	if err != nil {
		return err
	}

	registry := session.NewRegistry()
	metrics.RegisterLiveTokens(func() float64 { return float64(registry.LiveCount()) })

	issuer := session.NewIssuer(registry, artifacts, cfg.SessionWindow, cfg.QRSize, logger)
	sweeper := session.NewSweeper(registry, artifacts, cfg.SweepInterval, logger)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go sweeper.Run(sweepCtx)

	dir := directory.NewRepository(db.Client)
	repo := attendance.NewRepository(db.Client)
	recorder := attendance.NewRecorder(registry, dir, repo, logger)

	ctx := context.Background()

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

	// QR images rendered by the issuer are served as static content when the
	// filesystem artifact backend is in use.
	if cfg.ArtifactBackend != "cloudinary" {
		r.Static("/"+cfg.QRDir, cfg.QRDir)
	}

	r.POST("/auth/login", func(c *gin.Context) {
		var req struct {
			Email    string `json:"email" binding:"required"`
			Password string `json:"password" binding:"required"`
			Role     string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email, password and role are required"})
			return
		}

		user, err := dir.FindUserByEmail(c.Request.Context(), req.Email)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		if user == nil || !directory.CheckPassword(req.Password, user.PasswordHash) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
			return
		}
		if user.Role != req.Role {
			c.JSON(http.StatusForbidden, gin.H{"error": "you are not authorized as a " + req.Role})
			return
		}

		tokens, err := auth.Issue(auth.Identity{
			Subject:    user.ID,
			Role:       user.Role,
			Email:      user.Email,
			Name:       user.Name,
			Department: user.Department,
			Year:       user.Year,
			Semester:   user.Semester,
		}, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
			"role":          user.Role,
		})
	})

	admin := r.Group("/api", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, "admin"))

	admin.POST("/admin/generate-session", func(c *gin.Context) {
		var req struct {
			Department string `json:"department" binding:"required"`
			Year       string `json:"year" binding:"required"`
			Semester   string `json:"semester" binding:"required"`
			Subject    string `json:"subject" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "department, year, semester and subject are required"})
			return
		}
		claims := mustClaims(c)

		issued, err := issuer.Generate(c.Request.Context(), req.Department, req.Year, req.Semester, req.Subject, claims.Subject)
		if err != nil {
			if errors.Is(err, session.ErrMissingField) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			logger.Errorf("generate session failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session generation failed"})
			return
		}
		metrics.TokensIssued.Inc()

		c.JSON(http.StatusOK, gin.H{
			"artifactUrl": issued.ArtifactURL,
			"token":       issued.Token.Value,
			"expiresIn":   issued.ExpiresIn,
		})
	})

	admin.GET("/admin/attendance-records", func(c *gin.Context) {
		f := attendance.Filter{
			Department: c.Query("department"),
			Year:       c.Query("year"),
			Subject:    c.Query("subject"),
			Date:       c.Query("date"),
		}
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				f.Limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				f.Offset = parsed
			}
		}
		records, err := repo.List(c.Request.Context(), f)
		if err != nil {
			logger.Errorf("list attendance records failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "error fetching attendance records"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	// The status poller is used by both the admin dashboard countdown and the
	// student scan page.
	anyRole := r.Group("/api", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, "admin", "student"))

	anyRole.GET("/session-status/:token", func(c *gin.Context) {
		tok, ok := registry.Get(c.Param("token"))
		if !ok {
			c.JSON(http.StatusOK, gin.H{
				"active":        false,
				"timeRemaining": 0,
				"message":       "QR code expired",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"active":        true,
			"timeRemaining": tok.Remaining(time.Now()),
			"message":       "QR code active",
		})
	})

	student := r.Group("/api", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, "student"))

	student.GET("/current-session", func(c *gin.Context) {
		tok, ok := registry.Latest()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": tok.Value})
	})

	student.POST("/student/record-attendance", func(c *gin.Context) {
		var req struct {
			Token string `json:"token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid QR code data"})
			return
		}
		claims := mustClaims(c)

		outcome, err := recorder.Record(c.Request.Context(), claims.Identity(), req.Token)
		metrics.Scans.WithLabelValues(outcome.Kind.String()).Inc()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": outcome.Message})
			return
		}
		if outcome.Kind != attendance.Success {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": outcome.Message})
			return
		}

		if err := q.Publish(ctx, queue.Message{Type: "attendance", Body: []byte(outcome.RecordID)}); err != nil {
			logger.Errorf("queue publish failed: %v", err)
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": outcome.Message,
			"details": outcome.Details,
		})
	})

	student.GET("/student/profile", func(c *gin.Context) {
		claims := mustClaims(c)
		profile, err := dir.GetProfile(c.Request.Context(), claims.Subject)
		if err != nil {
			logger.Errorf("load profile failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "error fetching profile"})
			return
		}
		if profile == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
			return
		}
		c.JSON(http.StatusOK, profile)
	})

	student.GET("/student/stats", func(c *gin.Context) {
		claims := mustClaims(c)
		counts, err := repo.SubjectCounts(c.Request.Context(), claims.Subject)
		if err != nil {
			logger.Errorf("load stats failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "error fetching stats"})
			return
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		c.JSON(http.StatusOK, gin.H{
			"totalClasses":    len(counts),
			"classesAttended": total,
			"subjectWise":     counts,
		})
	})

	student.GET("/student/attendance-history", func(c *gin.Context) {
		claims := mustClaims(c)
		history, err := repo.History(c.Request.Context(), claims.Subject, 10)
		if err != nil {
			logger.Errorf("load history failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "error fetching attendance history"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"history": history})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("starting server on :%s (window=%s sweep=%s)", cfg.HTTPPort, cfg.SessionWindow, cfg.SweepInterval)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infof("shutting down server...")

	// Stop the sweeper first, then give outstanding requests 10 seconds.
	stopSweeper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("server forced shutdown: %v", err)
	}

	logger.Infof("server exited")
	return nil
}

func newArtifactStore(cfg config.App) (artifact.Store, error) {
	if cfg.ArtifactBackend == "cloudinary" {
		return artifact.NewCloudinaryStore(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder), nil
	}
	return artifact.NewFSStore(cfg.QRDir, cfg.PublicBaseURL)
}

func mustClaims(c *gin.Context) auth.Claims {
	claimsAny, _ := c.Get("claims")
	claims, _ := claimsAny.(auth.Claims)
	return claims
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

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
