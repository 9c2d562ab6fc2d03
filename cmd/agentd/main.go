package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"checkpointd/internal/auth"
	"checkpointd/internal/bus"
	"checkpointd/internal/config"
	"checkpointd/internal/connectivity"
	"checkpointd/internal/httpmiddleware"
	"checkpointd/internal/metrics"
	"checkpointd/internal/model"
	"checkpointd/internal/scan"
	"checkpointd/internal/serverapi"
	"checkpointd/internal/store"
	"checkpointd/internal/syncer"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.DeviceID == "" {
		log.Fatal("DEVICE_ID is required")
	}

	if err := run(cfg); err != nil {
		log.Fatalf("agent failed: %v", err)
	}
}

func run(cfg config.App) error {
	db, err := store.OpenDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	st := store.New(db, cfg.HistoryLimit)
	if n, err := st.RecoverInFlight(context.Background()); err != nil {
		return err
	} else if n > 0 {
		log.Printf("requeued %d scans left in flight by previous run", n)
	}

	tokens := auth.NewDeviceTokens(cfg.DeviceID, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.TokenTTL)
	api := serverapi.New(cfg.ServerURL, tokens)
	m := metrics.New()

	var notifications bus.Bus
	if cfg.BusBackend == "redis" {
		notifications = bus.NewRedis(bus.NewClient(cfg.RedisAddr), "checkpoint:"+cfg.DeviceID)
	} else {
		notifications = bus.NewInMemory(16)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// An offline→online transition kicks an immediate pass; operator actions
	// push an event id to force its reconciliation.
	kick := make(chan string, 4)
	prober := connectivity.New(api.Health, cfg.ProbeInterval, func(online bool) {
		_ = notifications.Publish(ctx, bus.Notification{Type: bus.TypeConnectivity, Online: online})
		if online {
			select {
			case kick <- "":
			default:
			}
		}
	})

	orchestrator := scan.NewOrchestrator(st, api, prober, scan.Identity{
		CheckpointID: cfg.CheckpointID,
		DeviceID:     cfg.DeviceID,
		EventID:      cfg.EventID,
	}, m)
	debounce := scan.NewDebouncer(cfg.DebounceWindow)
	engine := syncer.New(st, api, notifications, prober, m, cfg.BatchSize, cfg.ReconcilePages)

	go prober.Run(ctx)
	go engine.Run(ctx, cfg.SyncInterval, kick)
	go archiveLoop(ctx, st, cfg.ArchiveAfter)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(httpmiddleware.NewRateLimiter(cfg.RateLimitPerMin).Middleware())

	r.GET("/metrics", gin.WrapH(m.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		pending, err := st.PendingCount(c.Request.Context())
		status := http.StatusOK
		if err != nil {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "online": prober.Online(), "pending": pending})
	})

	r.POST("/v1/scans", func(c *gin.Context) {
		var req model.ScanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "code required"})
			return
		}
		if !debounce.Allow(req.Code) {
			c.JSON(http.StatusOK, gin.H{"suppressed": true, "code": req.Code})
			return
		}

		outcome, err := orchestrator.Submit(c.Request.Context(), req)
		if err != nil {
			var apiErr *serverapi.APIError
			if errors.As(err, &apiErr) && apiErr.ClientRejection() {
				c.JSON(apiErr.Status, gin.H{"error": apiErr.Body})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, outcome)
	})

	r.GET("/v1/history", func(c *gin.Context) {
		entries, err := st.History(c.Request.Context(), c.Query("event_id"), intQuery(c, "limit", 50))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"history": entries})
	})

	r.GET("/v1/history/stream", func(c *gin.Context) {
		ch, unsubscribe := st.ObserveHistory(c.Query("event_id"), intQuery(c, "limit", 50))
		defer unsubscribe()
		stream(c, func(entries []model.CacheEntry) { c.SSEvent("history", entries) }, ch)
	})

	r.GET("/v1/pending", func(c *gin.Context) {
		n, err := st.PendingCount(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"pending": n})
	})

	r.GET("/v1/pending/stream", func(c *gin.Context) {
		ch, unsubscribe := st.ObservePendingCount()
		defer unsubscribe()
		stream(c, func(n int) { c.SSEvent("pending", gin.H{"pending": n}) }, ch)
	})

	r.GET("/v1/notifications/stream", func(c *gin.Context) {
		ch, unsubscribe, err := notifications.Subscribe(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer unsubscribe()
		stream(c, func(n bus.Notification) { c.SSEvent(n.Type, n) }, ch)
	})

	r.POST("/v1/sync", func(c *gin.Context) {
		var req struct {
			EventID string `json:"event_id"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		res := engine.RunPass(c.Request.Context(), syncer.Options{ForceEventID: req.EventID})
		if res.Err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"performed": res.Performed, "error": res.Err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	r.POST("/v1/connectivity", func(c *gin.Context) {
		var req struct {
			Online *bool `json:"online" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		prober.Set(*req.Online)
		c.JSON(http.StatusOK, gin.H{"online": prober.Online()})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming endpoints stay open
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("agent listening on :%s (device %s)", cfg.HTTPPort, cfg.DeviceID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("forced shutdown: %v", err)
	}
	log.Println("agent exited")
	return nil
}

// archiveLoop periodically moves old confirmed scans to the archive table.
func archiveLoop(ctx context.Context, st *store.Store, retain time.Duration) {
	if retain <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			moved, err := st.ArchiveConfirmed(ctx, time.Now().Add(-retain))
			if err != nil {
				log.Printf("archive failed: %v", err)
			} else if moved > 0 {
				log.Printf("archived %d confirmed scans", moved)
			}
		case <-ctx.Done():
			return
		}
	}
}

// stream pushes channel values to the client as server-sent events until the
// client goes away or the channel closes.
func stream[T any](c *gin.Context, emit func(T), ch <-chan T) {
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case v, ok := <-ch:
			if !ok {
				return false
			}
			emit(v)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
