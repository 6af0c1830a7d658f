package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/desco-devs/fleetsync/internal/config"
	"github.com/desco-devs/fleetsync/internal/database"
	"github.com/desco-devs/fleetsync/internal/handlers"
	"github.com/desco-devs/fleetsync/internal/logging"
	"github.com/desco-devs/fleetsync/internal/metrics"
	"github.com/desco-devs/fleetsync/internal/middleware"
	"github.com/desco-devs/fleetsync/internal/models"
	"github.com/desco-devs/fleetsync/internal/realtime"
	"github.com/desco-devs/fleetsync/internal/transport"
)

func main() {
	// Load environment variables (silent - production uses system env vars)
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: failed to load .env file: %v", err)
	}

	var (
		configPath = flag.StringP("config", "c", "", "path to TOML config file")
		addr       = flag.String("addr", "", "listen address, overrides config")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Bind = *addr
	}

	// Initialize services
	db := database.NewDB(cfg.Supabase.Schema)
	m := metrics.New()

	socket := transport.NewSocket(transport.SocketConfig{
		URL:         cfg.Supabase.RealtimeEndpoint,
		AccessToken: os.Getenv("SUPABASE_SERVICE_KEY"),
	})

	factory := func(user models.User) *realtime.Service {
		return realtime.NewService(realtime.RealClock(), socket, m, db, realtime.ServiceConfig{
			User: user,
			Manager: realtime.ManagerConfig{
				HeartbeatInterval:    time.Duration(cfg.Realtime.HeartbeatSeconds) * time.Second,
				HealthInterval:       time.Duration(cfg.Realtime.HealthCheckSeconds) * time.Second,
				MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
				BackoffLadder:        cfg.Realtime.BackoffLadder(),
				MaxBackoff:           time.Duration(cfg.Realtime.MaxBackoffMs) * time.Millisecond,
			},
			TypingTimeout:    time.Duration(cfg.Realtime.TypingTimeoutMs) * time.Millisecond,
			PresenceInterval: time.Duration(cfg.Realtime.PresenceHeartbeatSeconds) * time.Second,
			BaseThrottle:     time.Duration(cfg.Realtime.BaseThrottleMs) * time.Millisecond,
			OptimisticMaxAge: time.Duration(cfg.Realtime.OptimisticMaxAgeSeconds) * time.Second,
			Schema:           cfg.Supabase.Schema,
			MessagesTable:    "messages",
		})
	}

	// Initialize handlers
	realtimeHandler := handlers.NewRealtimeHandler(db, factory)
	fleetHandler := handlers.NewFleetHandler(db)

	// Setup Gin
	if os.Getenv("APP_ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.AppLog.RequestLoggerMiddleware())
	r.Use(m.Middleware())

	// Setup sessions
	sessionSecret := os.Getenv("SESSION_SECRET")
	if sessionSecret == "" {
		if os.Getenv("APP_ENV") == "production" {
			logging.Fatal("SESSION_SECRET must be set in production!")
		}
		sessionSecret = "dev-secret-change-in-production"
		log.Println("Warning: Using default session secret. Set SESSION_SECRET in production!")
	}
	store := cookie.NewStore([]byte(sessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   86400, // 24 hours
		HttpOnly: true,
		Secure:   os.Getenv("APP_ENV") == "production",
		SameSite: http.SameSiteLaxMode,
	})
	r.Use(sessions.Sessions("fleetsync-session", store))

	// Apply security middleware
	r.Use(middleware.SecurityHeadersMiddleware())
	r.Use(middleware.RequestSizeLimitMiddleware(1 << 20)) // 1MB limit

	// Unauthenticated endpoints
	startedAt := time.Now()
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"uptime_s":    int(time.Since(startedAt).Seconds()),
			"goroutines":  runtime.NumGoroutine(),
			"connections": realtimeHandler.ActiveServices(),
		})
	})
	r.GET("/metrics", metrics.Handler())

	// Authenticated API
	api := r.Group("/api")
	api.Use(middleware.RateLimitMiddleware(120, time.Minute))
	api.Use(middleware.AuthMiddleware(db))
	{
		rt := api.Group("/realtime")
		rt.POST("/connect", realtimeHandler.Connect)
		rt.POST("/disconnect", realtimeHandler.Disconnect)
		rt.GET("/status", realtimeHandler.Status)
		rt.POST("/reconnect", realtimeHandler.ForceReconnect)
		rt.GET("/errors", realtimeHandler.Errors)
		rt.POST("/errors/clear", realtimeHandler.ClearErrors)

		rooms := api.Group("/rooms/:id")
		rooms.POST("/join", realtimeHandler.JoinRoom)
		rooms.POST("/leave", realtimeHandler.LeaveRoom)
		rooms.POST("/typing", realtimeHandler.Typing)
		rooms.DELETE("/typing", realtimeHandler.StopTyping)
		rooms.GET("/typing", realtimeHandler.TypingUsers)
		rooms.GET("/online", realtimeHandler.RoomOnline)
		rooms.GET("/messages", realtimeHandler.RoomMessages)
		rooms.POST("/messages", realtimeHandler.SendMessage)
		rooms.POST("/read", realtimeHandler.MarkRoomRead)
		rooms.GET("/unread", realtimeHandler.UnreadCount)

		api.GET("/presence", realtimeHandler.Presence)
		api.PUT("/presence/status", realtimeHandler.UpdatePresenceStatus)
		api.POST("/device/network", realtimeHandler.NetworkSample)
		api.POST("/device/battery", realtimeHandler.BatterySample)
		api.GET("/activities", realtimeHandler.Activities)

		api.GET("/equipment", fleetHandler.ListEquipment)
		api.GET("/vehicles", fleetHandler.ListVehicles)
		api.GET("/maintenance", fleetHandler.ListMaintenance)
		api.POST("/maintenance", fleetHandler.CreateMaintenance)
	}

	srv := &http.Server{
		Addr:    cfg.Server.Bind,
		Handler: r,
	}

	go func() {
		logging.Info("FleetSync listening on %s", cfg.Server.Bind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("Server failed: %v", err)
		}
	}()

	// Periodic stale-session sweep
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-2 * time.Minute)
				if err := db.CleanupStaleSessions(sweepCtx, cutoff); err != nil {
					logging.Error("Stale session sweep failed: %v", err)
				}
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info("Shutting down")

	cancelSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	realtimeHandler.CloseAll(shutdownCtx)
	if err := socket.Disconnect(); err != nil {
		logging.Error("Socket disconnect failed: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("Server shutdown failed: %v", err)
	}
}
