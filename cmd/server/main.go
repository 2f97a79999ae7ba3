package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jsvanda/onesession/internal/admission"
	"github.com/jsvanda/onesession/internal/directory"
	"github.com/jsvanda/onesession/internal/maintenance"
	"github.com/jsvanda/onesession/internal/store"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// sessionBackend is everything the admission controller and the reaper need
// from a record store. Both the Postgres and the in-memory store satisfy it.
type sessionBackend interface {
	admission.SessionStore
	maintenance.ReaperStore
}

func main() {
	// 1. Config
	_ = godotenv.Load()
	listenAddr := envOr("LISTEN_ADDR", ":8080")
	sessionTTL := admission.DefaultSessionTTL
	if parsed := parsePositiveInt(os.Getenv("SESSION_TTL_HOURS")); parsed > 0 {
		sessionTTL = time.Duration(parsed) * time.Hour
	}
	reapInterval := maintenance.DefaultReapInterval
	if parsed := parsePositiveInt(os.Getenv("REAPER_INTERVAL_MINUTES")); parsed > 0 {
		reapInterval = time.Duration(parsed) * time.Minute
	}

	// 2. Session record store
	var backend sessionBackend
	if strings.EqualFold(strings.TrimSpace(os.Getenv("STORE_BACKEND")), "memory") {
		log.Println("Using in-memory session store (sessions do not survive restarts)")
		backend = store.NewMemory()
	} else {
		db, err := sql.Open("postgres", os.Getenv("POSTGRES_URL"))
		if err != nil {
			log.Fatalf("Failed to open DB: %v", err)
		}
		defer db.Close()

		// Simple schema migration on startup (for now)
		schema, err := os.ReadFile("internal/store/schema.sql")
		if err == nil {
			if _, err := db.Exec(string(schema)); err != nil {
				log.Printf("Schema init error (might be already existing): %v", err)
			}
		}
		backend = store.New(db)
	}

	// 3. Redis attempt limiter (optional)
	var limiter *directory.AttemptLimiter
	if redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		if _, err := rdb.Ping(context.Background()).Result(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		limiter = directory.NewAttemptLimiter(
			rdb,
			parsePositiveInt(os.Getenv("ATTEMPT_LIMIT")),
			time.Duration(parsePositiveInt(os.Getenv("ATTEMPT_WINDOW_MINUTES")))*time.Minute,
		)
	}

	// 4. Services
	ctrl := admission.New(backend, sessionTTL)
	tokens := directory.NewTokenVerifier(os.Getenv("SESSION_TOKEN_SECRET"))
	if tokens == nil {
		log.Println("SESSION_TOKEN_SECRET not set, create_session token gate disabled")
	}
	handler := directory.New(ctrl, limiter, tokens)

	reaper := maintenance.NewReaper(backend, reapInterval, maintenance.ReaperConfig{})
	go reaper.Run(context.Background())

	// 5. Server
	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	})

	perIPRate := rate.Limit(20)
	if parsed := parsePositiveInt(os.Getenv("REQUESTS_PER_SECOND")); parsed > 0 {
		perIPRate = rate.Limit(parsed)
	}
	handler.Register(e, middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(perIPRate)))

	log.Printf("Session directory starting on %s", listenAddr)
	e.Logger.Fatal(e.Start(listenAddr))
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parsePositiveInt(raw string) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || parsed <= 0 {
		return 0
	}
	return parsed
}
