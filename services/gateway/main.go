package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rideshare/internal/auth"
	"github.com/rideshare/internal/config"
	"github.com/rideshare/internal/feed"
	"github.com/rideshare/internal/handler"
	"github.com/rideshare/internal/logger"
	"github.com/rideshare/internal/metrics"
	"github.com/rideshare/internal/middleware"
	"github.com/rideshare/internal/push"
	"github.com/rideshare/internal/repository"
	"github.com/rideshare/internal/session"
	"github.com/rideshare/internal/startup"
	"github.com/rideshare/internal/storage"
	"github.com/rideshare/internal/storage/memory"
	redisstorage "github.com/rideshare/internal/storage/redis"
	"github.com/rideshare/internal/ws"
	"github.com/rideshare/migrations"
)

const devJWTSecret = "rideshare-dev-secret"

func main() {
	logger.SetPrefix("gateway")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	issueFor := flag.String("issue-token", "", "print a 24h access token for the given user id and exit")
	flag.Parse()

	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	if cfg.Auth.JWTSecret == "" {
		if !*dev {
			logger.Errorf("JWT_SECRET is required (or run with -dev)")
			os.Exit(1)
		}
		cfg.Auth.JWTSecret = devJWTSecret
		logger.Info("dev mode: using built-in JWT secret")
	}
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if *issueFor != "" {
		tok, err := verifier.Issue(*issueFor, 24*time.Hour)
		if err != nil {
			logger.Errorf("issue token: %v", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	logger.Info("starting gateway")

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 2

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	runMigrations(pool)
	if *migrate {
		return
	}
	logger.Info("database connected, migrations applied")

	var (
		store storage.Store
		rdb   *redisstorage.Client
	)
	if cfg.Redis.URL != "" {
		rdb = startup.ConnectRedisWithRetry(cfg.Redis.URL, 30*time.Second, "")
		store = rdb
		logger.Info("redis connected")
	} else {
		store = memory.New()
		logger.Info("REDIS_URL not set: presence and push subscriptions kept in memory")
	}
	defer store.Close()

	var src feed.Source
	switch cfg.Feed.Source {
	case "redis":
		if rdb == nil {
			logger.Errorf("FEED_SOURCE=redis requires REDIS_URL")
			os.Exit(1)
		}
		src = feed.NewRedisSource(rdb.Raw(), cfg.Feed.RedisChannel)
	default:
		src = feed.NewPGSource(cfg.Database.URL, cfg.Feed.Channel)
	}
	fc := feed.NewClient(src, feed.Options{
		BufferSize:     cfg.Feed.BufferSize,
		InitialBackoff: cfg.Feed.InitialBackoff,
		MaxBackoff:     cfg.Feed.MaxBackoff,
		MaxRetries:     cfg.Feed.MaxRetries,
	})

	bgCtx, bgCancel := context.WithCancel(context.Background())
	var bgWg sync.WaitGroup
	bgWg.Add(1)
	go func() {
		defer bgWg.Done()
		if err := fc.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("feed stopped: %v", err)
		}
	}()
	logger.Infof("change feed: %s", src.Name())

	// Ретрансляция и push работают только там, где события идут прямо из Postgres:
	// каждое событие публикуется и отправляется один раз на все реплики.
	var feedSubs []*feed.Subscription
	if cfg.Feed.Source == "postgres" && cfg.Feed.Relay && rdb != nil {
		subs, err := feed.Relay(bgCtx, fc, rdb.Raw(), cfg.Feed.RedisChannel)
		if err != nil {
			logger.Errorf("feed relay: %v", err)
			os.Exit(1)
		}
		feedSubs = append(feedSubs, subs...)
		logger.Infof("relaying change feed to redis channel %s", cfg.Feed.RedisChannel)
	}
	var vapidPublic string
	if cfg.Feed.Source == "postgres" {
		keys, err := push.LoadVAPIDKeys(cfg.Push)
		if err != nil {
			logger.Errorf("push disabled: %v", err)
		} else {
			vapidPublic = keys.PublicKey
			notifier := push.NewNotifier(store, push.NewWebPushSender(keys, cfg.Push.Subject))
			sub, err := notifier.Watch(fc)
			if err != nil {
				logger.Errorf("push watch: %v", err)
				os.Exit(1)
			}
			feedSubs = append(feedSubs, sub)
		}
	}

	repo := repository.NewStore(pool)
	hub := ws.NewHub(repo, fc, store, ws.Options{
		MaxConns:       cfg.MaxWSConnections,
		SendBuffer:     cfg.WSSendBufferSize,
		WriteTimeout:   cfg.WSWriteTimeout,
		PongTimeout:    cfg.WSPongTimeout,
		MaxMessageSize: cfg.WSMaxMessageSize,
		Session: session.Options{
			RecountInterval: cfg.Session.RecountInterval,
			SoftRemoveGrace: cfg.Session.SoftRemoveGrace,
			EchoMatchWindow: cfg.Session.EchoMatchWindow,
			SeenIDs:         cfg.Session.SeenIDs,
		},
	})
	hubCtx, hubCancel := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)
	unreadH := handler.NewUnreadHandler(repo)
	rideH := handler.NewRideHandler(repo)
	pushH := handler.NewPushHandler(store, vapidPublic)
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket, иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		compressed := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compressed.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if !fc.Live() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("feed down"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/api/push/config", pushH.Config)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(verifier))
		r.Use(limiter.Handler)
		r.Get("/api/unread", unreadH.Get)
		r.Post("/api/rides/{rideId}/requests", rideH.RequestRide)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	for _, s := range feedSubs {
		s.Close()
	}
	bgCancel()
	bgWg.Wait()
	logger.Info("change feed stopped")
	srvWg.Wait()
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	applied, err := migrations.Apply(ctx, pool)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	logger.Infof("migrations applied: %s", strings.Join(applied, ", "))
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5433
		user     = "rideshare"
		password = "rideshare_secret"
		database = "rideshare"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
