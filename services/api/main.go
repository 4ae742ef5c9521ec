package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/branchtalk/internal/config"
	"github.com/branchtalk/internal/docstore"
	"github.com/branchtalk/internal/handler"
	"github.com/branchtalk/internal/logger"
	"github.com/branchtalk/internal/memstore"
	"github.com/branchtalk/internal/middleware"
	"github.com/branchtalk/internal/push"
	"github.com/branchtalk/internal/repository"
	"github.com/branchtalk/internal/startup"
	"github.com/branchtalk/internal/storage"
	"github.com/branchtalk/internal/storage/memory"
	"github.com/branchtalk/internal/ws"
	"github.com/branchtalk/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and an in-memory cache (no external services required)")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres()
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

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second)
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}
	logger.Info("database connected, migrations applied")

	userRepo := repository.NewUserRepository(pool)
	chatRepo := repository.NewChatRepository(pool)

	var messages handler.MessageStore
	switch cfg.MessageStore {
	case config.MessageStoreMongo:
		client := startup.ConnectMongoWithRetry(cfg.Mongo.URL, 60*time.Second)
		defer client.Disconnect(context.Background())
		store := docstore.NewMessageStore(client, cfg.Mongo.Database)
		idxCtx, idxCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := store.EnsureIndexes(idxCtx); err != nil {
			logger.Errorf("mongo indexes: %v", err)
			idxCancel()
			os.Exit(1)
		}
		idxCancel()
		messages = store
	case config.MessageStoreMemory:
		messages = memstore.NewMessageStore()
	default:
		messages = repository.NewMessageRepository(pool)
	}
	logger.Infof("message store: %s", cfg.MessageStore)

	var cache storage.CacheStore
	var notifier *push.Notifier
	if *dev {
		cache = memory.New()
	} else {
		redisClient := startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second)
		cache = redisClient
		if cfg.PushEnabled {
			keysFile := cfg.VAPIDKeysFile
			if keysFile == "" {
				keysFile = filepath.Join("config", "vapid.json")
			}
			keys, err := push.EnsureVAPIDKeys(keysFile)
			if err != nil {
				logger.Errorf("vapid keys: %v", err)
				os.Exit(1)
			}
			notifier = push.NewNotifier(redisClient.Raw(), keys)
		}
	}
	defer cache.Close()

	var hubPush ws.PushNotifier
	if notifier != nil {
		hubPush = notifier
	}
	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(chatRepo, userRepo, messages, cfg.MaxWSConnections, hubPush)

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	secret := []byte(cfg.JWT.Secret)
	authH := handler.NewAuthHandler(userRepo, secret, cfg.JWT.TokenTTL)
	userH := handler.NewUserHandler(userRepo)
	chatH := handler.NewChatHandler(chatRepo, userRepo, hub, cache, cfg.CacheTTL)
	msgH := handler.NewMessageHandler(messages, chatRepo, userRepo, hub, cache, cfg.CacheTTL)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins, cfg.WSSendBufferSize)
	pushH := handler.NewPushHandler(notifier)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Never compress websocket upgrades: a wrapped ResponseWriter loses
	// http.Hijacker and the upgrade fails with a 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.SecureHeaders)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Post("/api/auth/register", authH.Register)
	r.Post("/api/auth/login", authH.Login)
	r.Get("/api/push/vapid-public", pushH.VAPIDPublic)

	r.Group(func(r chi.Router) {
		r.Use(middleware.JWTAuth(secret))
		r.Get("/api/users/me", userH.GetMe)
		r.Put("/api/users/me", userH.UpdateMe)
		r.Route("/api/chats", func(r chi.Router) {
			r.Post("/", chatH.CreateChat)
			r.Get("/", chatH.ListChats)
			r.Route("/{chatId}", func(r chi.Router) {
				r.Get("/", chatH.GetChat)
				r.Put("/", chatH.UpdateChat)
				r.Delete("/", chatH.DeleteChat)
				r.Post("/messages", msgH.CreateMessage)
				r.Get("/messages", msgH.GetMessages)
				r.Route("/messages/{messageId}", func(r chi.Router) {
					r.Get("/", msgH.GetMessage)
					r.Put("/", msgH.UpdateMessage)
					r.Delete("/", msgH.DeleteMessage)
					r.Get("/thread", msgH.GetThread)
					r.Get("/branch", msgH.GetBranch)
					r.Get("/tree", msgH.GetTree)
				})
				r.Get("/branches", msgH.GetBranches)
				r.Post("/branches", msgH.CreateBranch)
				r.Get("/branches/active", msgH.GetActiveBranches)
			})
		})
		if notifier != nil {
			r.Post("/api/push/subscribe", pushH.Subscribe)
			r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		} else {
			pushDisabled := func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"error":"push not configured"}`))
			}
			r.Post("/api/push/subscribe", pushDisabled)
			r.Delete("/api/push/subscribe", pushDisabled)
		}
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
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		logger.Errorf("list migrations: %v", err)
		os.Exit(1)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			logger.Errorf("read migration %s: %v", name, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", name, err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

func startEmbeddedPostgres() (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "branchtalk"
		password = "branchtalk_secret"
		database = "branchtalk"
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
	return db, nil
}
