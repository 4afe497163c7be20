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
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatengine/internal/config"
	"github.com/chatengine/internal/fanout"
	"github.com/chatengine/internal/handler"
	"github.com/chatengine/internal/logger"
	"github.com/chatengine/internal/media"
	"github.com/chatengine/internal/middleware"
	"github.com/chatengine/internal/push"
	"github.com/chatengine/internal/relay"
	"github.com/chatengine/internal/repository"
	"github.com/chatengine/internal/repository/memstore"
	"github.com/chatengine/internal/service"
	"github.com/chatengine/internal/startup"
	"github.com/chatengine/internal/storage"
	"github.com/chatengine/internal/storage/memory"
	redisstorage "github.com/chatengine/internal/storage/redis"
	"github.com/chatengine/internal/ws"
	"github.com/chatengine/migrations"
)

const devJWTSecret = "dev-only-secret"

func main() {
	logger.SetPrefix("chatengine")
	migrate := flag.Bool("migrate", false, "apply database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	inMemory := flag.Bool("memory", false, "keep all state in memory (no PostgreSQL, no Redis)")
	flag.Parse()

	logger.Info("starting chat engine")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	defer logger.Flush(2 * time.Second)
	ctx := context.Background()

	// Хранилище: in-memory, встроенный или внешний PostgreSQL.
	var store repository.Store
	if *inMemory {
		store = memstore.New()
		logger.Info("using in-memory store")
	} else {
		if *dev {
			embeddedDB, err := startEmbeddedPostgres(cfg)
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
		pool, err := openPool(ctx, cfg)
		if err != nil {
			logger.Errorf("database: %v", err)
			os.Exit(1)
		}
		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = repository.Migrate(migrateCtx, pool, migrations.Files)
		cancel()
		if err != nil {
			pool.Close()
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		if *migrate {
			pool.Close()
			return
		}
		store = repository.NewPgStore(pool)
		logger.Info("database connected, migrations applied")
	}
	defer store.Close()

	// Redis нужен только для нескольких инстансов и общих push-подписок.
	var (
		redisClient *redisstorage.Client
		pushStore   storage.PushStore
	)
	if cfg.Redis.URL != "" && !*inMemory {
		c, err := startup.ConnectRedis(ctx, cfg.Redis.URL, 60*time.Second)
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		redisClient = c
		pushStore = c
	} else {
		pushStore = memory.New()
	}
	defer pushStore.Close()

	resolver := media.NewBaseURLResolver(cfg.MediaBaseURL)
	hub := ws.NewHub(nil, resolver, cfg.MaxWSConnections)

	var transport fanout.Transport = hub
	var rl *relay.Relay
	if redisClient != nil {
		rl = relay.New(redisClient.Raw(), hub, cfg.Redis.Channel)
		hub.OnPresence(rl.SetPresence)
		transport = rl
	}

	dispatcher := fanout.NewDispatcher(transport, nil, resolver, fanout.Options{
		QueueSize:   cfg.Engine.FanoutQueueSize,
		Concurrency: cfg.Engine.FanoutWorkers,
		IdleTimeout: cfg.Engine.FanoutIdle,
		PushTimeout: cfg.Engine.FanoutPushTimeout,
	})
	svc := service.NewChatService(store, dispatcher, service.Options{
		TypingTimeout: cfg.Engine.TypingTimeout,
		MaxRetries:    uint64(max(cfg.Engine.StoreMaxRetries, 0)),
	})
	dispatcher.SetUnreadCounter(svc)
	hub.SetActions(svc)
	hub.OnPresence(func(userID string, online bool) {
		if !online {
			svc.UserDisconnected(userID)
		}
	})

	var notifier *push.Notifier
	clientCfg := handler.ClientConfig{TypingTimeout: cfg.Engine.TypingTimeout}
	if cfg.Push.Enabled {
		keys, err := push.LoadOrGenerateKeys(cfg.Push.VAPIDKeysFile)
		if err != nil {
			logger.Errorf("push: %v (web push disabled)", err)
		} else {
			notifier = push.NewNotifier(pushStore, keys, cfg.Push.Subject)
			dispatcher.SetOfflineNotifier(notifier)
			clientCfg.VAPIDPublicKey = keys.PublicKey
		}
	}

	auth, err := authMiddleware(cfg, *dev || *inMemory)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	var bgWg sync.WaitGroup
	bgWg.Add(1)
	go func() {
		defer bgWg.Done()
		hub.Run(bgCtx)
	}()
	if rl != nil {
		bgWg.Add(1)
		go func() {
			defer bgWg.Done()
			if err := rl.Run(bgCtx); err != nil {
				logger.Errorf("%v", err)
			}
		}()
	}

	srv := &http.Server{
		Addr: cfg.ServerAddr,
		Handler: handler.NewRouter(handler.RouterDeps{
			Engine:           svc,
			Hub:              hub,
			Media:            resolver,
			PushStore:        pushStore,
			Client:           clientCfg,
			Auth:             auth,
			InternalSecret:   cfg.Auth.InternalSecret,
			CORSOrigins:      cfg.CORSOrigins(),
			RateLimitPerIP:   cfg.RateLimitPerIP,
			RateLimitPerUser: cfg.RateLimitPerUser,
		}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server error: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	bgCancel()
	bgWg.Wait()
	logger.Info("hub stopped")
	svc.Typing().Flush()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Errorf("fanout drain: %v", err)
	}
	if notifier != nil {
		notifier.Wait()
	}
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4
	return startup.ConnectDB(ctx, poolCfg, 60*time.Second)
}

// authMiddleware выбирает проверку личности: внешний сервис авторизации или JWT.
func authMiddleware(cfg *config.Config, dev bool) (func(http.Handler) http.Handler, error) {
	if cfg.Auth.ServiceURL != "" {
		logger.Infof("auth: validating sessions at %s", cfg.Auth.ServiceURL)
		return middleware.AuthServiceValidate(cfg.Auth.ServiceURL, nil), nil
	}
	secret := cfg.Auth.JWTSecret
	if secret == "" {
		if !dev {
			return nil, errors.New("auth: set JWT_SECRET or AUTH_SERVICE_URL")
		}
		logger.Error("auth: JWT_SECRET not set, using development secret")
		secret = devJWTSecret
	}
	return middleware.JWTAuth([]byte(secret)), nil
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "chatengine"
		password = "chatengine_secret"
		database = "chatengine"
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
