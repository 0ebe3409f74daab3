package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/deptchat/internal/attachment"
	"github.com/deptchat/internal/config"
	"github.com/deptchat/internal/directory"
	"github.com/deptchat/internal/handler"
	"github.com/deptchat/internal/logger"
	"github.com/deptchat/internal/middleware"
	"github.com/deptchat/internal/repository"
	"github.com/deptchat/internal/service"
	"github.com/deptchat/internal/startup"
	"github.com/deptchat/internal/storage"
	"github.com/deptchat/migrations"
)

var (
	cfg         *config.Config
	devMode     bool
	migrateOnly bool

	rootCmd = &cobra.Command{
		Use:   "deptchat-api",
		Short: "Department support chat API",
		Long: `deptchat-api serves the support chat endpoints: employees open chats
to a department, department members accept, answer and close them.`,
		SilenceUsage: true,
		RunE:         runServer,
	}
)

func main() {
	logger.SetPrefix("api")
	if err := rootCmd.Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "start with embedded PostgreSQL (no external DB required)")
	rootCmd.Flags().BoolVar(&migrateOnly, "migrate", false, "apply migrations and exit")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		logger.SetLevel(cfg.LogLevel)
	}
	rootCmd.AddCommand(migrateCmd, tokenCmd, userCmd)
}

// database: пул с применёнными миграциями; close останавливает и встроенный Postgres.
type database struct {
	pool  *pgxpool.Pool
	close func()
}

func openDatabase() (*database, error) {
	stop := func() {}
	if devMode {
		emb := startup.DefaultEmbedded()
		pg, err := emb.Start()
		if err != nil {
			return nil, err
		}
		cfg.Database.URL = emb.URL()
		stop = func() {
			logger.Info("stopping embedded postgres...")
			if err := pg.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}
	}

	poolCfg, err := startup.PoolConfig(cfg.DatabaseURL(), cfg.DBMaxConnections())
	if err != nil {
		stop()
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := migrations.Apply(ctx, pool); err != nil {
		pool.Close()
		stop()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	logger.Info("database connected, migrations applied")
	return &database{pool: pool, close: func() { pool.Close(); stop() }}, nil
}

func openAttachments(ctx context.Context) (attachment.Store, func(), error) {
	ac := cfg.Attachments
	switch ac.Backend {
	case "gcs":
		gcs, err := attachment.NewGCS(ctx, ac.GCSBucket, ac.GCSPrefix, ac.GCSCredentialsFile, ac.BaseURL, ac.MaxFileSize)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs attachments: %w", err)
		}
		logger.Infof("attachments: gcs bucket %s", ac.GCSBucket)
		return gcs, func() { _ = gcs.Close() }, nil
	default:
		if err := os.MkdirAll(ac.UploadDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create upload dir: %w", err)
		}
		logger.Infof("attachments: local dir %s", ac.UploadDir)
		return attachment.NewLocal(ac.UploadDir, ac.BaseURL, ac.MaxFileSize), func() {}, nil
	}
}

func authMiddleware() (func(http.Handler) http.Handler, error) {
	if devMode && cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = "deptchat-dev-secret"
		logger.Info("dev mode: JWT_SECRET not set, using built-in dev secret")
	}
	switch {
	case cfg.Auth.JWTSecret != "":
		return middleware.JWTAuth(cfg.Auth.JWTSecret), nil
	case cfg.Auth.ServiceURL != "":
		return middleware.AuthServiceValidate(cfg.Auth.ServiceURL, nil), nil
	default:
		return nil, errors.New("no authentication configured: set JWT_SECRET or AUTH_SERVICE_URL")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	logger.Info("starting API service")
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.close()
	if migrateOnly {
		return nil
	}

	auth, err := authMiddleware()
	if err != nil {
		return err
	}

	cache := startup.ConnectCache(cfg.Redis.URL, 30*time.Second)
	defer cache.Close()

	files, closeFiles, err := openAttachments(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFiles()

	dir := directory.New(repository.NewUserRepository(db.pool), cache, cfg.DirectoryCacheTTL)
	svc := service.NewChatService(repository.NewStore(db.pool), dir, files, service.Limits{
		MaxFiles:    cfg.Attachments.MaxFiles,
		MaxFileSize: cfg.Attachments.MaxFileSize,
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      newRouter(svc, cache, auth),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return serve(srv)
}

func newRouter(svc *service.ChatService, cache storage.Cache, auth func(http.Handler) http.Handler) http.Handler {
	supportH := handler.NewSupportHandler(svc)
	configH := handler.NewConfigHandler(cfg)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(chimw.Compress(5))
	r.Use(middleware.RequestLog)
	r.Use(middleware.SecureHeaders)
	r.Use(middleware.RateLimitIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.With(middleware.InternalOnly(cfg.MetricsSecret)).Handle("/metrics", promhttp.Handler())
	r.Get("/api/config/client", configH.GetClientConfig)

	r.Route("/api/support", func(r chi.Router) {
		r.Use(auth)
		r.Use(middleware.RateLimitWrites(cache, cfg.WritesPerMinute))
		supportH.Routes(r)
	})
	return r
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func serve(srv *http.Server) error {
	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	srvWg.Wait()
	logger.Info("server stopped")
	return nil
}
