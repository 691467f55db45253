package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/cardledger/internal/auth"
	"github.com/MarcoPoloResearchLab/cardledger/internal/blobstore"
	"github.com/MarcoPoloResearchLab/cardledger/internal/cards"
	"github.com/MarcoPoloResearchLab/cardledger/internal/config"
	"github.com/MarcoPoloResearchLab/cardledger/internal/database"
	"github.com/MarcoPoloResearchLab/cardledger/internal/feed"
	"github.com/MarcoPoloResearchLab/cardledger/internal/imagecache"
	"github.com/MarcoPoloResearchLab/cardledger/internal/logging"
	"github.com/MarcoPoloResearchLab/cardledger/internal/maintenance"
	"github.com/MarcoPoloResearchLab/cardledger/internal/server"
	"github.com/MarcoPoloResearchLab/cardledger/internal/shadowsync"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile  string
	envFiles []string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cardledger-api",
		Short: "Card collection ledger backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newRecountCommand(), newTokenCommand(), newPruneImagesCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "Dotenv files loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Rotated log file, in addition to stderr")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("blob-root", defaults.GetString("blob.root"), "Directory holding card images")
	cmd.PersistentFlags().String("cache-type", defaults.GetString("cache.type"), "Image cache backend (memory, redis)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the redis image cache")
	cmd.PersistentFlags().Bool("sync-enabled", defaults.GetBool("sync.enabled"), "Mirror queued card updates to the store")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "CORS origins; empty allows any origin")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "blob.root", "blob-root")
	bindFlag(cmd, "cache.type", "cache-type")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "sync.enabled", "sync-enabled")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return err
	}
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// appRuntime holds the collaborators shared by the server and the maintenance commands.
type appRuntime struct {
	config     config.AppConfig
	logger     *zap.Logger
	db         *gorm.DB
	blobs      *blobstore.Store
	cache      imagecache.Cache
	dispatcher *feed.Dispatcher
	repository *cards.Repository
}

func openRuntime(ctx context.Context) (*appRuntime, func(), error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewFileLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return nil, nil, err
	}
	cleanups := []func(){func() { _ = logger.Sync() }}
	cleanup := func() {
		for index := len(cleanups) - 1; index >= 0; index-- {
			cleanups[index]()
		}
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	cleanups = append(cleanups, func() { _ = sqlDB.Close() })

	blobs, err := blobstore.New(blobstore.Config{
		Filesystem: afero.NewOsFs(),
		Root:       appConfig.Blob.Root,
		BaseURL:    appConfig.Blob.BaseURL,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	cache, err := imagecache.New(ctx, imagecache.Config{
		Type:          appConfig.Cache.Type,
		RedisAddress:  appConfig.Cache.RedisAddress,
		RedisPassword: appConfig.Cache.RedisPassword,
		RedisDB:       appConfig.Cache.RedisDB,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	cleanups = append(cleanups, func() { _ = cache.Close() })

	dispatcher := feed.NewDispatcher()
	repository, err := cards.NewRepository(cards.RepositoryConfig{
		Database:      db,
		Blobs:         blobs,
		ImageCache:    cache,
		ImageCacheTTL: appConfig.Cache.TTL,
		Feed:          dispatcher,
		Clock:         time.Now,
		IDProvider:    cards.NewUUIDProvider(),
		Logger:        logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return &appRuntime{
		config:     appConfig,
		logger:     logger,
		db:         db,
		blobs:      blobs,
		cache:      cache,
		dispatcher: dispatcher,
		repository: repository,
	}, cleanup, nil
}

func runServer(ctx context.Context) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, cleanup, err := openRuntime(signalCtx)
	if err != nil {
		return err
	}
	defer cleanup()
	logger := rt.logger

	sqlDB, err := rt.db.DB()
	if err != nil {
		return err
	}
	connectivity := shadowsync.NewProbeConnectivity(sqlDB, rt.config.Sync.ProbeInterval, logger)
	go connectivity.Run(signalCtx)

	registry := shadowsync.NewRegistry(signalCtx, shadowsync.Config{
		Updater:        rt.repository,
		Connectivity:   connectivity,
		Listener:       activityLogger(logger),
		Logger:         logger,
		Disabled:       !rt.config.Sync.Enabled,
		Cooldown:       rt.config.Sync.Cooldown,
		RecencyTTL:     rt.config.Sync.RecencyTTL,
		BatchThreshold: rt.config.Sync.BatchThreshold,
		FlushInterval:  rt.config.Sync.FlushInterval,
	})
	defer registry.Wait()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(rt.config.Auth.SigningSecret),
		Issuer:        rt.config.Auth.Issuer,
		CookieName:    rt.config.Auth.CookieName,
		Leeway:        rt.config.Auth.Leeway,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       validator,
		Repository:     rt.repository,
		Sync:           registry,
		Images:         rt.blobs,
		ImageCache:     rt.cache,
		ImageCacheTTL:  rt.config.Cache.TTL,
		HealthCheck:    sqlDB.PingContext,
		AllowedOrigins: viper.GetStringSlice("http.allowed_origins"),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    rt.config.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		stop()
		return err
	}
}

func activityLogger(logger *zap.Logger) shadowsync.ActivityListener {
	return shadowsync.ActivityListenerFunc(func(event shadowsync.ActivityEvent) {
		fields := []zap.Field{
			zap.String("owner_id", event.OwnerID),
			zap.String("card_id", event.CardID),
			zap.Int64("counter", event.Counter),
		}
		if event.Err != nil {
			logger.Warn("shadow sync "+string(event.Kind), append(fields, zap.Error(event.Err))...)
			return
		}
		logger.Debug("shadow sync "+string(event.Kind), fields...)
	})
}

func newRecountCommand() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "recount",
		Short: "Recompute the cached card count of every collection of an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			counts, err := rt.repository.RecountCollections(cmd.Context(), owner)
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(counts))
			for key := range counts {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", key, counts[key])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner whose collections are recounted")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		owner       string
		displayName string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.Auth.SigningSecret),
				Issuer:        appConfig.Auth.Issuer,
				TTL:           ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(owner, displayName)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner the session is issued to")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name carried in the session")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Session lifetime")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newPruneImagesCommand() *cobra.Command {
	var (
		owner  string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "prune-images",
		Short: "Delete stored images whose card no longer exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := maintenance.ImagePruner{
				Blobs:  rt.blobs,
				Cards:  rt.repository,
				Cache:  rt.cache,
				DryRun: dryRun,
				Logger: rt.logger,
			}.PruneOrphanImages(cmd.Context(), owner)
			if err != nil {
				return err
			}
			for _, cardID := range report.Removed {
				fmt.Fprintln(cmd.OutOrStdout(), cardID)
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d images could not be checked or removed", report.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner whose images are scanned")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List orphans without deleting them")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
