// Package cli wires the docs build and serving pipeline's components
// (database, blob store, archive engine, build queue, index watcher, builder
// pool, CDN invalidator, request resolver, and the rustdoc asset server) into
// a Cobra command tree.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"github.com/pkgdocs/builder/archive"
	"github.com/pkgdocs/builder/builder"
	"github.com/pkgdocs/builder/cache"
	"github.com/pkgdocs/builder/cdn"
	"github.com/pkgdocs/builder/common"
	"github.com/pkgdocs/builder/config"
	"github.com/pkgdocs/builder/db"
	pkgdocshttp "github.com/pkgdocs/builder/http"
	"github.com/pkgdocs/builder/queue"
	"github.com/pkgdocs/builder/registry"
	"github.com/pkgdocs/builder/resolver"
	"github.com/pkgdocs/builder/rustdoc"
	"github.com/pkgdocs/builder/storage"
	"github.com/pkgdocs/builder/version"
	"github.com/pkgdocs/builder/watcher"
)

const envPrefix = "PKGDOCS"

var cfgFile string

// RootCmd is the top-level command for the docs build and serving pipeline.
var RootCmd = &cobra.Command{
	Use:   "pkgdocs",
	Short: "Build and serve generated package documentation",
	Long: `pkgdocs builds documentation for published crate releases, archives the
output into content-addressed blob storage, and serves it back out with a
semver-aware request resolver and a rustdoc top-bar rewriter.`,
}

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (none is read unless this flag is set)")
	_ = viper.BindPFlag("config", RootCmd.PersistentFlags().Lookup("config"))

	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(watchCmd)
	RootCmd.AddCommand(buildCmd)
	RootCmd.AddCommand(cdnCmd)
	RootCmd.AddCommand(toolchainCmd)
	RootCmd.AddCommand(versionCmd)

	cdnReconcileCmd.Flags().String("distribution", "", "CDN distribution ID to reconcile")
	cdnCmd.AddCommand(cdnReconcileCmd)
	toolchainCmd.AddCommand(toolchainUpdateCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err == nil {
			logrus.WithField("file", viper.ConfigFileUsed()).Debug("loaded config file")
		}
	}
	viper.AutomaticEnv()
}

func setupLogging(cfg config.ServiceConfig) {
	logrus.SetOutput(&common.OutputSplitter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}

// deps bundles every shared collaborator a subcommand might need, built once
// from the environment-driven configuration.
type deps struct {
	cfg        *config.AllConfig
	gdb        *gorm.DB
	pgxPool    *db.PostgresDB
	blobs      storage.Blobs
	archiveEng *archive.Engine
	buildq     *queue.BuildQueue
	store      *db.Store
	cdnInv     *cdn.Invalidator
}

func mustLoadDeps(ctx context.Context) *deps {
	loader := config.NewConfigLoader(envPrefix)
	cfg, err := loader.LoadAll()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	setupLogging(cfg.Service)

	gdb, err := db.Connect(cfg.Database.URL)
	if err != nil {
		logrus.WithError(err).Fatal("connect to postgres")
	}
	if err := db.Migrate(gdb); err != nil {
		logrus.WithError(err).Fatal("migrate schema")
	}

	pgxPool, err := db.NewPostgresDB(cfg.Database.URL)
	if err != nil {
		logrus.WithError(err).Fatal("connect pgx pool")
	}

	blobs, err := newBlobs(ctx, cfg.Storage)
	if err != nil {
		logrus.WithError(err).Fatal("construct blob store")
	}

	archiveEng := archive.NewEngine(blobs, cfg.Storage.CacheDir, archive.CodecZstd)
	buildq := queue.NewBuildQueue(pgxPool)
	store := db.NewStore(gdb)

	provider := cdn.NewMockProvider()
	cachingDisabled := cfg.CDN.Provider == "noop"
	cdnInv := cdn.New(pgxPool, provider, cachingDisabled)

	return &deps{cfg: cfg, gdb: gdb, pgxPool: pgxPool, blobs: blobs, archiveEng: archiveEng, buildq: buildq, store: store, cdnInv: cdnInv}
}

func newBlobs(ctx context.Context, cfg config.StorageConfig) (storage.Blobs, error) {
	if cfg.Endpoint == "" && cfg.Bucket == "" {
		logrus.Warn("no storage endpoint/bucket configured, falling back to in-memory blob store")
		return storage.NewMemoryBackend(), nil
	}
	return storage.NewS3Backend(ctx, storage.S3Config{
		Bucket:         cfg.Bucket,
		Region:         cfg.Region,
		Endpoint:       cfg.Endpoint,
		ForcePathStyle: cfg.ForcePathStyle,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve built documentation over HTTP",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		d := mustLoadDeps(ctx)

		cacheClient, err := cache.NewResolutionCache(ctx, cache.Config{RedisURL: d.cfg.Cache.RedisURL, TTL: d.cfg.Cache.TTL})
		if err != nil {
			logrus.WithError(err).Fatal("connect resolution cache")
		}
		defer cacheClient.Close()

		resolve := resolver.New(d.gdb, cacheClient)
		assetServer := rustdoc.NewServer(d.blobs, d.archiveEng, resolve, d.cfg.Rustdoc.MaxParseMemoryBytes)

		serverCfg := pkgdocshttp.ServerConfig{
			Port:            d.cfg.Server.Port,
			Debug:           d.cfg.Server.Debug,
			ReadTimeout:     d.cfg.Server.ReadTimeout,
			WriteTimeout:    d.cfg.Server.WriteTimeout,
			ShutdownTimeout: d.cfg.Server.ShutdownTimeout,
			AllowedOrigins:  d.cfg.CORS.AllowedOrigins,
		}
		e := pkgdocshttp.NewEchoServer(serverCfg)
		e.HTTPErrorHandler = pkgdocshttp.CustomHTTPErrorHandler
		e.GET("/healthz", pkgdocshttp.HealthCheckHandler("pkgdocs", d.cfg.Service.Version))
		assetServer.Register(e)

		go func() {
			if err := pkgdocshttp.StartServer(e, serverCfg); err != nil {
				logrus.WithError(err).Error("server stopped")
			}
		}()

		waitForShutdown()
		_ = pkgdocshttp.GracefulShutdown(e, d.cfg.Server.ShutdownTimeout)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the registry's change feed and enqueue builds for new releases",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		d := mustLoadDeps(ctx)

		if d.cfg.Watcher.SourceURL == "" {
			logrus.Fatal("watch: PKGDOCS_WATCHER_SOURCE_URL is required")
		}
		source := registry.NewHTTPChangelogSource(d.cfg.Watcher.SourceURL)
		common.ServiceLogger("pkgdocs-watch", d.cfg.Service.Version).Info("starting index watcher")

		configGetter := func(key, fallback string) string { return db.GetConfig(d.gdb, key, fallback) }
		configSetter := func(key, value string) error { return db.SetConfig(d.gdb, key, value) }

		w := watcher.New(source, d.store, d.buildq, d.blobs, d.cdnInv, watcher.Config{PollInterval: d.cfg.Watcher.PollInterval}, configGetter, configSetter)
		if err := w.Poll(ctx); err != nil {
			logrus.WithError(err).Error("watcher stopped")
		}
	},
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Run the builder worker pool, draining the build queue",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		d := mustLoadDeps(ctx)

		fetcher := registry.NewTarballFetcher(d.cfg.Watcher.SourceURL)
		pool := builder.NewPool(d.buildq, d.gdb, d.blobs, d.archiveEng, fetcher, builder.PoolConfig{
			WorkerCount:  d.cfg.Builder.WorkerCount,
			WorkspaceDir: d.cfg.Builder.WorkspaceDir,
			DocTool:      d.cfg.Builder.DocTool,
			ReinitEvery:  d.cfg.Builder.ReinitEvery,
			IdleWait:     d.cfg.Builder.IdleWait,
			Limits: builder.Limits{
				MaxTargets:      d.cfg.Builder.MaxTargets,
				MinFreeMemoryMB: d.cfg.Builder.MinFreeMemoryMB,
			},
			CDNInvalidator: d.cdnInv,
			Blacklist:      d.cfg.Builder.Blacklist,
		})

		pool.Start(ctx)
		<-ctx.Done()
		pool.Stop()
	},
}

var cdnCmd = &cobra.Command{
	Use:   "cdn",
	Short: "CDN invalidation commands",
}

var cdnReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one CDN invalidation reconciliation pass",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		d := mustLoadDeps(ctx)

		provider := cdn.NewMockProvider()
		if d.cfg.CDN.Provider != "noop" && d.cfg.CDN.Provider != "mock" {
			logrus.WithField("provider", d.cfg.CDN.Provider).Warn("cdn: unrecognized provider, using mock")
		}

		distributionID, _ := cmd.Flags().GetString("distribution")
		inv := cdn.New(d.pgxPool, provider, false)
		if err := inv.RunOnce(ctx, distributionID); err != nil {
			logrus.WithError(err).Fatal("cdn reconcile failed")
		}
	},
}

var toolchainCmd = &cobra.Command{
	Use:   "toolchain",
	Short: "Toolchain manager commands",
}

var toolchainUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Install/refresh the documentation build toolchain",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		d := mustLoadDeps(ctx)

		tm := builder.NewToolchainManager(d.gdb, d.archiveEng, d.cfg.Toolchain.RootDir, "rustup", []string{"x86_64-unknown-linux-gnu"})
		changed, err := tm.UpdateToolchain(ctx)
		if err != nil {
			logrus.WithError(err).Fatal("toolchain update failed")
		}
		if changed {
			if err := tm.AddEssentialFiles(ctx); err != nil {
				logrus.WithError(err).Fatal("publish essential files failed")
			}
		}
		fmt.Printf("toolchain update complete (changed=%v)\n", changed)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the running module version and the Go version it was built with",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.GetBuildInfo()
		fmt.Printf("pkgdocs %s (%s)\n", version.GetModuleVersion(), info.GoVersion)
	},
}

func waitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logrus.Info("shutdown signal received")
	time.Sleep(100 * time.Millisecond)
}
