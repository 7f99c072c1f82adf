// Provd - telephony endpoint provisioning server
//
// Serves device configuration over TFTP and HTTP, identifies devices from
// their requests, and manages the plugin trees that generate per-device
// files. Devices, configs and tenants live in a document store (in-memory
// or Redis); platform events arrive over the Redis bus.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/provd-server/provd/pkg/ami"
	"github.com/provd-server/provd/pkg/bus"
	"github.com/provd-server/provd/pkg/httpd"
	"github.com/provd-server/provd/pkg/pipeline"
	"github.com/provd-server/provd/pkg/plugin"
	_ "github.com/provd-server/provd/pkg/plugin/driver"
	"github.com/provd-server/provd/pkg/provd"
	"github.com/provd-server/provd/pkg/settings"
	"github.com/provd-server/provd/pkg/store"
	"github.com/provd-server/provd/pkg/tftp"
	"github.com/provd-server/provd/pkg/util"
	"github.com/provd-server/provd/pkg/version"
)

var (
	configFile string
	configDir  string
	tftpPort   int
	restPort   int
	stderrLog  bool
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "provd",
		Short: "Telephony endpoint provisioning server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd)
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVar(&configFile, "config-file", "", "daemon configuration file")
	rootCmd.Flags().StringVar(&configDir, "config-dir", "", "configuration overlay directory")
	rootCmd.Flags().IntVar(&tftpPort, "tftp-port", 0, "TFTP listen port override")
	rootCmd.Flags().IntVar(&restPort, "rest-port", 0, "REST listen port override")
	rootCmd.Flags().BoolVarP(&stderrLog, "stderr", "s", false, "log to standard error")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("provd", version.Info())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		util.Logger.Errorf("Fatal: %v", err)
		os.Exit(1)
	}
}

func loadConfig() (*provd.Config, *settings.Settings, error) {
	userSettings, err := settings.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading settings: %w", err)
	}

	cfg := provd.DefaultConfig()
	file := configFile
	if file == "" {
		file = userSettings.GetConfigFile()
	}
	if _, err := os.Stat(file); err == nil {
		if err := cfg.LoadConfigFile(file); err != nil {
			return nil, nil, err
		}
	} else if configFile != "" {
		// An explicitly requested file must exist.
		return nil, nil, fmt.Errorf("config file %s: %w", configFile, err)
	}

	dir := configDir
	if dir == "" {
		dir = userSettings.GetConfigDir()
	}
	if _, err := os.Stat(dir); err == nil {
		if err := cfg.LoadConfigDir(dir); err != nil {
			return nil, nil, err
		}
	} else if configDir != "" {
		return nil, nil, fmt.Errorf("config dir %s: %w", configDir, err)
	}

	if tftpPort != 0 {
		cfg.General.TFTPPort = tftpPort
	}
	if restPort != 0 {
		cfg.General.RestPort = restPort
	}
	if verbose {
		cfg.General.Verbose = true
	}
	return cfg, userSettings, nil
}

func openCollections(cfg *provd.Config) (provd.Collections, *redis.Client, error) {
	gen := store.NewGenerator(cfg.Database.IDGenerator)
	deviceOpts := &store.Options{
		Generator: gen,
		Indexes:   []string{"mac", "ip", "sn", "uuid", "plugin", "config", "tenant_uuid"},
	}
	configOpts := &store.Options{Generator: gen, Indexes: []string{"role"}}
	tenantOpts := &store.Options{Indexes: []string{"provisioning_key"}}

	if cfg.Database.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Database.RedisAddr,
			DB:       cfg.Database.RedisDB,
			Password: cfg.Database.RedisPassword,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return provd.Collections{}, nil, fmt.Errorf("connecting to Redis: %w", err)
		}
		return provd.Collections{
			Devices:       store.NewRedis(client, "devices", deviceOpts),
			Configs:       store.NewRedis(client, "configs", configOpts),
			Tenants:       store.NewRedis(client, "tenants", tenantOpts),
			Configuration: store.NewRedis(client, "configuration", nil),
		}, client, nil
	}

	return provd.Collections{
		Devices:       store.NewMemory(deviceOpts),
		Configs:       store.NewMemory(configOpts),
		Tenants:       store.NewMemory(tenantOpts),
		Configuration: store.NewMemory(nil),
	}, nil, nil
}

func run(cmd *cobra.Command) error {
	cfg, userSettings, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.General.Verbose {
		util.SetLogLevel("debug")
	}
	if stderrLog {
		util.SetLogOutput(os.Stderr)
	} else {
		logFile, err := os.OpenFile("/var/log/provd.log",
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			util.Logger.Warnf("Cannot open log file, falling back to stderr: %v", err)
		} else {
			defer logFile.Close()
			util.SetLogOutput(logFile)
		}
	}

	colls, redisClient, err := openCollections(cfg)
	if err != nil {
		return err
	}

	var syncSvc plugin.SynchronizeService
	if cfg.AMI.Enabled {
		syncSvc = &ami.Client{
			Addr:     cfg.AMI.Addr,
			Username: cfg.AMI.Username,
			Password: cfg.AMI.Password,
		}
	}

	app, err := provd.NewApp(cfg, colls, syncSvc, redisClient)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.SeedPluginServer(ctx, userSettings.PluginServer); err != nil {
		util.Logger.Warnf("Cannot seed plugin server from settings: %v", err)
	}
	if err := app.LoadAll(ctx); err != nil {
		return fmt.Errorf("loading plugins: %w", err)
	}
	if err := app.PluginUpdateIndex(ctx); err != nil {
		util.Logger.Warnf("Plugin repository unreachable at startup: %v", err)
	}

	processor := &pipeline.Processor{
		Svc: app,
		Extractor: &pipeline.CompositeExtractor{
			Extractors: []pipeline.Extractor{
				pipeline.StandardExtractor{},
				&pipeline.AllPluginsExtractor{Manager: app.Plugins()},
			},
		},
		Retriever: pipeline.StandardChain(cfg.General.DefaultTenantUUID),
		Updaters: []pipeline.Updater{
			pipeline.AddInfoUpdater{},
			pipeline.DynamicUpdater{Keys: []string{"ip", "version"}},
			pipeline.AutocreateConfigUpdater{},
			pipeline.RemoveOutdatedIPUpdater{},
			pipeline.AssociatorUpdater{Manager: app.Plugins()},
		},
	}

	tftpAddr := fmt.Sprintf("%s:%d", cfg.General.ListenIP, cfg.General.TFTPPort)
	tftpSrv, err := tftp.NewServer(tftpAddr, &tftp.Dispatcher{App: app, Processor: processor})
	if err != nil {
		return err
	}

	httpAddr := fmt.Sprintf("%s:%d", cfg.General.ListenIP, cfg.General.HTTPPort)
	httpSrv := httpd.NewServer(httpAddr, app, processor,
		cfg.General.TrustedProxiesCount, cfg.General.HTTPAuthStrategy == "url_key")

	util.Logger.Infof("provd %s starting (tftp=%s http=%s backend=%s)",
		version.Version, tftpAddr, httpAddr, cfg.Database.Backend)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tftpSrv.Serve(gctx) })
	g.Go(func() error { return httpSrv.Serve(gctx) })
	if cfg.Bus.Enabled && redisClient != nil {
		consumer := bus.NewConsumer(redisClient, cfg.Bus.Channel, app)
		g.Go(func() error { return consumer.Run(gctx) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		util.Logger.Infof("provd shutting down")
		return nil
	}
	return err
}
