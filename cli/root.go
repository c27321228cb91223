// Package cli provides the command-line entry point for the gasoline
// durable workflow engine: a worker/sweeper process that drives
// registered workflows and activities against a bbolt-backed store, with
// an optional Redis wake/lease index mirror and an AMQP message bus for
// the workflow context's message primitive.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/evalgo/gasoline/cache"
	"github.com/evalgo/gasoline/common"
	"github.com/evalgo/gasoline/config"
	"github.com/evalgo/gasoline/db/kv"
	"github.com/evalgo/gasoline/examples"
	"github.com/evalgo/gasoline/queue"
	redisindex "github.com/evalgo/gasoline/queue/redis"
	"github.com/evalgo/gasoline/worker"
	"github.com/evalgo/gasoline/workflow"
)

// cfgFile holds the path to the configuration file specified via the
// --config flag.
var cfgFile string

// RootCmd is the gasoline engine's top-level command. With no
// subcommand it runs serve.
var RootCmd = &cobra.Command{
	Use:   "gasoline",
	Short: "a durable workflow engine worker/sweeper process",
	Long: `gasoline runs workflows and activities to completion across process
restarts by replaying an append-only history log against deterministic
workflow bodies.

It exposes no HTTP API of its own; workflows are dispatched and signaled
through the workflow.Client Go API, or via the dispatch/signal/status
subcommands against the same on-disk store.`,
	RunE: runServe,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default search: $HOME/.gasoline.yaml, ./.gasoline.yaml)")

	RootCmd.PersistentFlags().String("kv-path", "", "bbolt database file path")
	RootCmd.PersistentFlags().String("amqp-url", "", "AMQP connection URL for the message bus")
	RootCmd.PersistentFlags().String("redis-cache-url", "", "Redis URL for the activity result cache")
	RootCmd.PersistentFlags().String("redis-wake-url", "", "Redis URL for the wake/lease index mirror (empty disables it, falling back to a bbolt scan)")
	RootCmd.PersistentFlags().Int("concurrency", 0, "number of concurrent worker goroutines")
	RootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")

	viper.BindPFlag("kv_path", RootCmd.PersistentFlags().Lookup("kv-path"))
	viper.BindPFlag("amqp_url", RootCmd.PersistentFlags().Lookup("amqp-url"))
	viper.BindPFlag("redis_cache_url", RootCmd.PersistentFlags().Lookup("redis-cache-url"))
	viper.BindPFlag("redis_wake_url", RootCmd.PersistentFlags().Lookup("redis-wake-url"))
	viper.BindPFlag("worker_concurrency", RootCmd.PersistentFlags().Lookup("concurrency"))
	viper.BindPFlag("log_level", RootCmd.PersistentFlags().Lookup("log-level"))

	RootCmd.AddCommand(dispatchCmd, signalCmd, statusCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".gasoline")
	}

	viper.SetEnvPrefix("GASOLINE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

// loadEngineConfig builds an EngineConfig from GASOLINE_* environment
// variables, then applies any values the command-line flags or config
// file overrode through Viper.
func loadEngineConfig() config.EngineConfig {
	cfg := config.LoadEngineConfig("GASOLINE")

	if v := viper.GetString("kv_path"); v != "" {
		cfg.KVPath = v
	}
	if v := viper.GetString("amqp_url"); v != "" {
		cfg.AMQPURL = v
	}
	if v := viper.GetString("redis_cache_url"); v != "" {
		cfg.RedisCacheURL = v
	}
	if v := viper.GetString("redis_wake_url"); v != "" {
		cfg.RedisWakeURL = v
	}
	if v := viper.GetInt("worker_concurrency"); v != 0 {
		cfg.WorkerConcurrency = v
	}
	if v := viper.GetString("log_level"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}

// buildRegistry assembles the process's workflow/activity/signal
// registry. A real deployment would merge its own domain registrations
// alongside examples.RegisterAll via workflow.MergeRegistries; this
// standalone process only ships the example scenarios.
func buildRegistry() (*workflow.Registry, error) {
	return examples.RegisterAll(workflow.NewBuilder()).Build()
}

// runServe opens the store and backing services, starts the worker pool
// and sweeper, and blocks until SIGINT/SIGTERM.
func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadEngineConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cli: invalid configuration: %w", err)
	}

	logger := common.NewLogger(common.LoggerConfig{
		Level:   common.LogLevel(cfg.LogLevel),
		Format:  cfg.LogFormat,
		Service: cfg.ServiceName,
	})
	log := logger.WithField("service", cfg.ServiceName)
	log.WithFields(map[string]interface{}{
		"kv_path":   cfg.KVPath,
		"amqp_url":  common.MaskSecret(cfg.AMQPURL),
		"redis_url": common.MaskSecret(cfg.RedisCacheURL),
	}).Info("loaded configuration")

	store, err := kv.Open(cfg.KVPath)
	if err != nil {
		return fmt.Errorf("cli: open store: %w", err)
	}
	defer store.Close()

	bus, err := queue.NewBus(queue.BusConfig{AMQPURL: cfg.AMQPURL, Exchange: cfg.AMQPExchange}, log)
	if err != nil {
		log.WithError(err).Warn("amqp bus unavailable, message primitive will fail at call time")
	} else {
		defer bus.Close()
	}

	activityCache, err := cache.New(cache.Config{RedisURL: cfg.RedisCacheURL, KeyPrefix: cfg.ServiceName + ":"})
	if err != nil {
		log.WithError(err).Warn("activity cache unavailable")
	} else {
		defer activityCache.Close()
	}

	registry, err := buildRegistry()
	if err != nil {
		return fmt.Errorf("cli: build registry: %w", err)
	}

	var messageBus workflow.MessageBus
	if bus != nil {
		messageBus = bus
	}
	var cacheIface workflow.Cache
	if activityCache != nil {
		cacheIface = activityCache
	}

	client := workflow.NewClient(store, registry, messageBus, cacheIface, log, nil)

	var wake worker.WakeSource
	if cfg.RedisWakeURL != "" {
		idx, err := redisindex.NewIndex(redisindex.Config{RedisURL: cfg.RedisWakeURL})
		if err != nil {
			log.WithError(err).Warn("redis wake index unavailable, falling back to bbolt scan")
		} else {
			defer idx.Close()
			// Seed the mirror from the KV truth so workflows dispatched
			// before this process started are still picked up, then let
			// the client keep it current from every commit.
			entries, err := workflow.WakeEntries(store)
			if err != nil {
				log.WithError(err).Warn("reading wake entries for mirror rebuild failed")
			} else if err := idx.Rebuild(context.Background(), entries); err != nil {
				log.WithError(err).Warn("wake mirror rebuild failed")
			}
			client.Mirror = idx
			wake = idx
		}
	}

	pool := worker.NewPool(client, wake, nil, worker.Config{
		Concurrency:  cfg.WorkerConcurrency,
		LeaseTTL:     cfg.LeaseTTL,
		PollInterval: cfg.PollInterval,
		BatchSize:    int64(cfg.BatchSize),
	})
	sweeper := worker.NewSweeper(client, worker.SweeperConfig{
		Interval:  cfg.SweepInterval,
		Retention: cfg.RetentionWindow,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	sweeper.Start(ctx)

	log.Info("gasoline engine started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	sweeper.Stop()
	pool.Stop()
	cancel()
	time.Sleep(100 * time.Millisecond)

	return nil
}

