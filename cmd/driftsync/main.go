// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

// driftsync runs the sync engine: an HTTP server with the combined
// push/pull endpoint, snapshot chunk downloads, the realtime websocket,
// and background commit log maintenance.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driftsync/driftsync/chunker"
	"github.com/driftsync/driftsync/handler"
	"github.com/driftsync/driftsync/livesync"
	"github.com/driftsync/driftsync/maintenance"
	"github.com/driftsync/driftsync/pull"
	"github.com/driftsync/driftsync/push"
	"github.com/driftsync/driftsync/scope"
	"github.com/driftsync/driftsync/scopecache"
	"github.com/driftsync/driftsync/server"
	"github.com/driftsync/driftsync/synclog"
)

// TableDef is one synced table declared in configuration.
type TableDef struct {
	Name               string   `mapstructure:"name"`
	ScopePatterns      []string `mapstructure:"scope_patterns"`
	ScopeFields        []string `mapstructure:"scope_fields"`
	ImmutableScopeKeys []string `mapstructure:"immutable_scope_keys"`
	ActorScopeField    string   `mapstructure:"actor_scope_field"`
}

// Config is the full runtime configuration of the driftsync binary.
type Config struct {
	Database string `mapstructure:"database"`
	LogDev   bool   `mapstructure:"log_dev"`
	AuthMode string `mapstructure:"auth_mode"`

	DB          synclog.Config     `mapstructure:"db"`
	Server      server.Config      `mapstructure:"server"`
	Pull        pull.Config        `mapstructure:"pull"`
	Chunker     chunker.Config     `mapstructure:"chunker"`
	ScopeCache  scopecache.Config  `mapstructure:"scope_cache"`
	LiveSync    livesync.Config    `mapstructure:"live_sync"`
	Maintenance maintenance.Config `mapstructure:"maintenance"`

	Tables []TableDef `mapstructure:"tables"`
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:          "driftsync",
		Short:        "Driftsync keeps embedded client databases in sync with a central one",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./driftsync.yaml)")
	root.PersistentFlags().String("database", "sqlite3://driftsync.db", "database connection string")
	root.PersistentFlags().Bool("log-dev", false, "use the development logger")

	load := func() (Config, error) { return loadConfig(cfgFile, root) }

	root.AddCommand(
		runCmd(load),
		migrateCmd(load),
		compactCmd(load),
		apiKeyCmd(load),
		commitCmd(load),
		cursorCmd(load),
	)
	return root
}

func loadConfig(cfgFile string, root *cobra.Command) (Config, error) {
	v := viper.New()
	v.SetDefault("auth_mode", "apikey")
	v.SetDefault("server.address", ":7900")
	v.SetDefault("server.partitionheader", "X-Demo-Id")
	v.SetDefault("server.shutdowntimeout", "25s")
	v.SetDefault("db.maxopenconns", 25)
	v.SetDefault("db.maxidleconns", 5)
	v.SetDefault("pull.limitcommits", 100)
	v.SetDefault("pull.snapshotpagesize", 500)
	v.SetDefault("pull.maxsnapshotpages", 20)
	v.SetDefault("pull.maxsnapshotrows", 10000)
	v.SetDefault("pull.inlinemaxbytes", 4096)
	v.SetDefault("chunker.ttl", "6h")
	v.SetDefault("chunker.compression", chunker.CompressionLZ4)
	v.SetDefault("chunker.mincompresssize", 512)
	v.SetDefault("scope_cache.ttl", "30s")
	v.SetDefault("scope_cache.capacity", 10000)
	v.SetDefault("live_sync.heartbeatinterval", "30s")
	v.SetDefault("maintenance.interval", "10m")
	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.fullhistoryfor", "72h")
	v.SetDefault("maintenance.compactdebounce", "1h")
	v.SetDefault("maintenance.keepnewestcommits", 10000)
	v.SetDefault("maintenance.commitmaxage", "720h")
	v.SetDefault("maintenance.cursormaxage", "2160h")

	if err := v.BindPFlag("database", root.PersistentFlags().Lookup("database")); err != nil {
		return Config{}, err
	}
	if err := v.BindPFlag("log_dev", root.PersistentFlags().Lookup("log-dev")); err != nil {
		return Config{}, err
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("driftsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/driftsync")
	}
	v.SetEnvPrefix("DRIFTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return config, nil
}

func newLogger(config Config) (*zap.Logger, error) {
	if config.LogDev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// openDB opens the database and ensures the engine schema exists.
func openDB(ctx context.Context, log *zap.Logger, config Config) (*synclog.DB, error) {
	db, err := synclog.Open(ctx, log.Named("db"), config.Database, config.DB)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	if err := db.EnsureConsoleSchema(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// buildRegistry creates a handler per configured table and ensures its
// backing storage.
func buildRegistry(ctx context.Context, log *zap.Logger, db *synclog.DB, config Config) (*handler.Registry, error) {
	registry := handler.NewRegistry()
	for _, def := range config.Tables {
		patterns := make([]scope.Pattern, 0, len(def.ScopePatterns))
		for _, p := range def.ScopePatterns {
			patterns = append(patterns, scope.Pattern(p))
		}
		h, err := handler.NewTableHandler(log.Named("table").Named(def.Name), db, handler.TableConfig{
			Table:              def.Name,
			ScopePatterns:      patterns,
			ScopeFields:        def.ScopeFields,
			ImmutableScopeKeys: def.ImmutableScopeKeys,
			ActorScopeField:    def.ActorScopeField,
		})
		if err != nil {
			return nil, err
		}
		if err := h.EnsureTable(ctx); err != nil {
			return nil, err
		}
		if err := registry.Register(h); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func runCmd(load func() (Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := load()
			if err != nil {
				return err
			}
			log, err := newLogger(config)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			db, err := openDB(ctx, log, config)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			registry, err := buildRegistry(ctx, log, db, config)
			if err != nil {
				return err
			}

			chunks, err := chunker.New(log.Named("chunker"), db, config.Chunker)
			if err != nil {
				return err
			}
			resolver := scopecache.NewResolver(log.Named("scopecache"),
				scopecache.NewLRUBackend(config.ScopeCache), config.ScopeCache.TTL)
			live := livesync.NewRegistry(log.Named("livesync"), config.LiveSync)
			applier := push.NewApplier(log.Named("push"), db, registry, nil)
			planner := pull.NewPlanner(log.Named("pull"), db, registry, resolver, chunks, config.Pull)
			chore := maintenance.NewChore(log.Named("maintenance"), config.Maintenance, db)

			var authenticate server.AuthenticateFunc
			switch config.AuthMode {
			case "apikey":
				authenticate = server.NewAPIKeyAuthenticator(log.Named("auth"), db).Authenticate
			case "dev-header":
				log.Warn("running with dev-header authentication; do not expose this server")
				authenticate = server.DevHeaderAuthenticate
			default:
				return fmt.Errorf("unknown auth mode %q", config.AuthMode)
			}

			listener, err := net.Listen("tcp", config.Server.Address)
			if err != nil {
				return err
			}
			srv := server.NewServer(log.Named("server"), config.Server, listener,
				db, registry, applier, planner, chunks, live, authenticate)

			log.Info("driftsync starting",
				zap.String("address", listener.Addr().String()),
				zap.String("database", db.Implementation().String()),
				zap.Int("tables", len(config.Tables)))

			group, ctx := errgroup.WithContext(ctx)
			group.Go(func() error { return chore.Run(ctx) })
			group.Go(func() error { return srv.Run(ctx) })
			group.Go(func() error {
				<-ctx.Done()
				return chore.Close()
			})
			return group.Wait()
		},
	}
}

func migrateCmd(load func() (Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := load()
			if err != nil {
				return err
			}
			log, err := newLogger(config)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			db, err := openDB(ctx, log, config)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if _, err := buildRegistry(ctx, log, db, config); err != nil {
				return err
			}
			log.Info("schema is up to date", zap.Int("tables", len(config.Tables)))
			return nil
		},
	}
}

func compactCmd(load func() (Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Run one maintenance pass (compaction, pruning, chunk expiry) and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := load()
			if err != nil {
				return err
			}
			log, err := newLogger(config)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			db, err := openDB(ctx, log, config)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			chore := maintenance.NewChore(log.Named("maintenance"), config.Maintenance, db)
			return chore.RunOnce(ctx)
		},
	}
}

func apiKeyCmd(load func() (Config, error)) *cobra.Command {
	apikey := &cobra.Command{
		Use:   "apikey",
		Short: "Manage api keys",
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an api key and print its secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			partition, _ := cmd.Flags().GetString("partition")

			config, err := load()
			if err != nil {
				return err
			}
			log, err := newLogger(config)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			db, err := openDB(ctx, log, config)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			key, secret, err := db.CreateAPIKey(ctx, args[0], partition)
			if err != nil {
				return err
			}
			// the token is the only time the secret is visible
			fmt.Printf("key id:    %s\npartition: %s\ntoken:     %s.%s\n",
				key.KeyID, key.PartitionID, key.KeyID, secret)
			return nil
		},
	}
	create.Flags().String("partition", synclog.DefaultPartition, "partition the key grants access to")

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an api key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := load()
			if err != nil {
				return err
			}
			log, err := newLogger(config)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			db, err := openDB(ctx, log, config)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			return db.RevokeAPIKey(ctx, args[0])
		},
	}

	apikey.AddCommand(create, revoke)
	return apikey
}

func commitCmd(load func() (Config, error)) *cobra.Command {
	commit := &cobra.Command{
		Use:   "commit",
		Short: "Inspect the commit log",
	}

	inspect := &cobra.Command{
		Use:   "inspect <commit-seq>",
		Short: "Print one commit's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			partition, _ := cmd.Flags().GetString("partition")
			seq, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid commit sequence %q", args[0])
			}

			config, err := load()
			if err != nil {
				return err
			}
			log, err := newLogger(config)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			db, err := openDB(ctx, log, config)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			found, err := db.GetCommit(ctx, partition, seq)
			if err != nil {
				return err
			}
			if found == nil {
				return fmt.Errorf("commit %d not found in partition %q", seq, partition)
			}
			fmt.Printf("commit:    %d\npartition: %s\nactor:     %s\nclient:    %s\ncommit id: %s\ncreated:   %s\nchanges:   %d\ntables:    %s\n",
				found.CommitSeq, found.PartitionID, found.ActorID, found.ClientID,
				found.ClientCommitID, found.CreatedAt.Format(time.RFC3339),
				found.ChangeCount, strings.Join(found.AffectedTables, ", "))
			return nil
		},
	}
	inspect.Flags().String("partition", synclog.DefaultPartition, "partition to read")

	commit.AddCommand(inspect)
	return commit
}

func cursorCmd(load func() (Config, error)) *cobra.Command {
	cursor := &cobra.Command{
		Use:   "cursor",
		Short: "Manage recorded client cursors",
	}

	withDB := func(cmd *cobra.Command, fn func(ctx context.Context, db *synclog.DB) error) error {
		config, err := load()
		if err != nil {
			return err
		}
		log, err := newLogger(config)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx := cmd.Context()
		db, err := openDB(ctx, log, config)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		return fn(ctx, db)
	}

	show := &cobra.Command{
		Use:   "show <client-id>",
		Short: "Print a client's recorded cursor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			partition, _ := cmd.Flags().GetString("partition")
			return withDB(cmd, func(ctx context.Context, db *synclog.DB) error {
				found, err := db.GetClientCursor(ctx, partition, args[0])
				if err != nil {
					return err
				}
				if found == nil {
					return fmt.Errorf("client %q has no cursor in partition %q", args[0], partition)
				}
				fmt.Printf("client:    %s\npartition: %s\nactor:     %s\ncursor:    %d\nupdated:   %s\n",
					found.ClientID, found.PartitionID, found.ActorID,
					found.Cursor, found.UpdatedAt.Format(time.RFC3339))
				if len(found.EffectiveScopes) > 0 {
					fmt.Printf("scopes:    %s\n", string(found.EffectiveScopes))
				}
				return nil
			})
		},
	}
	show.Flags().String("partition", synclog.DefaultPartition, "partition to read")

	evict := &cobra.Command{
		Use:   "evict <client-id>",
		Short: "Delete a client's recorded cursor so its next pull bootstraps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			partition, _ := cmd.Flags().GetString("partition")
			return withDB(cmd, func(ctx context.Context, db *synclog.DB) error {
				return db.DeleteClientCursor(ctx, partition, args[0])
			})
		},
	}
	evict.Flags().String("partition", synclog.DefaultPartition, "partition to modify")

	cursor.AddCommand(show, evict)
	return cursor
}
