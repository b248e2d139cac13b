package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	httpadapter "warfront/internal/adapter/http"
	gormrepo "warfront/internal/adapter/repo/gorm"
	"warfront/internal/app/command"
	"warfront/internal/app/persistence"
	"warfront/internal/app/readcache"
	"warfront/internal/domain/entity"
	"warfront/internal/platform/config"
	"warfront/internal/platform/logging"
	"warfront/internal/platform/otel"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries what every subcommand resolves in PersistentPreRunE.
type cli struct {
	v   *viper.Viper
	cfg config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.New()}
	root := &cobra.Command{
		Use:           "warfront",
		Short:         "Strategy simulation core: command workers, persistence daemon and battle engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			config.LoadDotEnv()
			cfg, err := config.Load(c.v, cmd)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.log = logging.New(cfg.Log.Level, cfg.Log.Format)
			return nil
		},
	}
	config.RegisterFlags(root)
	root.AddCommand(
		c.serveCmd(),
		c.workerCmd(),
		c.persistCmd(),
		c.reconcileCmd(),
		c.migrateCmd(),
		c.submitCmd(),
		versionCmd(),
	)
	return root
}

// withRuntime opens the stores and tracing around fn.
func (c *cli) withRuntime(ctx context.Context, durable bool, fn func(context.Context, *runtime) error) error {
	shutdown, err := otel.Setup(ctx, "warfront", c.cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			c.log.Warn().Err(err).Msg("trace shutdown")
		}
	}()

	rt, err := newRuntime(ctx, c.cfg, c.log)
	if err != nil {
		return err
	}
	defer rt.Close()
	if durable {
		if err := rt.openDurable(); err != nil {
			return err
		}
	}
	return fn(ctx, rt)
}

func (c *cli) serveCmd() *cobra.Command {
	var embedded bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the battle engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The memory backend cannot be shared with other processes.
			withWorkers := embedded || c.cfg.Backend == config.BackendMemory
			return c.withRuntime(cmd.Context(), withWorkers, func(ctx context.Context, rt *runtime) error {
				return serve(ctx, rt, withWorkers)
			})
		},
	}
	cmd.Flags().BoolVar(&embedded, "embedded", false, "also run command workers and the persistence daemon in this process")
	return cmd
}

func serve(ctx context.Context, rt *runtime, withWorkers bool) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.effects.Run(gctx)
		return nil
	})

	cache := rt.cache()
	reads := readcache.New(cache)
	notices, err := rt.primary.SubscribeInvalidations(gctx)
	if err != nil {
		return err
	}
	g.Go(func() error {
		reads.Listen(gctx, notices)
		return nil
	})

	engine := rt.engine(cache)
	g.Go(func() error { return engine.Run(gctx) })

	if withWorkers {
		g.Go(func() error { return command.RunPool(gctx, rt.worker(cache), rt.cfg.Streams.Workers) })
		g.Go(func() error { return rt.daemon().Run(gctx) })
	}

	h := server.Default(server.WithHostPorts(rt.cfg.HTTPAddr))
	httpadapter.Handler{
		Commands: rt.submitter(),
		Results:  rt.primary,
		Entities: cache,
		Reads:    reads,
		Battles:  engine,
		KPI:      rt.kpi,
		Metrics:  rt.prom.Handler(),

		AllowOrigin: rt.cfg.CORSOrigin,
	}.RegisterRoutes(h)

	g.Go(func() error {
		rt.log.Info().Str("addr", rt.cfg.HTTPAddr).Str("backend", rt.cfg.Backend).Bool("workers", withWorkers).Msg("warfront listening")
		if err := h.Run(); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Shutdown(sctx); err != nil {
			rt.log.Warn().Err(err).Msg("http shutdown")
		}
		return nil
	})
	return g.Wait()
}

func (c *cli) workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume the command stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRuntime(cmd.Context(), false, func(ctx context.Context, rt *runtime) error {
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					rt.effects.Run(gctx)
					return nil
				})
				g.Go(func() error { return command.RunPool(gctx, rt.worker(rt.cache()), rt.cfg.Streams.Workers) })
				return g.Wait()
			})
		},
	}
}

func (c *cli) persistCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "persist",
		Short: "Drain the change log into the durable store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRuntime(cmd.Context(), true, func(ctx context.Context, rt *runtime) error {
				return rt.daemon().Run(ctx)
			})
		},
	}
}

func (c *cli) reconcileCmd() *cobra.Command {
	var types []string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Write every dirty entity to the durable store (repair job)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := parseTypes(types)
			if err != nil {
				return err
			}
			return c.withRuntime(cmd.Context(), true, func(ctx context.Context, rt *runtime) error {
				rep, err := persistence.Reconciler{
					Entities: rt.primary,
					Durable:  rt.durable,
					Metrics:  rt.metrics,
					Log:      rt.log.With().Str("component", "reconcile").Logger(),
				}.Run(ctx, parsed...)
				rt.log.Info().
					Int("scanned", rep.Scanned).
					Int("dirty", rep.Dirty).
					Int("written", rep.Written).
					Int("failed", rep.Failed).
					Int("dirty_kept", rep.DirtyKept).
					Msg("reconcile finished")
				return err
			})
		},
	}
	cmd.Flags().StringSliceVar(&types, "types", nil, "entity types to scan (default all)")
	return cmd
}

func parseTypes(raw []string) ([]entity.Type, error) {
	var out []entity.Type
	for _, r := range raw {
		t, err := entity.ParseType(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", err, r)
		}
		out = append(out, t)
	}
	return out, nil
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQL migrations to the durable store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Postgres.DSN == "" {
				return fmt.Errorf("postgres DSN is required (--postgres-dsn or %s_POSTGRES_DSN)", config.EnvPrefix)
			}
			db, err := gormrepo.OpenPostgres(c.cfg.Postgres.DSN, gormrepo.PoolOptions{MaxOpenConns: 1})
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			applied, err := gormrepo.ApplyMigrations(cmd.Context(), db, c.cfg.Postgres.MigrationsDir)
			c.log.Info().Strs("applied", applied).Str("dir", c.cfg.Postgres.MigrationsDir).Msg("migrations")
			return err
		},
	}
}

func (c *cli) submitCmd() *cobra.Command {
	var (
		id, kind, actor, payload string
		turn                     int64
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Append one command to the command stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			built, err := buildCommand(id, kind, actor, payload, turn)
			if err != nil {
				return err
			}
			return c.withRuntime(cmd.Context(), false, func(ctx context.Context, rt *runtime) error {
				streamID, err := rt.submitter().Submit(ctx, built)
				if err != nil {
					return err
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"commandId": built.ID,
					"streamId":  streamID,
				})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "idempotency key (default: a new ULID)")
	cmd.Flags().StringVar(&kind, "type", "", "command type, e.g. economy.collect_taxes")
	cmd.Flags().StringVar(&actor, "actor", "", "acting faction or commander id")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload")
	cmd.Flags().Int64Var(&turn, "turn", 0, "game turn the command belongs to")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func buildCommand(id, kind, actor, payload string, turn int64) (command.Command, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = ulid.Make().String()
	}
	if !json.Valid([]byte(payload)) {
		return command.Command{}, fmt.Errorf("%w: payload is not JSON", command.ErrInvalidCommand)
	}
	return command.Command{
		ID:      id,
		Kind:    command.Kind(strings.TrimSpace(kind)),
		ActorID: strings.TrimSpace(actor),
		Payload: json.RawMessage(payload),
		Turn:    turn,
	}, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		// Skips config loading so it works without any environment.
		PersistentPreRun: func(*cobra.Command, []string) {},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
