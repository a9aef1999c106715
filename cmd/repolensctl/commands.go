package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/repolens/internal/cache"
	"github.com/kiranshivaraju/repolens/internal/config"
	"github.com/kiranshivaraju/repolens/internal/correlation"
	"github.com/kiranshivaraju/repolens/internal/fanout"
	"github.com/kiranshivaraju/repolens/internal/lifecycle"
	"github.com/kiranshivaraju/repolens/internal/store"
	"github.com/kiranshivaraju/repolens/pkg/models"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

const (
	apiKeyPrefix     = "rl_"
	apiKeyRandomSize = 24
)

var errSQLiteMigrations = errors.New("sqlite schema is applied when the store is opened; migrate is for postgres")

// openStore opens the configured backend. Postgres is not migrated here.
func openStore(ctx context.Context) (store.Store, func(), error) {
	cfg := config.LoadDatabase()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if cfg.Driver == config.DriverSQLite {
		s, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	}
	pool, err := store.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}

// --- migrate ---

func newMigrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := postgresConfig()
			if err != nil {
				return err
			}
			if err := store.RunMigrations(cfg.URL, dir); err != nil {
				return err
			}
			return printVersion(cmd, cfg.URL, dir)
		},
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "migrations", "directory holding the migration files")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := postgresConfig()
			if err != nil {
				return err
			}
			return printVersion(cmd, cfg.URL, dir)
		},
	})
	return cmd
}

func postgresConfig() (config.DatabaseConfig, error) {
	cfg := config.LoadDatabase()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if cfg.Driver != config.DriverPostgres {
		return cfg, errSQLiteMigrations
	}
	return cfg, nil
}

func printVersion(cmd *cobra.Command, databaseURL, dir string) error {
	v, dirty, err := store.MigrationVersion(databaseURL, dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d", v)
	if dirty {
		fmt.Fprint(cmd.OutOrStdout(), " (dirty)")
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}

// --- job ---

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect analysis jobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <correlation-id>",
		Short: "Print one job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := correlation.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid correlation id %q: %w", args[0], err)
			}
			st, closeStore, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			job, err := st.GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		},
	})

	var filter store.JobFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, closeStore, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			jobs, total, err := st.ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, j := range jobs {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", j.CorrelationID, j.Status,
					j.CreatedAt.Format(time.RFC3339), j.RepositoryRef)
			}
			fmt.Fprintf(out, "%d of %d jobs\n", len(jobs), total)
			return nil
		},
	}
	list.Flags().StringVar(&filter.RequesterRef, "requester", "", "only jobs of this requester")
	list.Flags().StringVar(&filter.Status, "status", "", "only jobs in this status")
	list.Flags().IntVar(&filter.Page, "page", 1, "page number")
	list.Flags().IntVar(&filter.Limit, "limit", 20, "page size")
	cmd.AddCommand(list)

	return cmd
}

// --- sweep ---

func newSweepCmd() *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail running jobs that never called back",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if staleAfter <= 0 {
				return fmt.Errorf("--stale-after must be positive")
			}
			ctx := cmd.Context()
			st, closeStore, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			pub, c, closeBus := eventPublisher(ctx)
			defer closeBus()

			f := lifecycle.NewFinalizer(st, pub, c, lifecycle.DefaultStatusTTL)
			n, err := lifecycle.NewSweeper(st, f, staleAfter, 0).SweepOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "failed %d stale jobs\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", time.Hour, "running time after which a job is considered lost")
	return cmd
}

// eventPublisher reaches observers of running servers through Redis when
// REDIS_URL is set. Without it the events have no audience.
func eventPublisher(ctx context.Context) (fanout.Publisher, cache.Cache, func()) {
	hub := fanout.NewHub(1)
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return hub, nil, hub.Close
	}
	rc, err := cache.NewRedisCache(redisURL)
	if err == nil {
		err = rc.Ping(ctx)
	}
	if err != nil {
		slog.Warn("redis unavailable, events from this sweep are not broadcast", "error", err)
		if rc != nil {
			_ = rc.Close()
		}
		return hub, nil, hub.Close
	}
	return fanout.NewRedisBus(rc, hub), rc, func() {
		_ = rc.Close()
		hub.Close()
	}
}

// --- apikey ---

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}

	var (
		requester string
		name      string
		scopes    []string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print it once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if requester == "" {
				return fmt.Errorf("--requester is required")
			}
			st, closeStore, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			raw, key, err := newAPIKey(requester, name, scopes)
			if err != nil {
				return err
			}
			if err := st.CreateAPIKey(cmd.Context(), key); err != nil {
				return fmt.Errorf("store api key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		},
	}
	create.Flags().StringVar(&requester, "requester", "", "requester reference recorded on jobs created with the key")
	create.Flags().StringVar(&name, "name", "", "human readable label")
	create.Flags().StringSliceVar(&scopes, "scope", nil, "scopes granted to the key (repeatable)")
	cmd.AddCommand(create)

	return cmd
}

func newAPIKey(requester, name string, scopes []string) (string, *models.APIKey, error) {
	b := make([]byte, apiKeyRandomSize)
	if _, err := rand.Read(b); err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	raw := apiKeyPrefix + hex.EncodeToString(b)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash api key: %w", err)
	}
	if name == "" {
		name = requester
	}
	now := time.Now().UTC()
	return raw, &models.APIKey{
		ID:           uuid.New(),
		RequesterRef: requester,
		Name:         name,
		KeyHash:      string(hash),
		KeyPrefix:    raw[:8],
		Scopes:       scopes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}
