// Command migrator brings the aegis Postgres schema up to date. Each SQL file
// is applied once, in name order, and recorded with its checksum so an
// edited migration is caught instead of silently skipped.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"aegis/migrations"
	"aegis/pkg/logging"
	"aegis/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

var logger = logging.New("aegis-migrator", os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

// Testable variables for main()
var (
	logFatalf = func(format string, args ...any) { logger.Fatal().Msgf(format, args...) }
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx, store.PostgresOptionsFromEnv(), logger)
	}
)

const (
	stateApplied = "applied"
	statePending = "pending"
	stateChanged = "changed"
)

type migration struct {
	name     string
	sql      string
	checksum string
}

type fileState struct {
	Name  string
	State string
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		logFatalf("migrator: %v", err)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var dir string
	var timeout time.Duration
	root := &cobra.Command{
		Use:           "migrator",
		Short:         "Apply the aegis Postgres schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dir, "dir", strings.TrimSpace(os.Getenv("AEGIS_MIGRATIONS_DIR")), "read migrations from this directory instead of the embedded set")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 20*time.Second, "overall deadline")
	root.SetOut(out)

	withDB := func(fn func(ctx context.Context, db migrationDB, migs []migration) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			migs, err := loadMigrations(migrationsFS(dir))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			pool, err := openDBFn(ctx)
			if err != nil {
				return fmt.Errorf("db: %w", err)
			}
			defer pool.Close()
			return fn(ctx, pool, migs)
		}
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: withDB(func(ctx context.Context, db migrationDB, migs []migration) error {
			_, err := applyMigrations(ctx, db, migs, logger)
			return err
		}),
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show which migrations are applied",
		Args:  cobra.NoArgs,
		RunE: withDB(func(ctx context.Context, db migrationDB, migs []migration) error {
			states, err := migrationStatus(ctx, db, migs)
			if err != nil {
				return err
			}
			for _, s := range states {
				fmt.Fprintf(root.OutOrStdout(), "%-8s %s\n", s.State, s.Name)
			}
			return nil
		}),
	}
	root.AddCommand(up, status)
	// bare "migrator" is "migrator up"
	root.RunE = up.RunE
	return root
}

func migrationsFS(dir string) fs.FS {
	if dir == "" {
		return migrations.Files
	}
	return os.DirFS(dir)
}

// loadMigrations reads every top level *.sql file in name order.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(names)
	out := make([]migration, 0, len(names))
	for _, name := range names {
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(raw)
		out = append(out, migration{name: name, sql: string(raw), checksum: hex.EncodeToString(sum[:])})
	}
	return out, nil
}

func ensureMigrationsTable(ctx context.Context, db migrationDB) error {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT '';
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// stateOf compares the recorded checksum with the file. Rows written before
// checksums were recorded carry an empty checksum and count as applied.
func stateOf(ctx context.Context, db migrationDB, m migration) (string, error) {
	var recorded string
	err := db.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, m.name).Scan(&recorded)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return statePending, nil
	case err != nil:
		return "", fmt.Errorf("migration lookup %s: %w", m.name, err)
	case recorded != "" && recorded != m.checksum:
		return stateChanged, nil
	default:
		return stateApplied, nil
	}
}

func migrationStatus(ctx context.Context, db migrationDB, migs []migration) ([]fileState, error) {
	if db == nil {
		return nil, errors.New("db required")
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	out := make([]fileState, 0, len(migs))
	for _, m := range migs {
		st, err := stateOf(ctx, db, m)
		if err != nil {
			return nil, err
		}
		out = append(out, fileState{Name: m.name, State: st})
	}
	return out, nil
}

// applyMigrations runs each pending file in its own transaction and returns
// how many were applied. It refuses to continue past a changed file.
func applyMigrations(ctx context.Context, db migrationDB, migs []migration, log zerolog.Logger) (int, error) {
	states, err := migrationStatus(ctx, db, migs)
	if err != nil {
		return 0, err
	}
	applied := 0
	for i, m := range migs {
		switch states[i].State {
		case stateApplied:
			continue
		case stateChanged:
			return applied, fmt.Errorf("migration %s changed after it was applied", m.name)
		}
		if err := applyOne(ctx, db, m); err != nil {
			return applied, err
		}
		applied++
		log.Info().Str("migration", m.name).Str("checksum", m.checksum[:12]).Msg("migration applied")
	}
	log.Info().Int("files", len(migs)).Int("applied", applied).Msg("schema up to date")
	return applied, nil
}

func applyOne(ctx context.Context, db migrationDB, m migration) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.Exec(ctx, m.sql); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply migration %s: %w", m.name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2)`, m.name, m.checksum); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("mark migration %s: %w", m.name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.name, err)
	}
	return nil
}
