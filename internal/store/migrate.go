package store

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every embedded *.sql file in filename order, recording
// each one's filename and checksum in schema_migrations. A file whose
// on-disk checksum no longer matches what was recorded at apply time is
// treated as an error rather than silently re-run, and every apply is
// logged through the caller's zap.Logger instead of going unreported.
func Migrate(ctx context.Context, db *pgxpool.Pool, log *zap.Logger) error {
	if _, err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   VARCHAR PRIMARY KEY,
		checksum   VARCHAR NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("migrate: ensure schema_migrations: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		sqlBytes, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(sqlBytes)
		checksum := hex.EncodeToString(sum[:])

		var appliedChecksum string
		err = db.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename = $1`, name).Scan(&appliedChecksum)
		switch {
		case err == nil:
			if appliedChecksum != checksum {
				return fmt.Errorf("migrate: %s already applied with checksum %s, on-disk checksum is now %s", name, appliedChecksum, checksum)
			}
			log.Debug("migrate: already applied", zap.String("file", name))
			continue
		case errors.Is(err, pgx.ErrNoRows):
			// not yet applied, fall through
		default:
			return fmt.Errorf("migrate: check %s: %w", name, err)
		}

		if _, err := db.Exec(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("migration %s failed: %w", name, err)
		}
		if _, err := db.Exec(ctx, `INSERT INTO schema_migrations (filename, checksum) VALUES ($1, $2)`, name, checksum); err != nil {
			return fmt.Errorf("migrate: record %s: %w", name, err)
		}
		log.Info("migrate: applied", zap.String("file", name), zap.String("checksum", checksum))
	}
	return nil
}
