package shared

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/*.sql
var migrationFiles embed.FS

// migrationName matches "0002_task_heartbeat_up.sql": a four digit version, a snake_case name
// and the direction.
var migrationName = regexp.MustCompile(`^(\d{4})_([a-z0-9_]+)_(up|down)\.sql$`)

// Migration is one schema step of the catalog and task queue database.
type Migration struct {
	Version  int
	Name     string
	Up       string
	Down     string
	Checksum string // sha256 of Up, recorded when applied
}

// MigrationState pairs a known migration with when it was applied, if it was.
type MigrationState struct {
	Migration
	AppliedAt *time.Time
}

// loadMigrations parses the embedded sql directory.
//
// Every file must follow the naming scheme, every version needs both directions under the same
// name, and versions must run from 0 without gaps.
func loadMigrations() ([]Migration, error) {
	entries, err := migrationFiles.ReadDir("sql")
	if err != nil {
		return nil, fmt.Errorf("failed to read migration directory: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := migrationName.FindStringSubmatch(entry.Name())
		if m == nil {
			return nil, fmt.Errorf("%w: unexpected migration file %s", ErrInvalidConfig, entry.Name())
		}
		version, _ := strconv.Atoi(m[1])
		name, direction := m[2], m[3]

		content, err := migrationFiles.ReadFile(path.Join("sql", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		mig := byVersion[version]
		if mig == nil {
			mig = &Migration{Version: version, Name: name}
			byVersion[version] = mig
		} else if mig.Name != name {
			return nil, fmt.Errorf("%w: migration %04d is named both %q and %q", ErrInvalidConfig, version, mig.Name, name)
		}

		if direction == "up" {
			mig.Up = string(content)
			sum := sha256.Sum256(content)
			mig.Checksum = hex.EncodeToString(sum[:])
		} else {
			mig.Down = string(content)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if len(splitStatements(mig.Up)) == 0 || len(splitStatements(mig.Down)) == 0 {
			return nil, fmt.Errorf("%w: migration %04d_%s needs non-empty up and down files", ErrInvalidConfig, mig.Version, mig.Name)
		}
		migrations = append(migrations, *mig)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })

	for i, mig := range migrations {
		if mig.Version != i {
			return nil, fmt.Errorf("%w: migration versions skip from %d to %d", ErrInvalidConfig, i-1, mig.Version)
		}
	}
	return migrations, nil
}

// splitStatements drops "--" comments and returns the ";"-terminated statements of script.
func splitStatements(script string) []string {
	var (
		statements []string
		current    strings.Builder
	)
	for _, line := range strings.Split(script, "\n") {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
		if strings.HasSuffix(line, ";") {
			statements = append(statements, strings.TrimSuffix(current.String(), ";"))
			current.Reset()
		}
	}
	if rest := strings.TrimSpace(current.String()); rest != "" {
		statements = append(statements, rest)
	}
	return statements
}

type appliedMigration struct {
	checksum  string
	appliedAt time.Time
}

func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}
	return nil
}

func appliedMigrations(db *sql.DB) (map[int]appliedMigration, error) {
	rows, err := db.Query(`SELECT version, checksum, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]appliedMigration)
	for rows.Next() {
		var (
			version int
			row     appliedMigration
		)
		if err := rows.Scan(&version, &row.checksum, &row.appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[version] = row
	}
	return applied, rows.Err()
}

// RunMigrations applies every pending migration, each in its own transaction.
//
// It refuses a database whose applied migrations were edited after the fact or that was
// migrated by a newer favsync.
func RunMigrations(db *sql.DB) error {
	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if err := ensureMigrationsTable(db); err != nil {
		return err
	}
	applied, err := appliedMigrations(db)
	if err != nil {
		return err
	}

	for version := range applied {
		if version >= len(migrations) {
			return fmt.Errorf("%w: database is at migration %d, this build knows %d", ErrInvalidConfig, version, len(migrations)-1)
		}
	}

	for _, mig := range migrations {
		row, ok := applied[mig.Version]
		if !ok {
			if err := applyMigration(db, mig); err != nil {
				return fmt.Errorf("failed to apply migration %04d_%s: %w", mig.Version, mig.Name, err)
			}
			continue
		}
		if row.checksum != "" && row.checksum != mig.Checksum {
			return fmt.Errorf("%w: migration %04d_%s changed after it was applied", ErrInvalidConfig, mig.Version, mig.Name)
		}
	}
	return nil
}

// RollbackMigration reverts the newest applied migration and returns it.
func RollbackMigration(db *sql.DB) (*Migration, error) {
	migrations, err := loadMigrations()
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	if err := ensureMigrationsTable(db); err != nil {
		return nil, err
	}

	var latest sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&latest); err != nil {
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}
	if !latest.Valid {
		return nil, fmt.Errorf("%w: no migrations to roll back", ErrNotFound)
	}
	if int(latest.Int64) >= len(migrations) {
		return nil, fmt.Errorf("%w: migration %d is unknown to this build", ErrNotFound, latest.Int64)
	}

	mig := migrations[latest.Int64]
	if err := runInTx(db, mig.Down, `DELETE FROM schema_migrations WHERE version = ?`, mig.Version); err != nil {
		return nil, fmt.Errorf("failed to roll back migration %04d_%s: %w", mig.Version, mig.Name, err)
	}
	return &mig, nil
}

// MigrationStatus lists every known migration with its applied time.
func MigrationStatus(db *sql.DB) ([]MigrationState, error) {
	migrations, err := loadMigrations()
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	if err := ensureMigrationsTable(db); err != nil {
		return nil, err
	}
	applied, err := appliedMigrations(db)
	if err != nil {
		return nil, err
	}

	states := make([]MigrationState, 0, len(migrations))
	for _, mig := range migrations {
		state := MigrationState{Migration: mig}
		if row, ok := applied[mig.Version]; ok {
			at := row.appliedAt.UTC()
			state.AppliedAt = &at
		}
		states = append(states, state)
	}
	return states, nil
}

// AppliedVersions returns the applied migration versions in ascending order.
func AppliedVersions(db *sql.DB) ([]int, error) {
	states, err := MigrationStatus(db)
	if err != nil {
		return nil, err
	}
	var versions []int
	for _, s := range states {
		if s.AppliedAt != nil {
			versions = append(versions, s.Version)
		}
	}
	return versions, nil
}

func applyMigration(db *sql.DB, mig Migration) error {
	return runInTx(db, mig.Up,
		`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
		mig.Version, mig.Name, mig.Checksum, time.Now().UTC())
}

// runInTx executes script and then the bookkeeping statement as one transaction.
func runInTx(db *sql.DB, script, bookkeeping string, args ...any) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(script) {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("%w\nstatement: %s", err, stmt)
		}
	}
	if _, err := tx.Exec(bookkeeping, args...); err != nil {
		return err
	}
	return tx.Commit()
}
