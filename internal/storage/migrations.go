package storage

import (
	"database/sql"
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
)

// MigrationTableName is the table sql-migrate records applied schema
// migrations in.
const MigrationTableName = "schema_migrations"

const sqlMigrateDialect = "sqlite3"

var schemaMigrations = []*migrate.Migration{
	{
		Id: "20260901000000_documents",
		Up: []string{
			`CREATE TABLE documents (
  namespace  TEXT NOT NULL,
  id         TEXT NOT NULL,
  body       JSON NOT NULL,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (namespace, id)
);`,
			`CREATE INDEX documents_id_idx ON documents(id);`,
		},
		Down: []string{`DROP TABLE documents;`},
	},
	{
		Id: "20260901000100_job_queue",
		Up: []string{
			`CREATE TABLE job_queue (
  id            TEXT PRIMARY KEY,
  queue         TEXT NOT NULL,
  job_type      TEXT NOT NULL,
  repo_uri      TEXT NOT NULL,
  payload       JSON,
  status        TEXT NOT NULL,
  attempt       INTEGER NOT NULL DEFAULT 1,
  max_attempts  INTEGER NOT NULL DEFAULT 3,
  timeout_ms    INTEGER NOT NULL,
  submitted_by  TEXT NOT NULL,
  created_at    TEXT NOT NULL,
  started_at    TEXT,
  completed_at  TEXT,
  last_error    TEXT,
  parent_job_id TEXT
);`,
			`CREATE INDEX job_queue_status_created_at_idx ON job_queue(queue, status, created_at);`,
			`CREATE INDEX job_queue_type_repo_status_idx ON job_queue(job_type, repo_uri, status);`,
		},
		Down: []string{`DROP TABLE job_queue;`},
	},
	{
		Id: "20260901000200_job_log",
		Up: []string{
			`CREATE TABLE job_log (
  id            TEXT PRIMARY KEY,
  job_id        TEXT NOT NULL,
  queue         TEXT NOT NULL,
  job_type      TEXT NOT NULL,
  repo_uri      TEXT NOT NULL,
  status        TEXT NOT NULL,
  attempt       INTEGER NOT NULL,
  submitted_by  TEXT NOT NULL,
  created_at    TEXT NOT NULL,
  completed_at  TEXT NOT NULL,
  last_error    TEXT,
  parent_job_id TEXT
);`,
			`CREATE INDEX job_log_completed_at_idx ON job_log(completed_at);`,
		},
		Down: []string{`DROP TABLE job_log;`},
	},
}

func migrationSet() migrate.MigrationSet {
	return migrate.MigrationSet{TableName: MigrationTableName}
}

func migrationSource() migrate.MigrationSource {
	return &migrate.MemoryMigrationSource{Migrations: schemaMigrations}
}

// Migrate applies all pending schema migrations and returns how many ran.
// Running it against an up-to-date database is a no-op.
func Migrate(db *sql.DB) (int, error) {
	n, err := migrationSet().Exec(db, sqlMigrateDialect, migrationSource(), migrate.Up)
	if err != nil {
		return n, fmt.Errorf("apply schema migrations: %w", err)
	}
	return n, nil
}

// AppliedMigrations lists the ids of schema migrations recorded in db.
func AppliedMigrations(db *sql.DB) ([]string, error) {
	records, err := migrationSet().GetMigrationRecords(db, sqlMigrateDialect)
	if err != nil {
		return nil, fmt.Errorf("read schema migrations: %w", err)
	}
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.Id)
	}
	return ids, nil
}

// PendingMigrations returns the number of known migrations not yet applied.
func PendingMigrations(db *sql.DB) (int, error) {
	planned, _, err := migrationSet().PlanMigration(db, sqlMigrateDialect, migrationSource(), migrate.Up, 0)
	if err != nil {
		return 0, fmt.Errorf("plan schema migrations: %w", err)
	}
	return len(planned), nil
}
