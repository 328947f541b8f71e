package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/aeolun/darkroom/pkg/database/migrations"
	"github.com/pressly/goose/v3"
)

// migrateTo applies migrations up to and including version on a raw
// connection, leaving later ones pending for Open.
func migrateTo(t *testing.T, conn *sql.DB, version int64) {
	t.Helper()
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		t.Fatalf("set dialect: %v", err)
	}
	if err := goose.UpToContext(context.Background(), conn, ".", version); err != nil {
		t.Fatalf("migrate to %d: %v", version, err)
	}
}

func currentVersion(t *testing.T, conn *sql.DB) int64 {
	t.Helper()
	migrateMu.Lock()
	defer migrateMu.Unlock()
	v, err := goose.GetDBVersion(conn)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	return v
}

func tableExists(t *testing.T, conn *sql.DB, name string) bool {
	t.Helper()
	var n int
	if err := conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n); err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return n == 1
}

// TestMigrationPath opens a database left at each historical version and
// checks that Open brings it to the latest schema without losing rows.
//
// Add a case here for every new migration.
func TestMigrationPath(t *testing.T) {
	tests := []struct {
		name        string
		fromVersion int64
		setupData   func(conn *sql.DB) error
		validate    func(t *testing.T, db *DB)
	}{
		{
			name:        "v0 → latest: fresh database",
			fromVersion: 0,
			setupData:   func(*sql.DB) error { return nil },
			validate: func(t *testing.T, db *DB) {
				for _, table := range []string{"users", "messages", "shared_files", "banned_users"} {
					if !tableExists(t, db.conn, table) {
						t.Errorf("table %s missing", table)
					}
				}
			},
		},
		{
			name:        "v1 → v2: bans added, history kept",
			fromVersion: 1,
			setupData: func(conn *sql.DB) error {
				now := time.Now().UnixMilli()
				if _, err := conn.Exec(`INSERT INTO users (nickname, password_hash, is_admin, created_at) VALUES ('root', 'x', 1, ?)`, now); err != nil {
					return err
				}
				_, err := conn.Exec(`INSERT INTO messages (nickname, content, created_at) VALUES ('root', 'root: before bans', ?)`, now)
				return err
			},
			validate: func(t *testing.T, db *DB) {
				if !tableExists(t, db.conn, "banned_users") {
					t.Fatal("banned_users missing after upgrade")
				}
				msgs, err := db.AllMessages()
				if err != nil {
					t.Fatalf("AllMessages: %v", err)
				}
				if len(msgs) != 1 || msgs[0].Content != "root: before bans" {
					t.Errorf("history not preserved: %+v", msgs)
				}
				admin, err := db.IsAdmin("root")
				if err != nil || !admin {
					t.Errorf("IsAdmin(root) = %v, %v; want true", admin, err)
				}
				if err := db.BanUser("10.0.0.1", "after upgrade", 1); err != nil {
					t.Errorf("BanUser after upgrade: %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dbPath := filepath.Join(t.TempDir(), "test.db")

			raw, err := sql.Open("sqlite", dbPath)
			if err != nil {
				t.Fatalf("open raw: %v", err)
			}
			if tt.fromVersion > 0 {
				migrateTo(t, raw, tt.fromVersion)
			}
			if err := tt.setupData(raw); err != nil {
				raw.Close()
				t.Fatalf("setup data: %v", err)
			}
			raw.Close()

			db, err := Open(dbPath)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer db.Close()

			tt.validate(t, db)
			if v := currentVersion(t, db.conn); v != 2 {
				t.Errorf("version = %d, want 2", v)
			}
		})
	}
}
