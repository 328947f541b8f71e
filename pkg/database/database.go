package database

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aeolun/darkroom/pkg/database/migrations"
	"github.com/pressly/goose/v3"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

var (
	// ErrStore wraps every driver-level failure so callers can treat
	// persistence problems uniformly.
	ErrStore = errors.New("store failure")
	// ErrUserNotFound indicates no user with the given nickname exists.
	ErrUserNotFound = errors.New("user not found")
)

// goose keeps its base FS and dialect in package globals.
var migrateMu sync.Mutex

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// User is a registered nickname.
type User struct {
	ID        int64
	Nickname  string
	IsAdmin   bool
	CreatedAt int64 // unix millis
}

// Message is one persisted chat line.
type Message struct {
	ID        int64
	Nickname  string
	Content   string
	CreatedAt int64 // unix millis
}

// Time returns the message timestamp.
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.CreatedAt)
}

// SharedFile records a file announced to the room.
type SharedFile struct {
	ID       int64
	Nickname string
	Filename string
	Code     string
	SharedAt int64
}

// Ban is a time-bounded restriction on a source address.
type Ban struct {
	ID          int64
	Address     string
	Reason      string
	BannedAt    int64
	BannedUntil *int64 // nil = permanent
}

// Active reports whether the ban is in force at now (unix millis).
func (b *Ban) Active(now int64) bool {
	return b.BannedUntil == nil || *b.BannedUntil > now
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

func openConn(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return conn, nil
}

// Open opens the SQLite database at path and applies pending migrations.
func Open(path string) (*DB, error) {
	conn, err := openConn(path)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := migrate(context.Background(), conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	writeConn, err := openConn(path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	// exactly one writer, never expired
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	return &DB{conn: conn, writeConn: writeConn}, nil
}

func migrate(ctx context.Context, conn *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, conn, ".")
}

// Close closes both connections.
func (db *DB) Close() error {
	werr := db.writeConn.Close()
	if err := db.conn.Close(); err != nil {
		return err
	}
	return werr
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// placeholderPasswordHash gives auto-registered users an unusable random
// bcrypt password; the relay authenticates with the room password only.
func placeholderPasswordHash() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(b)), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// RegisterOrGetUser returns the user ID for nickname, creating the user on
// first sight.
func (db *DB) RegisterOrGetUser(nickname string) (int64, error) {
	var id int64
	err := db.writeConn.QueryRow(`SELECT id FROM users WHERE nickname = ?`, nickname).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, storeErr("lookup user", err)
	}

	hash, err := placeholderPasswordHash()
	if err != nil {
		return 0, storeErr("hash placeholder password", err)
	}

	result, err := db.writeConn.Exec(`
		INSERT INTO users (nickname, password_hash, is_admin, created_at)
		VALUES (?, ?, 0, ?)
	`, nickname, hash, nowMillis())
	if err != nil {
		// lost a race with a concurrent insert of the same nickname
		if qerr := db.writeConn.QueryRow(`SELECT id FROM users WHERE nickname = ?`, nickname).Scan(&id); qerr == nil {
			return id, nil
		}
		return 0, storeErr("create user", err)
	}

	id, err = result.LastInsertId()
	if err != nil {
		return 0, storeErr("create user", err)
	}
	return id, nil
}

// EnsureAdmin registers nickname if needed and grants it the admin flag.
func (db *DB) EnsureAdmin(nickname string) error {
	if _, err := db.RegisterOrGetUser(nickname); err != nil {
		return err
	}
	if _, err := db.writeConn.Exec(`UPDATE users SET is_admin = 1 WHERE nickname = ?`, nickname); err != nil {
		return storeErr("grant admin", err)
	}
	return nil
}

// IsAdmin reports whether nickname carries the admin flag. Unknown
// nicknames are not admins.
func (db *DB) IsAdmin(nickname string) (bool, error) {
	var isAdmin bool
	err := db.conn.QueryRow(`SELECT is_admin FROM users WHERE nickname = ?`, nickname).Scan(&isAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("lookup admin flag", err)
	}
	return isAdmin, nil
}

// GetUser retrieves a user by nickname.
func (db *DB) GetUser(nickname string) (*User, error) {
	var u User
	err := db.conn.QueryRow(`
		SELECT id, nickname, is_admin, created_at FROM users WHERE nickname = ?
	`, nickname).Scan(&u.ID, &u.Nickname, &u.IsAdmin, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, storeErr("get user", err)
	}
	return &u, nil
}

// SaveMessage appends one chat line.
func (db *DB) SaveMessage(nickname, content string) error {
	_, err := db.writeConn.Exec(`
		INSERT INTO messages (nickname, content, created_at) VALUES (?, ?, ?)
	`, nickname, content, nowMillis())
	if err != nil {
		return storeErr("save message", err)
	}
	return nil
}

// SaveSharedFile records a file announcement.
func (db *DB) SaveSharedFile(nickname, filename, code string) error {
	_, err := db.writeConn.Exec(`
		INSERT INTO shared_files (nickname, filename, code, shared_at) VALUES (?, ?, ?, ?)
	`, nickname, filename, code, nowMillis())
	if err != nil {
		return storeErr("save shared file", err)
	}
	return nil
}

// BanUser records a ban on address. durationHours <= 0 bans permanently.
func (db *DB) BanUser(address, reason string, durationHours int) error {
	now := nowMillis()
	var until *int64
	if durationHours > 0 {
		u := now + int64(durationHours)*int64(time.Hour/time.Millisecond)
		until = &u
	}

	_, err := db.writeConn.Exec(`
		INSERT INTO banned_users (ip, reason, banned_at, banned_until) VALUES (?, ?, ?, ?)
	`, address, reason, now, until)
	if err != nil {
		return storeErr("ban address", err)
	}
	return nil
}

// IsBanned checks the most recent ban recorded for address.
func (db *DB) IsBanned(address string) (bool, error) {
	ban, err := db.latestBan(address)
	if err != nil {
		return false, err
	}
	if ban == nil {
		return false, nil
	}
	return ban.Active(nowMillis()), nil
}

func (db *DB) latestBan(address string) (*Ban, error) {
	var ban Ban
	var until sql.NullInt64
	err := db.conn.QueryRow(`
		SELECT id, ip, reason, banned_at, banned_until
		FROM banned_users
		WHERE ip = ?
		ORDER BY banned_at DESC, id DESC
		LIMIT 1
	`, address).Scan(&ban.ID, &ban.Address, &ban.Reason, &ban.BannedAt, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // No ban
	}
	if err != nil {
		return nil, storeErr("lookup ban", err)
	}
	if until.Valid {
		ban.BannedUntil = &until.Int64
	}
	return &ban, nil
}

// RecentMessages returns the newest limit messages in chronological order.
func (db *DB) RecentMessages(limit int) ([]*Message, error) {
	rows, err := db.conn.Query(`
		SELECT id, nickname, content, created_at
		FROM messages
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, storeErr("recent messages", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, storeErr("recent messages", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// AllMessages returns every message in chronological order.
func (db *DB) AllMessages() ([]*Message, error) {
	rows, err := db.conn.Query(`
		SELECT id, nickname, content, created_at
		FROM messages
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, storeErr("all messages", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, storeErr("all messages", err)
	}
	return msgs, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Nickname, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// AllUsers returns every registered user, sorted by nickname.
func (db *DB) AllUsers() ([]*User, error) {
	rows, err := db.conn.Query(`
		SELECT id, nickname, is_admin, created_at FROM users ORDER BY nickname ASC
	`)
	if err != nil {
		return nil, storeErr("all users", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Nickname, &u.IsAdmin, &u.CreatedAt); err != nil {
			return nil, storeErr("all users", err)
		}
		users = append(users, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("all users", err)
	}
	return users, nil
}

// SharedFiles returns announced files, newest first.
func (db *DB) SharedFiles() ([]*SharedFile, error) {
	rows, err := db.conn.Query(`
		SELECT id, nickname, filename, code, shared_at
		FROM shared_files
		ORDER BY shared_at DESC, id DESC
	`)
	if err != nil {
		return nil, storeErr("shared files", err)
	}
	defer rows.Close()

	var files []*SharedFile
	for rows.Next() {
		var f SharedFile
		if err := rows.Scan(&f.ID, &f.Nickname, &f.Filename, &f.Code, &f.SharedAt); err != nil {
			return nil, storeErr("shared files", err)
		}
		files = append(files, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("shared files", err)
	}
	return files, nil
}

// ListBans returns bans, optionally including expired ones, newest first.
func (db *DB) ListBans(includeExpired bool) ([]*Ban, error) {
	query := `
		SELECT id, ip, reason, banned_at, banned_until
		FROM banned_users
	`
	var args []any
	if !includeExpired {
		query += ` WHERE banned_until IS NULL OR banned_until > ?`
		args = append(args, nowMillis())
	}
	query += ` ORDER BY banned_at DESC, id DESC`

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, storeErr("list bans", err)
	}
	defer rows.Close()

	var bans []*Ban
	for rows.Next() {
		var b Ban
		var until sql.NullInt64
		if err := rows.Scan(&b.ID, &b.Address, &b.Reason, &b.BannedAt, &until); err != nil {
			return nil, storeErr("list bans", err)
		}
		if until.Valid {
			v := until.Int64
			b.BannedUntil = &v
		}
		bans = append(bans, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list bans", err)
	}
	return bans, nil
}

// Stats counts users and messages.
func (db *DB) Stats() (users, messages int, err error) {
	err = db.conn.QueryRow(`
		SELECT (SELECT COUNT(*) FROM users), (SELECT COUNT(*) FROM messages)
	`).Scan(&users, &messages)
	if err != nil {
		return 0, 0, storeErr("stats", err)
	}
	return users, messages, nil
}
