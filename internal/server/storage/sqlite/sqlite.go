// Package sqlite provides a file-backed persistence backend using the
// pure-Go modernc.org/sqlite driver. Schema is managed with embedded goose
// migrations.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/filekeeper/internal/common"
	"github.com/dmitrijs2005/filekeeper/internal/dbx"
	"github.com/dmitrijs2005/filekeeper/internal/server/models"
	"github.com/dmitrijs2005/filekeeper/internal/server/storage"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// seam for tests
var timeNow = time.Now

type Database struct {
	db dbx.DBTX
}

func NewDatabase(db dbx.DBTX) *Database {
	return &Database{db: db}
}

func marshalMeta(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshalling meta: %w", err)
	}
	return string(b), nil
}

func unmarshalMeta(raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("unmarshalling meta: %w", err)
	}
	return meta, nil
}

func (r *Database) AddUser(ctx context.Context, user *models.User) error {
	meta, err := marshalMeta(user.Meta)
	if err != nil {
		return err
	}
	query := `INSERT INTO users (username, hash_version, salt, hash, owner_id, admin, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query,
		user.Username, user.HashVersion, user.Salt, user.Hash, user.OwnerID, user.Admin, meta)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Database) GetUser(ctx context.Context, username string) (*models.User, error) {
	query := `SELECT username, hash_version, salt, hash, owner_id, admin, meta FROM users
		 WHERE username = ?`

	user := &models.User{}
	var meta string
	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&user.Username, &user.HashVersion, &user.Salt, &user.Hash, &user.OwnerID, &user.Admin, &meta)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if user.Meta, err = unmarshalMeta(meta); err != nil {
		return nil, err
	}
	return user, nil
}

func (r *Database) UserExists(ctx context.Context, username string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE username = ?`, username).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n > 0, nil
}

func (r *Database) ChangeUsername(ctx context.Context, oldUsername, newUsername string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET username = ? WHERE username = ?`, newUsername, oldUsername)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Database) UpdateHash(ctx context.Context, username, hashVersion, salt, hash string) error {
	query := `UPDATE users SET hash_version = ?, salt = ?, hash = ? WHERE username = ?`
	_, err := r.db.ExecContext(ctx, query, hashVersion, salt, hash, username)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Database) SetAdmin(ctx context.Context, username string, admin bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET admin = ? WHERE username = ?`, admin, username)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Database) ModifyUserMeta(ctx context.Context, username string, meta map[string]any) error {
	m, err := marshalMeta(meta)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `UPDATE users SET meta = ? WHERE username = ?`, m, username)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Database) RemoveUser(ctx context.Context, username string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// CountLoginAttempt increments atomically inside the database, so two
// concurrent failures cannot undercount each other.
func (r *Database) CountLoginAttempt(ctx context.Context, username string) error {
	query := `INSERT INTO failed_login_attempts (username, attempts, last_attempt) VALUES (?, 1, ?)
		 ON CONFLICT(username) DO UPDATE SET attempts = attempts + 1, last_attempt = excluded.last_attempt`
	_, err := r.db.ExecContext(ctx, query, username, timeNow().UnixMilli())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Database) UpdateLastLoginAttempt(ctx context.Context, username string) error {
	query := `UPDATE failed_login_attempts SET last_attempt = ? WHERE username = ?`
	_, err := r.db.ExecContext(ctx, query, timeNow().UnixMilli(), username)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Database) GetLoginAttempts(ctx context.Context, username string) (*models.FailedLoginAttempts, error) {
	query := `SELECT username, attempts, last_attempt FROM failed_login_attempts WHERE username = ?`

	rec := &models.FailedLoginAttempts{}
	var lastAttempt int64
	err := r.db.QueryRowContext(ctx, query, username).Scan(&rec.Username, &rec.Attempts, &lastAttempt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	rec.LastAttempt = time.UnixMilli(lastAttempt)
	return rec, nil
}

func (r *Database) RemoveLoginAttempts(ctx context.Context, username string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM failed_login_attempts WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Database) AddJwtKeys(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if _, err := r.db.ExecContext(ctx, `INSERT INTO jwt_keys (key) VALUES (?)`, key); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

func (r *Database) GetJwtKeys(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key FROM jwt_keys ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *Database) AddFile(ctx context.Context, file *models.File) error {
	meta, err := marshalMeta(file.Meta)
	if err != nil {
		return err
	}
	query := `INSERT INTO files (path, folder, name, owner, real_name, meta)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET folder = excluded.folder, name = excluded.name,
			owner = excluded.owner, real_name = excluded.real_name, meta = excluded.meta`
	_, err = r.db.ExecContext(ctx, query, file.Path, file.Folder, file.Name, file.Owner, file.RealName, meta)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Database) GetFile(ctx context.Context, path string) (*models.File, error) {
	query := `SELECT path, folder, name, owner, real_name, meta FROM files WHERE path = ?`

	file := &models.File{}
	var meta string
	err := r.db.QueryRowContext(ctx, query, path).Scan(
		&file.Path, &file.Folder, &file.Name, &file.Owner, &file.RealName, &meta)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if file.Meta, err = unmarshalMeta(meta); err != nil {
		return nil, err
	}
	return file, nil
}

func (r *Database) FileExists(ctx context.Context, path string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE path = ?`, path).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n > 0, nil
}

func (r *Database) MoveFile(ctx context.Context, oldPath, newPath string) error {
	folder, name := splitPath(newPath)
	query := `UPDATE files SET path = ?, folder = ?, name = ? WHERE path = ?`
	_, err := r.db.ExecContext(ctx, query, newPath, folder, name, oldPath)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Database) ModifyFileMeta(ctx context.Context, path string, meta map[string]any) error {
	m, err := marshalMeta(meta)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `UPDATE files SET meta = ? WHERE path = ?`, m, path)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Database) RemoveFile(ctx context.Context, path string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Database) ListFilesInFolder(ctx context.Context, folder string) ([]string, error) {
	folder = strings.TrimRight(folder, "/")
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM files WHERE folder = ? ORDER BY name`, folder)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

func splitPath(path string) (folder, name string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// Manager owns the sqlite connection pool.
type Manager struct {
	db *sql.DB
}

func NewManager(ctx context.Context, dsn string) (*Manager, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return &Manager{db: db}, nil
}

// RunMigrations sets up goose with the embedded migrations and applies them.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

func (m *Manager) Acquire(ctx context.Context) (storage.Database, error) {
	return NewDatabase(m.db), nil
}

func (m *Manager) Release(ctx context.Context, db storage.Database) error {
	return nil
}

func (m *Manager) Close(ctx context.Context) error {
	return m.db.Close()
}
