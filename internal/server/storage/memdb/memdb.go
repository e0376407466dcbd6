// Package memdb provides an in-process persistence backend. It is intended
// for development and tests; nothing survives a restart.
package memdb

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/filekeeper/internal/common"
	"github.com/dmitrijs2005/filekeeper/internal/server/models"
	"github.com/dmitrijs2005/filekeeper/internal/server/storage"
)

// seam for tests
var timeNow = time.Now

// Database keeps all records in maps guarded by a single mutex.
type Database struct {
	mu       sync.RWMutex
	users    map[string]*models.User
	attempts map[string]*models.FailedLoginAttempts
	jwtKeys  []string
	files    map[string]*models.File
}

func NewDatabase() *Database {
	return &Database{
		users:    make(map[string]*models.User),
		attempts: make(map[string]*models.FailedLoginAttempts),
		files:    make(map[string]*models.File),
	}
}

func cloneMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	c := make(map[string]any, len(meta))
	for k, v := range meta {
		c[k] = v
	}
	return c
}

func (d *Database) AddUser(ctx context.Context, user *models.User) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u := *user
	u.Meta = cloneMeta(user.Meta)
	d.users[u.Username] = &u
	return nil
}

func (d *Database) GetUser(ctx context.Context, username string) (*models.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	user, ok := d.users[username]
	if !ok {
		return nil, common.ErrorNotFound
	}
	u := *user
	u.Meta = cloneMeta(user.Meta)
	return &u, nil
}

func (d *Database) UserExists(ctx context.Context, username string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[username]
	return ok, nil
}

func (d *Database) ChangeUsername(ctx context.Context, oldUsername, newUsername string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	user, ok := d.users[oldUsername]
	if !ok {
		return common.ErrorNotFound
	}
	user.Username = newUsername
	d.users[newUsername] = user
	delete(d.users, oldUsername)
	return nil
}

func (d *Database) UpdateHash(ctx context.Context, username, hashVersion, salt, hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	user, ok := d.users[username]
	if !ok {
		return common.ErrorNotFound
	}
	user.HashVersion = hashVersion
	user.Salt = salt
	user.Hash = hash
	return nil
}

func (d *Database) SetAdmin(ctx context.Context, username string, admin bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	user, ok := d.users[username]
	if !ok {
		return common.ErrorNotFound
	}
	user.Admin = admin
	return nil
}

func (d *Database) ModifyUserMeta(ctx context.Context, username string, meta map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	user, ok := d.users[username]
	if !ok {
		return common.ErrorNotFound
	}
	user.Meta = cloneMeta(meta)
	return nil
}

func (d *Database) RemoveUser(ctx context.Context, username string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.users, username)
	return nil
}

// CountLoginAttempt increments without cross-process atomicity; the
// read-modify-write race two concurrent failures can hit here is an
// accepted property of this backend.
func (d *Database) CountLoginAttempt(ctx context.Context, username string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.attempts[username]
	if !ok {
		rec = &models.FailedLoginAttempts{Username: username}
		d.attempts[username] = rec
	}
	rec.Attempts++
	rec.LastAttempt = timeNow()
	return nil
}

func (d *Database) UpdateLastLoginAttempt(ctx context.Context, username string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.attempts[username]
	if !ok {
		return common.ErrorNotFound
	}
	rec.LastAttempt = timeNow()
	return nil
}

func (d *Database) GetLoginAttempts(ctx context.Context, username string) (*models.FailedLoginAttempts, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.attempts[username]
	if !ok {
		return nil, common.ErrorNotFound
	}
	r := *rec
	return &r, nil
}

func (d *Database) RemoveLoginAttempts(ctx context.Context, username string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.attempts, username)
	return nil
}

func (d *Database) AddJwtKeys(ctx context.Context, keys ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jwtKeys = append(d.jwtKeys, keys...)
	return nil
}

func (d *Database) GetJwtKeys(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, len(d.jwtKeys))
	copy(keys, d.jwtKeys)
	return keys, nil
}

func (d *Database) AddFile(ctx context.Context, file *models.File) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := *file
	f.Meta = cloneMeta(file.Meta)
	d.files[f.Path] = &f
	return nil
}

func (d *Database) GetFile(ctx context.Context, path string) (*models.File, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	file, ok := d.files[path]
	if !ok {
		return nil, common.ErrorNotFound
	}
	f := *file
	f.Meta = cloneMeta(file.Meta)
	return &f, nil
}

func (d *Database) FileExists(ctx context.Context, path string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.files[path]
	return ok, nil
}

func (d *Database) MoveFile(ctx context.Context, oldPath, newPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	file, ok := d.files[oldPath]
	if !ok {
		return common.ErrorNotFound
	}
	file.Path = newPath
	file.Folder, file.Name = splitPath(newPath)
	d.files[newPath] = file
	delete(d.files, oldPath)
	return nil
}

func (d *Database) ModifyFileMeta(ctx context.Context, path string, meta map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	file, ok := d.files[path]
	if !ok {
		return common.ErrorNotFound
	}
	file.Meta = cloneMeta(meta)
	return nil
}

func (d *Database) RemoveFile(ctx context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.files, path)
	return nil
}

func (d *Database) ListFilesInFolder(ctx context.Context, folder string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	folder = strings.TrimRight(folder, "/")
	names := []string{}
	for _, file := range d.files {
		if file.Folder == folder {
			names = append(names, file.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func splitPath(path string) (folder, name string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// Manager hands out the single shared in-memory database.
type Manager struct {
	db *Database
}

func NewManager() *Manager {
	return &Manager{db: NewDatabase()}
}

func (m *Manager) Acquire(ctx context.Context) (storage.Database, error) {
	return m.db, nil
}

func (m *Manager) Release(ctx context.Context, db storage.Database) error {
	return nil
}

func (m *Manager) Close(ctx context.Context) error {
	return nil
}
