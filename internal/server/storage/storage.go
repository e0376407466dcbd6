// Package storage defines the persistence capability consumed by the
// credential and file services, plus the Manager that hands sessions out.
// Concrete backends live in the subpackages memdb, sqlite, postgres and
// dynamo; they are interchangeable and selected by configuration.
package storage

import (
	"context"

	"github.com/dmitrijs2005/filekeeper/internal/server/models"
)

// Database is the full persistence contract. Operations reporting a missing
// record return common.ErrorNotFound; everything else is an infrastructure
// fault the caller propagates.
type Database interface {
	// Users.
	AddUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, username string) (*models.User, error)
	UserExists(ctx context.Context, username string) (bool, error)
	ChangeUsername(ctx context.Context, oldUsername, newUsername string) error
	UpdateHash(ctx context.Context, username, hashVersion, salt, hash string) error
	SetAdmin(ctx context.Context, username string, admin bool) error
	ModifyUserMeta(ctx context.Context, username string, meta map[string]any) error
	RemoveUser(ctx context.Context, username string) error

	// Failed login attempts.
	CountLoginAttempt(ctx context.Context, username string) error
	UpdateLastLoginAttempt(ctx context.Context, username string) error
	GetLoginAttempts(ctx context.Context, username string) (*models.FailedLoginAttempts, error)
	RemoveLoginAttempts(ctx context.Context, username string) error

	// Token signing keys, append-only.
	AddJwtKeys(ctx context.Context, keys ...string) error
	GetJwtKeys(ctx context.Context) ([]string, error)

	// File records.
	AddFile(ctx context.Context, file *models.File) error
	GetFile(ctx context.Context, path string) (*models.File, error)
	FileExists(ctx context.Context, path string) (bool, error)
	MoveFile(ctx context.Context, oldPath, newPath string) error
	ModifyFileMeta(ctx context.Context, path string, meta map[string]any) error
	RemoveFile(ctx context.Context, path string) error
	ListFilesInFolder(ctx context.Context, folder string) ([]string, error)
}

// Manager owns the backend connection and vends Database sessions. Every
// top-level service operation acquires a session at the start and releases
// it on every exit path.
type Manager interface {
	Acquire(ctx context.Context) (Database, error)
	Release(ctx context.Context, db Database) error
	Close(ctx context.Context) error
}
