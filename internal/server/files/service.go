// Package files pairs database file records with blob objects. Records hold
// the user-visible path; contents live in blob storage under a random
// realName, so moving a file never touches the object store.
package files

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/filekeeper/internal/common"
	"github.com/dmitrijs2005/filekeeper/internal/logging"
	"github.com/dmitrijs2005/filekeeper/internal/server/blob"
	"github.com/dmitrijs2005/filekeeper/internal/server/models"
	"github.com/dmitrijs2005/filekeeper/internal/server/storage"
	"github.com/google/uuid"
)

type Service struct {
	manager storage.Manager
	store   blob.Storage
	logger  logging.Logger
}

func NewService(m storage.Manager, store blob.Storage, l logging.Logger) *Service {
	return &Service{
		manager: m,
		store:   store,
		logger:  l.With("module", "files"),
	}
}

func (s *Service) withDB(ctx context.Context, fn func(db storage.Database) error) (err error) {
	db, err := s.manager.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring database: %w", err)
	}
	defer func() {
		if rerr := s.manager.Release(ctx, db); rerr != nil && err == nil {
			err = fmt.Errorf("releasing database: %w", rerr)
		}
	}()
	return fn(db)
}

func splitPath(path string) (folder, name string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// Save writes the contents to blob storage and creates or overwrites the
// record. Overwriting reuses the existing realName so the old object is
// replaced rather than orphaned.
func (s *Service) Save(ctx context.Context, owner, path string, data []byte, meta map[string]any) error {
	path = strings.Trim(path, "/")
	if path == "" {
		return fmt.Errorf("empty path: %w", common.ErrorInternal)
	}

	return s.withDB(ctx, func(db storage.Database) error {
		realName := uuid.NewString()
		existing, err := db.GetFile(ctx, path)
		if err != nil && !errors.Is(err, common.ErrorNotFound) {
			return err
		}
		if existing != nil {
			realName = existing.RealName
		}

		if err := s.store.Save(ctx, realName, data); err != nil {
			return err
		}

		folder, name := splitPath(path)
		return db.AddFile(ctx, &models.File{
			Path:     path,
			Folder:   folder,
			Name:     name,
			Owner:    owner,
			RealName: realName,
			Meta:     meta,
		})
	})
}

// Load returns the contents and the record.
func (s *Service) Load(ctx context.Context, path string) ([]byte, *models.File, error) {
	var file *models.File
	var data []byte
	err := s.withDB(ctx, func(db storage.Database) error {
		var err error
		file, err = db.GetFile(ctx, path)
		if err != nil {
			return err
		}
		data, err = s.store.Load(ctx, file.RealName)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return data, file, nil
}

// Move renames the record. The blob object stays where it is.
func (s *Service) Move(ctx context.Context, oldPath, newPath string) error {
	newPath = strings.Trim(newPath, "/")
	if newPath == "" {
		return fmt.Errorf("empty path: %w", common.ErrorInternal)
	}

	return s.withDB(ctx, func(db storage.Database) error {
		exists, err := db.FileExists(ctx, oldPath)
		if err != nil {
			return err
		}
		if !exists {
			return common.ErrorNotFound
		}
		return db.MoveFile(ctx, oldPath, newPath)
	})
}

// ModifyMeta replaces the record's metadata.
func (s *Service) ModifyMeta(ctx context.Context, path string, meta map[string]any) error {
	return s.withDB(ctx, func(db storage.Database) error {
		exists, err := db.FileExists(ctx, path)
		if err != nil {
			return err
		}
		if !exists {
			return common.ErrorNotFound
		}
		return db.ModifyFileMeta(ctx, path, meta)
	})
}

// Delete removes the record and the blob object. A missing object is not an
// error once the record is gone.
func (s *Service) Delete(ctx context.Context, path string) error {
	return s.withDB(ctx, func(db storage.Database) error {
		file, err := db.GetFile(ctx, path)
		if err != nil {
			return err
		}
		if err := db.RemoveFile(ctx, path); err != nil {
			return err
		}
		if err := s.store.Delete(ctx, file.RealName); err != nil && !errors.Is(err, common.ErrorNotFound) {
			s.logger.Error(ctx, "removing blob object", "name", file.RealName, "error", err.Error())
		}
		return nil
	})
}

// Get returns the record without loading contents.
func (s *Service) Get(ctx context.Context, path string) (*models.File, error) {
	var file *models.File
	err := s.withDB(ctx, func(db storage.Database) error {
		var err error
		file, err = db.GetFile(ctx, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

// List returns the names directly inside the folder, sorted.
func (s *Service) List(ctx context.Context, folder string) ([]string, error) {
	folder = strings.Trim(folder, "/")
	var names []string
	err := s.withDB(ctx, func(db storage.Database) error {
		var err error
		names, err = db.ListFilesInFolder(ctx, folder)
		return err
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}
