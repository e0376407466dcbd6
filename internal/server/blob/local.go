package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dmitrijs2005/filekeeper/internal/common"
)

// Local stores objects as flat files in a single directory. Object names are
// opaque (UUIDs in practice), so no nesting is needed.
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}
	return &Local{dir: dir}, nil
}

func (l *Local) path(name string) string {
	return filepath.Join(l.dir, name)
}

func (l *Local) Save(ctx context.Context, name string, data []byte) error {
	if err := os.WriteFile(l.path(name), data, 0o600); err != nil {
		return fmt.Errorf("writing object: %w", err)
	}
	return nil
}

func (l *Local) Load(ctx context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(l.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("reading object: %w", err)
	}
	return data, nil
}

func (l *Local) Delete(ctx context.Context, name string) error {
	if err := os.Remove(l.path(name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return common.ErrorNotFound
		}
		return fmt.Errorf("removing object: %w", err)
	}
	return nil
}

func (l *Local) Copy(ctx context.Context, sourceName, targetName string) error {
	data, err := l.Load(ctx, sourceName)
	if err != nil {
		return err
	}
	return l.Save(ctx, targetName, data)
}

func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (l *Local) Exists(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(l.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("statting object: %w", err)
	}
	return true, nil
}
