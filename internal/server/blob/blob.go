// Package blob abstracts where file contents live. Records in the database
// reference objects here by an opaque name.
package blob

import "context"

// Storage is the object store contract. Load and Delete on a missing object
// return common.ErrorNotFound.
type Storage interface {
	Save(ctx context.Context, name string, data []byte) error
	Load(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
	Copy(ctx context.Context, sourceName, targetName string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, name string) (bool, error)
}
