// Package hashing implements the versioned password hashing registry.
// Every stored credential carries the version tag of the strategy that
// produced it; the registry resolves tags back to strategies and designates
// one strategy as current for all new hashes.
package hashing

import (
	"fmt"

	"github.com/dmitrijs2005/filekeeper/internal/common"
)

// Strategy is one versioned password hashing algorithm.
type Strategy interface {
	// Version returns the tag stored alongside hashes made by this strategy.
	Version() string

	// HashPassword generates a fresh random salt and returns it with the
	// strategy-specific hash. Two calls with the same password must not
	// produce the same salt.
	HashPassword(password string) (salt string, hash string, err error)

	// CheckPassword recomputes the hash under the given salt and compares
	// it with the stored hash in constant time.
	CheckPassword(password, salt, hash string) (bool, error)
}

// Registry is an immutable version→strategy lookup table with an explicit
// current pointer. It is constructed once at startup and handed to the
// credential service; there is no process-wide mutable registry.
type Registry struct {
	versions map[string]Strategy
	current  Strategy
}

// NewRegistry builds a registry from the current strategy and any number of
// older ones still needed for verification.
func NewRegistry(current Strategy, older ...Strategy) *Registry {
	versions := make(map[string]Strategy, len(older)+1)
	versions[current.Version()] = current
	for _, s := range older {
		versions[s.Version()] = s
	}
	return &Registry{versions: versions, current: current}
}

// NewDefaultRegistry returns the production registry: argon2id (v2) current,
// scrypt (v1) retained for verification of not-yet-migrated accounts.
func NewDefaultRegistry() *Registry {
	return NewRegistry(NewV2(), NewV1())
}

// Current returns the strategy used for all new hashes.
func (r *Registry) Current() Strategy {
	return r.current
}

// Lookup resolves a stored version tag. An unknown tag is an infrastructure
// fault, not a wrong password.
func (r *Registry) Lookup(version string) (Strategy, error) {
	s, ok := r.versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownHashVersion, version)
	}
	return s, nil
}
