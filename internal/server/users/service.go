// Package users contains the credential orchestrator: registration, login
// with lockout, stateless authorization, and credential changes. Policy
// outcomes (wrong password, locked account, taken username) are sentinel
// result codes; only infrastructure faults surface as errors.
package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/filekeeper/internal/common"
	"github.com/dmitrijs2005/filekeeper/internal/logging"
	"github.com/dmitrijs2005/filekeeper/internal/server/hashing"
	"github.com/dmitrijs2005/filekeeper/internal/server/locking"
	"github.com/dmitrijs2005/filekeeper/internal/server/models"
	"github.com/dmitrijs2005/filekeeper/internal/server/storage"
	"github.com/dmitrijs2005/filekeeper/internal/server/tokens"
	"github.com/google/uuid"
)

// Result codes returned beside the error value. Callers pattern-match on
// these; they are stable across persistence backends.
const (
	CodeOK                 = ""
	CodeUserAlreadyExists  = "USER_ALREADY_EXISTS"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeAttemptsExceeded   = "ATTEMPTS_EXCEEDED"
)

// Service composes the hashing registry, the lockout guard and the token
// issuer over the persistence capability. It holds no per-request state.
type Service struct {
	manager  storage.Manager
	registry *hashing.Registry
	guard    *locking.Guard
	tokens   *tokens.Service
	logger   logging.Logger
}

func NewService(m storage.Manager, r *hashing.Registry, g *locking.Guard, t *tokens.Service, l logging.Logger) *Service {
	return &Service{
		manager:  m,
		registry: r,
		guard:    g,
		tokens:   t,
		logger:   l.With("module", "users"),
	}
}

// withDB acquires the persistence capability for the duration of fn and
// releases it on every exit path, mirroring the transaction discipline in
// dbx.WithTx.
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

// Register creates a normal (non-admin) account.
func (s *Service) Register(ctx context.Context, username, password string, meta map[string]any) (string, error) {
	return s.createUser(ctx, username, password, false, meta)
}

// AddUser creates an account with an explicit admin flag. Used by
// bootstrap/administrative flows rather than self-service registration.
func (s *Service) AddUser(ctx context.Context, username, password string, admin bool, meta map[string]any) (string, error) {
	return s.createUser(ctx, username, password, admin, meta)
}

func (s *Service) createUser(ctx context.Context, username, password string, admin bool, meta map[string]any) (string, error) {
	code := CodeOK
	err := s.withDB(ctx, func(db storage.Database) error {
		exists, err := db.UserExists(ctx, username)
		if err != nil {
			return err
		}
		if exists {
			code = CodeUserAlreadyExists
			return nil
		}

		current := s.registry.Current()
		salt, hash, err := current.HashPassword(password)
		if err != nil {
			return fmt.Errorf("hashing password: %w", err)
		}

		user := &models.User{
			Username:    username,
			HashVersion: current.Version(),
			Salt:        salt,
			Hash:        hash,
			OwnerID:     uuid.NewString(),
			Admin:       admin,
			Meta:        meta,
		}
		return db.AddUser(ctx, user)
	})
	if err != nil {
		return CodeOK, err
	}
	return code, nil
}

// Login authenticates a username/password pair. The lockout check runs
// strictly before the password check, so a locked account leaks nothing
// about whether the password was correct.
func (s *Service) Login(ctx context.Context, username, password string) (string, string, error) {
	var token string
	code := CodeOK
	err := s.withDB(ctx, func(db storage.Database) error {
		locked, err := s.guard.HandleLocking(ctx, db, username)
		if err != nil {
			return err
		}
		if locked {
			code = CodeAttemptsExceeded
			return nil
		}

		authenticated, err := s.authenticate(ctx, db, username, password)
		if err != nil {
			return err
		}
		if !authenticated {
			code = CodeInvalidCredentials
			return nil
		}

		token, err = s.tokens.IssueToken(username)
		return err
	})
	if err != nil {
		return "", CodeOK, err
	}
	return token, code, nil
}

// CheckPassword verifies credentials without issuing a token. Failures
// still count attempts and successes still reset them, but there is no
// lockout gate, matching the password re-prompt flows this backs.
func (s *Service) CheckPassword(ctx context.Context, username, password string) (string, error) {
	code := CodeOK
	err := s.withDB(ctx, func(db storage.Database) error {
		authenticated, err := s.authenticate(ctx, db, username, password)
		if err != nil {
			return err
		}
		if !authenticated {
			code = CodeInvalidCredentials
		}
		return nil
	})
	if err != nil {
		return CodeOK, err
	}
	return code, nil
}

// authenticate verifies the password, counts or resets attempts and, after
// a successful check against a stale hash version, migrates the stored hash
// to the current strategy. A failed migration write is logged and does not
// fail the login: the outcome depends only on the original verification.
func (s *Service) authenticate(ctx context.Context, db storage.Database, username, password string) (bool, error) {
	user, err := db.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			// Unknown names count too, so probing cannot tell a wrong
			// password from a missing account by lockout behavior.
			if err := s.guard.CountAttempt(ctx, db, username); err != nil {
				return false, err
			}
			return false, nil
		}
		return false, err
	}

	strategy, err := s.registry.Lookup(user.HashVersion)
	if err != nil {
		return false, err
	}

	valid, err := strategy.CheckPassword(password, user.Salt, user.Hash)
	if err != nil {
		return false, err
	}
	if !valid {
		if err := s.guard.CountAttempt(ctx, db, username); err != nil {
			return false, err
		}
		return false, nil
	}

	if strategy.Version() != s.registry.Current().Version() {
		if err := s.updateHash(ctx, db, username, password); err != nil {
			s.logger.Error(ctx, "hash migration failed", "username", username, "error", err.Error())
		}
	}

	if err := s.guard.ResetAttempts(ctx, db, username); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) updateHash(ctx context.Context, db storage.Database, username, password string) error {
	current := s.registry.Current()
	salt, hash, err := current.HashPassword(password)
	if err != nil {
		return err
	}
	return db.UpdateHash(ctx, username, current.Version(), salt, hash)
}

// Authorize verifies a token and resolves the embedded username to the full
// user record. Any verification failure, and a username that no longer
// exists, resolve to no identity (nil, nil) rather than an error.
func (s *Service) Authorize(ctx context.Context, token string) (*models.User, error) {
	var user *models.User
	err := s.withDB(ctx, func(db storage.Database) error {
		if !s.tokens.VerifyToken(token) {
			return nil
		}
		username, err := s.tokens.ExtractUsername(token)
		if err != nil {
			return nil
		}
		u, err := db.GetUser(ctx, username)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				return nil
			}
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// ChangeUsername renames an account. All other fields, including the
// immutable OwnerID, travel with the record, so ownership of previously
// created files survives the rename.
func (s *Service) ChangeUsername(ctx context.Context, oldUsername, newUsername string) (string, error) {
	code := CodeOK
	err := s.withDB(ctx, func(db storage.Database) error {
		exists, err := db.UserExists(ctx, newUsername)
		if err != nil {
			return err
		}
		if exists {
			code = CodeUserAlreadyExists
			return nil
		}
		return db.ChangeUsername(ctx, oldUsername, newUsername)
	})
	if err != nil {
		return CodeOK, err
	}
	return code, nil
}

// ChangePassword re-hashes unconditionally under the current strategy,
// bypassing the migration check.
func (s *Service) ChangePassword(ctx context.Context, username, password string) (string, error) {
	err := s.withDB(ctx, func(db storage.Database) error {
		return s.updateHash(ctx, db, username, password)
	})
	if err != nil {
		return CodeOK, err
	}
	return CodeOK, nil
}

// MakeUserAdmin grants the admin flag to an existing account.
func (s *Service) MakeUserAdmin(ctx context.Context, username string) error {
	return s.withDB(ctx, func(db storage.Database) error {
		return db.SetAdmin(ctx, username, true)
	})
}

// ModifyUserMeta replaces the account's metadata.
func (s *Service) ModifyUserMeta(ctx context.Context, username string, meta map[string]any) error {
	return s.withDB(ctx, func(db storage.Database) error {
		return db.ModifyUserMeta(ctx, username, meta)
	})
}

// RemoveUser deletes the account and any failed-attempt record left for
// the name, so a later re-registration does not inherit a lockout.
func (s *Service) RemoveUser(ctx context.Context, username string) error {
	return s.withDB(ctx, func(db storage.Database) error {
		if err := db.RemoveUser(ctx, username); err != nil {
			return err
		}
		return db.RemoveLoginAttempts(ctx, username)
	})
}

// LoadSigningKeys loads the token key ring from the persistence layer,
// generating and persisting an initial key when none exist yet.
func (s *Service) LoadSigningKeys(ctx context.Context) error {
	return s.withDB(ctx, func(db storage.Database) error {
		keys, err := db.GetJwtKeys(ctx)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			key, err := common.MakeRandHexString(32)
			if err != nil {
				return err
			}
			if err := db.AddJwtKeys(ctx, key); err != nil {
				return err
			}
			keys = []string{key}
		}
		s.tokens.SetKeys(keys)
		return nil
	})
}

// RotateSigningKeys appends a fresh signing key and reloads the ring.
// Outstanding tokens stay valid until their key is purged from the record
// set through the persistence layer.
func (s *Service) RotateSigningKeys(ctx context.Context) error {
	return s.withDB(ctx, func(db storage.Database) error {
		key, err := common.MakeRandHexString(32)
		if err != nil {
			return err
		}
		if err := db.AddJwtKeys(ctx, key); err != nil {
			return err
		}
		keys, err := db.GetJwtKeys(ctx)
		if err != nil {
			return err
		}
		s.tokens.SetKeys(keys)
		return nil
	})
}
