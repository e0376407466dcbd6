package users

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dmitrijs2005/filekeeper/internal/common"
	"github.com/dmitrijs2005/filekeeper/internal/logging"
	"github.com/dmitrijs2005/filekeeper/internal/server/hashing"
	"github.com/dmitrijs2005/filekeeper/internal/server/locking"
	"github.com/dmitrijs2005/filekeeper/internal/server/models"
	"github.com/dmitrijs2005/filekeeper/internal/server/storage"
	"github.com/dmitrijs2005/filekeeper/internal/server/storage/memdb"
	"github.com/dmitrijs2005/filekeeper/internal/server/tokens"
)

const (
	lockoutThreshold = 3
	lockoutWindow    = time.Minute
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTestService(t *testing.T) (*Service, *memdb.Manager) {
	t.Helper()
	m := memdb.NewManager()
	ts := tokens.NewService(time.Hour)
	s := NewService(m, hashing.NewDefaultRegistry(), locking.NewGuard(lockoutThreshold, lockoutWindow), ts, testLogger())
	if err := s.LoadSigningKeys(context.Background()); err != nil {
		t.Fatalf("LoadSigningKeys error: %v", err)
	}
	return s, m
}

func mustDB(t *testing.T, m *memdb.Manager) storage.Database {
	t.Helper()
	db, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	return db
}

func mustRegister(t *testing.T, s *Service, username, password string) {
	t.Helper()
	code, err := s.Register(context.Background(), username, password, nil)
	if err != nil || code != CodeOK {
		t.Fatalf("Register(%s) = %q, %v", username, code, err)
	}
}

func TestRegister_DuplicateKeepsOriginal(t *testing.T) {
	s, m := newTestService(t)
	ctx := context.Background()

	mustRegister(t, s, "alice", "first-password")

	db := mustDB(t, m)
	original, err := db.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser error: %v", err)
	}

	code, err := s.Register(ctx, "alice", "other-password", nil)
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if code != CodeUserAlreadyExists {
		t.Fatalf("expected USER_ALREADY_EXISTS, got %q", code)
	}

	after, err := db.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser error: %v", err)
	}
	if after.OwnerID != original.OwnerID {
		t.Fatalf("ownerId changed on duplicate registration: %q != %q", after.OwnerID, original.OwnerID)
	}
	if after.Hash != original.Hash {
		t.Fatalf("hash changed on duplicate registration")
	}
}

func TestRegister_AssignsCurrentVersionAndOwnerID(t *testing.T) {
	s, m := newTestService(t)
	ctx := context.Background()

	mustRegister(t, s, "alice", "pw-alice")
	mustRegister(t, s, "bob", "pw-bob")

	db := mustDB(t, m)
	alice, _ := db.GetUser(ctx, "alice")
	bob, _ := db.GetUser(ctx, "bob")

	if alice.HashVersion != "v2" {
		t.Fatalf("expected new account to use current version v2, got %s", alice.HashVersion)
	}
	if alice.OwnerID == "" || alice.OwnerID == bob.OwnerID {
		t.Fatalf("ownerIds must be unique and non-empty")
	}
	if alice.Admin {
		t.Fatalf("Register must not create admins")
	}
}

func TestAddUser_AdminFlag(t *testing.T) {
	s, m := newTestService(t)
	ctx := context.Background()

	code, err := s.AddUser(ctx, "root", "root-password", true, map[string]any{"origin": "bootstrap"})
	if err != nil || code != CodeOK {
		t.Fatalf("AddUser = %q, %v", code, err)
	}

	db := mustDB(t, m)
	user, _ := db.GetUser(ctx, "root")
	if !user.Admin {
		t.Fatalf("expected admin account")
	}
	if user.Meta["origin"] != "bootstrap" {
		t.Fatalf("meta not persisted: %v", user.Meta)
	}
}

func TestLogin_SuccessResetsAttempts(t *testing.T) {
	s, m := newTestService(t)
	ctx := context.Background()

	mustRegister(t, s, "alice", "correctpw")

	// A couple of failures below the threshold must not lock the account.
	for i := 0; i < lockoutThreshold-1; i++ {
		_, code, err := s.Login(ctx, "alice", "wrongpw")
		if err != nil {
			t.Fatalf("Login error: %v", err)
		}
		if code != CodeInvalidCredentials {
			t.Fatalf("expected INVALID_CREDENTIALS, got %q", code)
		}
	}

	token, code, err := s.Login(ctx, "alice", "correctpw")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if code != CodeOK {
		t.Fatalf("expected success, got %q", code)
	}
	if token == "" {
		t.Fatalf("expected a token on success")
	}

	db := mustDB(t, m)
	if _, err := db.GetLoginAttempts(ctx, "alice"); !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("expected attempt record to be gone, got %v", err)
	}
}

func TestLogin_LockoutBeatsCorrectPassword(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	mustRegister(t, s, "alice", "correctpw")

	for i := 0; i < lockoutThreshold; i++ {
		if _, code, _ := s.Login(ctx, "alice", "wrongpw"); code != CodeInvalidCredentials {
			t.Fatalf("attempt %d: expected INVALID_CREDENTIALS, got %q", i, code)
		}
	}

	token, code, err := s.Login(ctx, "alice", "correctpw")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if code != CodeAttemptsExceeded {
		t.Fatalf("expected ATTEMPTS_EXCEEDED, got %q", code)
	}
	if token != "" {
		t.Fatalf("locked login must not issue a token")
	}
}

func TestLogin_UnknownUserCountsAttempt(t *testing.T) {
	s, m := newTestService(t)
	ctx := context.Background()

	_, code, err := s.Login(ctx, "ghost", "whatever")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if code != CodeInvalidCredentials {
		t.Fatalf("expected INVALID_CREDENTIALS, got %q", code)
	}

	db := mustDB(t, m)
	rec, err := db.GetLoginAttempts(ctx, "ghost")
	if err != nil {
		t.Fatalf("expected an attempt record for unknown name, got %v", err)
	}
	if rec.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", rec.Attempts)
	}
}

// countingDB wraps a session to count hash updates.
type countingDB struct {
	storage.Database
	hashUpdates int
}

func (c *countingDB) UpdateHash(ctx context.Context, username, hashVersion, salt, hash string) error {
	c.hashUpdates++
	return c.Database.UpdateHash(ctx, username, hashVersion, salt, hash)
}

type countingManager struct {
	inner    storage.Manager
	db       *countingDB
	acquired int
	released int
}

func (m *countingManager) Acquire(ctx context.Context) (storage.Database, error) {
	inner, err := m.inner.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	m.acquired++
	if m.db == nil {
		m.db = &countingDB{Database: inner}
	}
	return m.db, nil
}

func (m *countingManager) Release(ctx context.Context, db storage.Database) error {
	m.released++
	return nil
}

func (m *countingManager) Close(ctx context.Context) error { return nil }

func TestLogin_MigratesStaleHashOnce(t *testing.T) {
	ctx := context.Background()
	cm := &countingManager{inner: memdb.NewManager()}
	ts := tokens.NewService(time.Hour)
	s := NewService(cm, hashing.NewDefaultRegistry(), locking.NewGuard(lockoutThreshold, lockoutWindow), ts, testLogger())
	if err := s.LoadSigningKeys(ctx); err != nil {
		t.Fatalf("LoadSigningKeys error: %v", err)
	}

	// Seed alice with a v1 hash, as if created before the v2 rollout.
	v1 := hashing.NewV1()
	salt, hash, err := v1.HashPassword("correctpw")
	if err != nil {
		t.Fatalf("HashPassword error: %v", err)
	}
	db, _ := cm.Acquire(ctx)
	err = db.AddUser(ctx, &models.User{
		Username: "alice", HashVersion: "v1", Salt: salt, Hash: hash, OwnerID: "owner-alice",
	})
	if err != nil {
		t.Fatalf("AddUser error: %v", err)
	}

	token, code, err := s.Login(ctx, "alice", "correctpw")
	if err != nil || code != CodeOK {
		t.Fatalf("Login = %q, %v", code, err)
	}

	user, err := db.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser error: %v", err)
	}
	if user.HashVersion != "v2" {
		t.Fatalf("expected migrated hashVersion v2, got %s", user.HashVersion)
	}
	if user.OwnerID != "owner-alice" {
		t.Fatalf("migration must not touch ownerId")
	}
	if cm.db.hashUpdates != 1 {
		t.Fatalf("expected exactly one hash update, got %d", cm.db.hashUpdates)
	}

	// The issued token resolves back to alice.
	got, err := s.Authorize(ctx, token)
	if err != nil || got == nil || got.Username != "alice" {
		t.Fatalf("Authorize after migration = %+v, %v", got, err)
	}

	// A second login verifies against the new hash without re-migrating.
	_, code, err = s.Login(ctx, "alice", "correctpw")
	if err != nil || code != CodeOK {
		t.Fatalf("second Login = %q, %v", code, err)
	}
	if cm.db.hashUpdates != 1 {
		t.Fatalf("second login re-triggered migration: %d updates", cm.db.hashUpdates)
	}
}

func TestAuthorize(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	mustRegister(t, s, "alice", "correctpw")
	token, code, err := s.Login(ctx, "alice", "correctpw")
	if err != nil || code != CodeOK {
		t.Fatalf("Login = %q, %v", code, err)
	}

	user, err := s.Authorize(ctx, token)
	if err != nil {
		t.Fatalf("Authorize error: %v", err)
	}
	if user == nil || user.Username != "alice" {
		t.Fatalf("Authorize = %+v, want alice", user)
	}

	// Garbage tokens resolve to no identity, not an error.
	user, err = s.Authorize(ctx, "not-a-token")
	if err != nil {
		t.Fatalf("Authorize error: %v", err)
	}
	if user != nil {
		t.Fatalf("expected no identity for an invalid token")
	}

	// So does a valid token whose account has since been deleted.
	if err := s.RemoveUser(ctx, "alice"); err != nil {
		t.Fatalf("RemoveUser error: %v", err)
	}
	user, err = s.Authorize(ctx, token)
	if err != nil {
		t.Fatalf("Authorize error: %v", err)
	}
	if user != nil {
		t.Fatalf("expected no identity for a deleted account")
	}
}

func TestChangeUsername(t *testing.T) {
	s, m := newTestService(t)
	ctx := context.Background()

	mustRegister(t, s, "alice", "pw-alice")
	mustRegister(t, s, "bob", "pw-bob")

	db := mustDB(t, m)
	before, _ := db.GetUser(ctx, "alice")

	// Renaming onto a taken name fails and touches nothing.
	code, err := s.ChangeUsername(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("ChangeUsername error: %v", err)
	}
	if code != CodeUserAlreadyExists {
		t.Fatalf("expected USER_ALREADY_EXISTS, got %q", code)
	}
	still, _ := db.GetUser(ctx, "alice")
	if still == nil || still.OwnerID != before.OwnerID {
		t.Fatalf("failed rename must leave the original untouched")
	}

	code, err = s.ChangeUsername(ctx, "alice", "alice2")
	if err != nil || code != CodeOK {
		t.Fatalf("ChangeUsername = %q, %v", code, err)
	}
	renamed, err := db.GetUser(ctx, "alice2")
	if err != nil {
		t.Fatalf("GetUser error: %v", err)
	}
	if renamed.OwnerID != before.OwnerID {
		t.Fatalf("rename must preserve ownerId")
	}
	if _, err := db.GetUser(ctx, "alice"); !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("old username must be gone, got %v", err)
	}

	// Login under the new name, with the unchanged password.
	_, code, err = s.Login(ctx, "alice2", "pw-alice")
	if err != nil || code != CodeOK {
		t.Fatalf("Login after rename = %q, %v", code, err)
	}
}

func TestChangePassword(t *testing.T) {
	s, m := newTestService(t)
	ctx := context.Background()

	mustRegister(t, s, "alice", "oldpw")

	code, err := s.ChangePassword(ctx, "alice", "newpw")
	if err != nil || code != CodeOK {
		t.Fatalf("ChangePassword = %q, %v", code, err)
	}

	if _, code, _ = s.Login(ctx, "alice", "oldpw"); code != CodeInvalidCredentials {
		t.Fatalf("old password must stop working, got %q", code)
	}
	if _, code, _ = s.Login(ctx, "alice", "newpw"); code != CodeOK {
		t.Fatalf("new password must work, got %q", code)
	}

	db := mustDB(t, m)
	user, _ := db.GetUser(ctx, "alice")
	if user.HashVersion != "v2" {
		t.Fatalf("ChangePassword must hash under the current version")
	}
}

func TestCheckPassword(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	mustRegister(t, s, "alice", "correctpw")

	code, err := s.CheckPassword(ctx, "alice", "correctpw")
	if err != nil || code != CodeOK {
		t.Fatalf("CheckPassword = %q, %v", code, err)
	}
	code, err = s.CheckPassword(ctx, "alice", "wrongpw")
	if err != nil {
		t.Fatalf("CheckPassword error: %v", err)
	}
	if code != CodeInvalidCredentials {
		t.Fatalf("expected INVALID_CREDENTIALS, got %q", code)
	}
}

// failingDB errors on user reads so operations fail mid-flight.
type failingDB struct {
	storage.Database
}

func (f *failingDB) UserExists(ctx context.Context, username string) (bool, error) {
	return false, errors.New("backend down")
}

type failingManager struct {
	acquired int
	released int
}

func (m *failingManager) Acquire(ctx context.Context) (storage.Database, error) {
	m.acquired++
	return &failingDB{}, nil
}

func (m *failingManager) Release(ctx context.Context, db storage.Database) error {
	m.released++
	return nil
}

func (m *failingManager) Close(ctx context.Context) error { return nil }

func TestRelease_RunsWhenOperationFails(t *testing.T) {
	fm := &failingManager{}
	ts := tokens.NewService(time.Hour)
	ts.SetKeys([]string{"k"})
	s := NewService(fm, hashing.NewDefaultRegistry(), locking.NewGuard(lockoutThreshold, lockoutWindow), ts, testLogger())

	_, err := s.Register(context.Background(), "alice", "pw", nil)
	if err == nil {
		t.Fatalf("expected an infrastructure error")
	}
	if fm.acquired != 1 || fm.released != 1 {
		t.Fatalf("capability must be released on failure: acquired=%d released=%d", fm.acquired, fm.released)
	}
}

func TestSigningKeys_EnsureAndRotate(t *testing.T) {
	s, m := newTestService(t)
	ctx := context.Background()

	db := mustDB(t, m)
	keys, err := db.GetJwtKeys(ctx)
	if err != nil {
		t.Fatalf("GetJwtKeys error: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected one bootstrap key, got %d", len(keys))
	}

	mustRegister(t, s, "alice", "correctpw")
	token, code, err := s.Login(ctx, "alice", "correctpw")
	if err != nil || code != CodeOK {
		t.Fatalf("Login = %q, %v", code, err)
	}

	if err := s.RotateSigningKeys(ctx); err != nil {
		t.Fatalf("RotateSigningKeys error: %v", err)
	}
	keys, _ = db.GetJwtKeys(ctx)
	if len(keys) != 2 {
		t.Fatalf("expected two keys after rotation, got %d", len(keys))
	}

	// The pre-rotation token still resolves while its key is on record.
	user, err := s.Authorize(ctx, token)
	if err != nil || user == nil || user.Username != "alice" {
		t.Fatalf("pre-rotation token must stay valid: %+v, %v", user, err)
	}
}

func TestMakeUserAdminAndModifyMeta(t *testing.T) {
	s, m := newTestService(t)
	ctx := context.Background()

	mustRegister(t, s, "alice", "pw")

	if err := s.MakeUserAdmin(ctx, "alice"); err != nil {
		t.Fatalf("MakeUserAdmin error: %v", err)
	}
	if err := s.ModifyUserMeta(ctx, "alice", map[string]any{"plan": "pro"}); err != nil {
		t.Fatalf("ModifyUserMeta error: %v", err)
	}

	db := mustDB(t, m)
	user, err := db.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser error: %v", err)
	}
	if !user.Admin {
		t.Fatalf("user must be admin")
	}
	if user.Meta["plan"] != "pro" {
		t.Fatalf("meta not updated: %+v", user.Meta)
	}
}
