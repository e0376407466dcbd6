package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/filekeeper/internal/common"
	"github.com/dmitrijs2005/filekeeper/internal/server/models"
	"github.com/pressly/goose/v3"
)

func newDBWithMock(t *testing.T) (*Database, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewDatabase(db), mock, db
}

func TestAddUser_Success(t *testing.T) {
	repo, mock, db := newDBWithMock(t)
	defer db.Close()

	q := `(?s)^INSERT\s+INTO\s+users\s*\(username,\s*hash_version,\s*salt,\s*hash,\s*owner_id,\s*admin,\s*meta\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4,\s*\$5,\s*\$6,\s*\$7\)\s*$`

	mock.ExpectExec(q).
		WithArgs("alice", "2", "salt", "hash", "owner-1", false, []byte(`{"plan":"free"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	u := &models.User{
		Username: "alice", HashVersion: "2", Salt: "salt", Hash: "hash",
		OwnerID: "owner-1", Meta: map[string]any{"plan": "free"},
	}
	if err := repo.AddUser(context.Background(), u); err != nil {
		t.Fatalf("AddUser error: %v", err)
	}
}

func TestAddUser_DBError(t *testing.T) {
	repo, mock, db := newDBWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT\s+INTO\s+users`).
		WillReturnError(errors.New("db down"))

	err := repo.AddUser(context.Background(), &models.User{Username: "alice"})
	if err == nil || !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestGetUser_Found(t *testing.T) {
	repo, mock, db := newDBWithMock(t)
	defer db.Close()

	q := `(?s)^SELECT\s+username,\s*hash_version,\s*salt,\s*hash,\s*owner_id,\s*admin,\s*meta\s+FROM\s+users\s+WHERE\s+username\s*=\s*\$1\s*$`

	rows := sqlmock.NewRows([]string{"username", "hash_version", "salt", "hash", "owner_id", "admin", "meta"}).
		AddRow("alice", "2", "salt", "hash", "owner-1", true, []byte(`{"plan":"pro"}`))
	mock.ExpectQuery(q).
		WithArgs("alice").
		WillReturnRows(rows)

	got, err := repo.GetUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetUser error: %v", err)
	}
	if got.OwnerID != "owner-1" || !got.Admin || got.Meta["plan"] != "pro" {
		t.Fatalf("unexpected user: %+v", got)
	}
}

func TestGetUser_NotFound(t *testing.T) {
	repo, mock, db := newDBWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT\s+username,\s*hash_version`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetUser(context.Background(), "ghost")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want common.ErrorNotFound, got %v", err)
	}
}

func TestUserExists(t *testing.T) {
	repo, mock, db := newDBWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"exists"}).AddRow(true)
	mock.ExpectQuery(`SELECT\s+EXISTS\(SELECT\s+1\s+FROM\s+users`).
		WithArgs("alice").
		WillReturnRows(rows)

	exists, err := repo.UserExists(context.Background(), "alice")
	if err != nil {
		t.Fatalf("UserExists error: %v", err)
	}
	if !exists {
		t.Fatal("expected user to exist")
	}
}

func TestCountLoginAttempt_Upsert(t *testing.T) {
	repo, mock, db := newDBWithMock(t)
	defer db.Close()

	q := `(?s)^INSERT\s+INTO\s+failed_login_attempts.*ON\s+CONFLICT\s*\(username\)\s*DO\s+UPDATE\s+SET.*attempts\s*=\s*failed_login_attempts\.attempts\s*\+\s*1`

	mock.ExpectExec(q).
		WithArgs("bob", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.CountLoginAttempt(context.Background(), "bob"); err != nil {
		t.Fatalf("CountLoginAttempt error: %v", err)
	}
}

func TestGetLoginAttempts_Found(t *testing.T) {
	repo, mock, db := newDBWithMock(t)
	defer db.Close()

	last := time.Now().Add(-time.Minute)
	rows := sqlmock.NewRows([]string{"username", "attempts", "last_attempt"}).
		AddRow("bob", int64(4), last)
	mock.ExpectQuery(`SELECT\s+username,\s*attempts,\s*last_attempt\s+FROM\s+failed_login_attempts`).
		WithArgs("bob").
		WillReturnRows(rows)

	got, err := repo.GetLoginAttempts(context.Background(), "bob")
	if err != nil {
		t.Fatalf("GetLoginAttempts error: %v", err)
	}
	if got.Attempts != 4 || !got.LastAttempt.Equal(last) {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestGetLoginAttempts_NotFound(t *testing.T) {
	repo, mock, db := newDBWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT\s+username,\s*attempts`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetLoginAttempts(context.Background(), "ghost")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want common.ErrorNotFound, got %v", err)
	}
}

func TestGetJwtKeys_Ordered(t *testing.T) {
	repo, mock, db := newDBWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"key"}).AddRow("first").AddRow("second")
	mock.ExpectQuery(`SELECT\s+key\s+FROM\s+jwt_keys\s+ORDER\s+BY\s+id`).
		WillReturnRows(rows)

	keys, err := repo.GetJwtKeys(context.Background())
	if err != nil {
		t.Fatalf("GetJwtKeys error: %v", err)
	}
	if len(keys) != 2 || keys[0] != "first" || keys[1] != "second" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestMoveFile_RecomputesFolderAndName(t *testing.T) {
	repo, mock, db := newDBWithMock(t)
	defer db.Close()

	q := `(?s)^UPDATE\s+files\s+SET\s+path\s*=\s*\$1,\s*folder\s*=\s*\$2,\s*name\s*=\s*\$3\s+WHERE\s+path\s*=\s*\$4\s*$`

	mock.ExpectExec(q).
		WithArgs("archive/readme.txt", "archive", "readme.txt", "docs/readme.txt").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.MoveFile(context.Background(), "docs/readme.txt", "archive/readme.txt"); err != nil {
		t.Fatalf("MoveFile error: %v", err)
	}
}

func TestRunMigrations_Success(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	orig := gooseUpContext
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		if dir != "migrations" {
			return errors.New("unexpected dir")
		}
		return nil
	}
	defer func() { gooseUpContext = orig }()

	m := &Manager{db: db}
	if err := m.RunMigrations(context.Background()); err != nil {
		t.Fatalf("RunMigrations error: %v", err)
	}
}

func TestRunMigrations_Error(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	orig := gooseUpContext
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	defer func() { gooseUpContext = orig }()

	m := &Manager{db: db}
	if err := m.RunMigrations(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
