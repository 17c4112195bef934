package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS signers").
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewPGStore(db)
	if err != nil {
		t.Fatalf("NewPGStore error: %v", err)
	}
	return store, mock, func() { db.Close() }
}

func TestPGRegisterInsertsAndReadsBack(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	created := time.Now().UTC()
	mock.ExpectExec("INSERT INTO signers").
		WithArgs("kid-1", AlgEd25519, []byte("pub")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT kid, algorithm, public_key, created_at, retired_at FROM signers WHERE").
		WithArgs("kid-1").
		WillReturnRows(sqlmock.NewRows([]string{"kid", "algorithm", "public_key", "created_at", "retired_at"}).
			AddRow("kid-1", AlgEd25519, []byte("pub"), created, nil))

	got, err := store.Register(context.Background(), Signer{KID: "kid-1", Algorithm: AlgEd25519, PublicKey: []byte("pub")})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if got.KID != "kid-1" || got.Retired() {
		t.Fatalf("unexpected signer: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGRegisterDetectsKeyMismatch(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("INSERT INTO signers").
		WithArgs("kid-1", AlgEd25519, []byte("new-pub")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT kid, algorithm, public_key, created_at, retired_at FROM signers WHERE").
		WithArgs("kid-1").
		WillReturnRows(sqlmock.NewRows([]string{"kid", "algorithm", "public_key", "created_at", "retired_at"}).
			AddRow("kid-1", AlgEd25519, []byte("old-pub"), time.Now().UTC(), nil))

	_, err := store.Register(context.Background(), Signer{KID: "kid-1", Algorithm: AlgEd25519, PublicKey: []byte("new-pub")})
	if !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected ErrKeyMismatch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGGetNotFound(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery("SELECT kid, algorithm, public_key, created_at, retired_at FROM signers WHERE").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"kid", "algorithm", "public_key", "created_at", "retired_at"}))

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGRetireSetsTimestampOnce(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	retired := time.Now().UTC()
	mock.ExpectExec("UPDATE signers SET retired_at").
		WithArgs("kid-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT kid, algorithm, public_key, created_at, retired_at FROM signers WHERE").
		WithArgs("kid-1").
		WillReturnRows(sqlmock.NewRows([]string{"kid", "algorithm", "public_key", "created_at", "retired_at"}).
			AddRow("kid-1", AlgEd25519, []byte("pub"), retired.Add(-time.Hour), retired))

	got, err := store.Retire(context.Background(), "kid-1")
	if err != nil {
		t.Fatalf("Retire error: %v", err)
	}
	if !got.Retired() {
		t.Fatalf("expected retired signer, got %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGListOrdersByCreatedAtDesc(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT kid, algorithm, public_key, created_at, retired_at FROM signers ORDER BY created_at DESC").
		WillReturnRows(sqlmock.NewRows([]string{"kid", "algorithm", "public_key", "created_at", "retired_at"}).
			AddRow("new", AlgEd25519, []byte("a"), now, nil).
			AddRow("old", AlgHMACSHA256, []byte("b"), now.Add(-time.Hour), now))

	got, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(got) != 2 || got[0].KID != "new" || !got[1].Retired() {
		t.Fatalf("unexpected list: %+v", got)
	}
}
