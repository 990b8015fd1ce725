package repository

import (
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"termobridge/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
)

func newSnapshotMock(t *testing.T) (*SnapshotSQLite, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	repo := NewSnapshotSQLite(db)
	cleanup := func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet sqlmock expectations: %v", err)
		}
		_ = db.Close()
	}
	return repo, mock, cleanup
}

func TestSnapshotSave_UpsertsPayload(t *testing.T) {
	t.Parallel()

	repo, mock, cleanup := newSnapshotMock(t)
	defer cleanup()

	st := models.HeaterState{
		DevID:     "dev1",
		Addr:      "2",
		Name:      "Living Room",
		Mode:      "manual",
		STemp:     21.0,
		Units:     "C",
		PTemp:     []float64{7, 16, 21},
		UpdatedAt: time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC),
		Source:    models.SourcePush,
	}
	payload, _ := json.Marshal(st)

	mock.ExpectExec(regexp.QuoteMeta(upsertSnapshotSQL)).
		WithArgs("dev1", "2", string(payload), st.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Save(ctx(t), st); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func TestSnapshotSave_SetsZeroTimestamp(t *testing.T) {
	t.Parallel()

	repo, mock, cleanup := newSnapshotMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(upsertSnapshotSQL)).
		WithArgs("dev1", "3", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Save(ctx(t), models.HeaterState{DevID: "dev1", Addr: "3", Mode: "auto"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func TestSnapshotSave_RejectsMissingIdentity(t *testing.T) {
	t.Parallel()

	repo, _, cleanup := newSnapshotMock(t)
	defer cleanup()

	if err := repo.Save(ctx(t), models.HeaterState{Addr: "2"}); err == nil {
		t.Fatalf("expected error for missing dev_id")
	}
	if err := repo.Save(ctx(t), models.HeaterState{DevID: "dev1"}); err == nil {
		t.Fatalf("expected error for missing addr")
	}
}

func TestSnapshotLoadAll_ParsesAndSkipsBadRows(t *testing.T) {
	t.Parallel()

	repo, mock, cleanup := newSnapshotMock(t)
	defer cleanup()

	good, _ := json.Marshal(models.HeaterState{DevID: "dev1", Addr: "2", Mode: "auto", STemp: 19.5})
	orphan, _ := json.Marshal(models.HeaterState{Mode: "off"}) // no identity

	rows := sqlmock.NewRows([]string{"payload"}).
		AddRow(string(good)).
		AddRow("{not json").
		AddRow(string(orphan))

	mock.ExpectQuery(regexp.QuoteMeta(selectSnapshotsSQL)).
		WillReturnRows(rows)

	got, err := repo.LoadAll(ctx(t))
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 snapshot, got %d", len(got))
	}
	if got[0].DevID != "dev1" || got[0].Addr != "2" || got[0].STemp != 19.5 {
		t.Fatalf("unexpected snapshot: %+v", got[0])
	}
}

func TestSnapshotLoadAll_QueryError(t *testing.T) {
	t.Parallel()

	repo, mock, cleanup := newSnapshotMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(selectSnapshotsSQL)).
		WillReturnError(errors.New("disk I/O error"))

	if _, err := repo.LoadAll(ctx(t)); err == nil {
		t.Fatalf("expected query error, got nil")
	}
}

func TestSnapshotDelete(t *testing.T) {
	t.Parallel()

	repo, mock, cleanup := newSnapshotMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(deleteSnapshotSQL)).
		WithArgs("dev1", "9").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Delete(ctx(t), "dev1", "9"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}
