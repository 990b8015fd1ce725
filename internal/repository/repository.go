package repository

import (
	"context"
	"database/sql"
	"time"

	"termobridge/internal/models"
	"termobridge/internal/repository/db"
)

type Authorization interface {
	Create(username, hash string) (int, error)
	GetByUsername(username string) (*models.User, error)
}

type SnapshotRepo interface {
	Save(ctx context.Context, s models.HeaterState) error
	LoadAll(ctx context.Context) ([]models.HeaterState, error)
	Delete(ctx context.Context, devID, addr string) error
}

type EventRepo interface {
	Append(ctx context.Context, e models.BridgeEvent) error
	List(ctx context.Context, from, to time.Time, typ string) ([]models.BridgeEvent, error)
}

type Repository struct {
	Snapshots SnapshotRepo
	Events    EventRepo
	Auth      Authorization
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		Snapshots: NewSnapshotSQLite(db),
		Events:    NewEventSQLite(db),
		Auth:      NewUserRepository(db),
	}
}

// InitDB opens the sqlite file and applies the schema.
func InitDB(path string) (*sql.DB, error) {
	return db.InitDB(path)
}
