// Package repository pairs each capture session's index row with its
// image directory and keeps the two consistent.
//
// Create makes the directory first and inserts the row only after that
// succeeds; a failed insert removes the directory again. Delete removes
// files first and the row only after that succeeds. A row therefore
// never points at a directory that was not created.
package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"automoth/internal/storage"
	"automoth/pkg/logx"
)

var (
	ErrResourceCreation = errors.New("session resource creation failed")
	ErrResourceDeletion = errors.New("session resource deletion failed")
	ErrInvalidName      = errors.New("session name must not be empty")
)

// Index is the subset of the storage index used here.
type Index interface {
	InsertSession(ctx context.Context, s storage.SessionRow) (int64, error)
	GetSession(ctx context.Context, id int64) (storage.SessionRow, error)
	ListSessions(ctx context.Context) ([]storage.SessionRow, error)
	ListIncompleteSessions(ctx context.Context) ([]storage.SessionRow, error)
	DeleteSession(ctx context.Context, id int64) error
	UpdateCompletion(ctx context.Context, id int64, completed time.Time) error
	UpdateLocation(ctx context.Context, id int64, lat, lon float64) error
	RenameSession(ctx context.Context, id int64, name string) error

	InsertImage(ctx context.Context, img storage.ImageRow) (int64, error)
	GetImage(ctx context.Context, id int64) (storage.ImageRow, error)
	DeleteImage(ctx context.Context, id int64) error
	ListImages(ctx context.Context, sessionID int64) ([]storage.ImageRow, error)
	CountImages(ctx context.Context, sessionID int64) (int, error)
	LastImageTime(ctx context.Context, sessionID int64) (time.Time, bool, error)
}

// Repository is created once at startup and shared by the scheduler,
// capture sessions and the control API.
type Repository struct {
	root string
	idx  Index
	log  logx.Logger

	dirName func(started time.Time) string
}

func New(root string, idx Index, log logx.Logger) *Repository {
	return &Repository{
		root:    root,
		idx:     idx,
		log:     log.Component("repository"),
		dirName: defaultDirName,
	}
}

func defaultDirName(started time.Time) string {
	return started.UTC().Format("20060102-150405") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (r *Repository) Root() string { return r.root }

// Dir returns the absolute directory of a session.
func (r *Repository) Dir(s storage.SessionRow) string {
	return filepath.Join(r.root, s.Directory)
}

// CreateSession creates the session directory and then its row.
func (r *Repository) CreateSession(ctx context.Context, name string, started time.Time, interval time.Duration) (storage.SessionRow, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.SessionRow{}, ErrInvalidName
	}

	rel := r.dirName(started)
	dir := filepath.Join(r.root, rel)
	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return storage.SessionRow{}, fmt.Errorf("%w: %v", ErrResourceCreation, err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return storage.SessionRow{}, fmt.Errorf("%w: create directory: %v", ErrResourceCreation, err)
	}

	row := storage.SessionRow{Name: name, Directory: rel, Started: started, Interval: interval}
	id, err := r.idx.InsertSession(ctx, row)
	if err != nil {
		insertErr := fmt.Errorf("%w: insert row: %v", ErrResourceCreation, err)
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			r.log.Error("orphan session directory left behind", logx.String("dir", dir), logx.Err(rmErr))
			return storage.SessionRow{}, errors.Join(insertErr, fmt.Errorf("rollback: %w", rmErr))
		}
		return storage.SessionRow{}, insertErr
	}
	row.ID = id
	r.log.Debug("session created", logx.Int64("session_id", id), logx.String("dir", rel))
	return row, nil
}

// DeleteSession removes the directory and then the row (images and
// metadata values cascade).
func (r *Repository) DeleteSession(ctx context.Context, id int64) error {
	s, err := r.idx.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(r.Dir(s)); err != nil {
		return fmt.Errorf("%w: remove directory: %v", ErrResourceDeletion, err)
	}
	if err := r.idx.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("%w: delete row: %v", ErrResourceDeletion, err)
	}
	r.log.Debug("session deleted", logx.Int64("session_id", id))
	return nil
}

// InsertImage records a captured file that already exists in the session directory.
func (r *Repository) InsertImage(ctx context.Context, sessionID int64, filename string, taken time.Time) (storage.ImageRow, error) {
	img := storage.ImageRow{SessionID: sessionID, Filename: filename, Taken: taken}
	id, err := r.idx.InsertImage(ctx, img)
	if err != nil {
		return storage.ImageRow{}, err
	}
	img.ID = id
	return img, nil
}

// DeleteImage removes the file and then the row. A file that is already
// gone counts as removed.
func (r *Repository) DeleteImage(ctx context.Context, id int64) error {
	img, err := r.idx.GetImage(ctx, id)
	if err != nil {
		return err
	}
	s, err := r.idx.GetSession(ctx, img.SessionID)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(r.Dir(s), img.Filename)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove image: %v", ErrResourceDeletion, err)
	}
	if err := r.idx.DeleteImage(ctx, id); err != nil {
		return fmt.Errorf("%w: delete image row: %v", ErrResourceDeletion, err)
	}
	return nil
}

func (r *Repository) UpdateCompletion(ctx context.Context, id int64, completed time.Time) error {
	return r.idx.UpdateCompletion(ctx, id, completed)
}

func (r *Repository) UpdateLocation(ctx context.Context, id int64, lat, lon float64) error {
	return r.idx.UpdateLocation(ctx, id, lat, lon)
}

func (r *Repository) RenameSession(ctx context.Context, id int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidName
	}
	return r.idx.RenameSession(ctx, id, name)
}

func (r *Repository) GetSession(ctx context.Context, id int64) (storage.SessionRow, error) {
	return r.idx.GetSession(ctx, id)
}

func (r *Repository) ListSessions(ctx context.Context) ([]storage.SessionRow, error) {
	return r.idx.ListSessions(ctx)
}

func (r *Repository) ListImages(ctx context.Context, sessionID int64) ([]storage.ImageRow, error) {
	return r.idx.ListImages(ctx, sessionID)
}

func (r *Repository) CountImages(ctx context.Context, sessionID int64) (int, error) {
	return r.idx.CountImages(ctx, sessionID)
}

// CloseInterrupted marks sessions left open by a previous run as
// completed at their last image (or their start when no image exists).
func (r *Repository) CloseInterrupted(ctx context.Context) (int, error) {
	open, err := r.idx.ListIncompleteSessions(ctx)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, s := range open {
		at := s.Started
		if last, ok, err := r.idx.LastImageTime(ctx, s.ID); err != nil {
			return closed, err
		} else if ok {
			at = last
		}
		if err := r.idx.UpdateCompletion(ctx, s.ID, at); err != nil {
			return closed, err
		}
		r.log.Info("closed interrupted session", logx.Int64("session_id", s.ID), logx.Time("completed", at))
		closed++
	}
	return closed, nil
}
