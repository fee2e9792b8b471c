// Package sqlite persists synchronized folder headers and sync tokens in a
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/joshsymonds/ewssync/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a SQLite database holding any number of folders.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn and applies pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}
	// sqlite allows a single writer at a time.
	db.SetMaxOpenConns(1)
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Folder returns the store.Folder view for folderID.
func (s *Store) Folder(folderID string) *Folder {
	return &Folder{db: s.db, folderID: folderID}
}

// Folder implements store.Folder for a single remote folder.
type Folder struct {
	db       *sql.DB
	folderID string
}

// SyncState returns the folder's checkpointed token, or "" if the folder was
// never synchronized.
func (f *Folder) SyncState(ctx context.Context) (string, error) {
	var token string
	err := f.db.QueryRowContext(ctx, "SELECT sync_state FROM folders WHERE folder_id = ?", f.folderID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync state: %w", err)
	}
	return token, nil
}

func (f *Folder) exists(ctx context.Context, itemID string) (bool, error) {
	var one int
	err := f.db.QueryRowContext(ctx,
		"SELECT 1 FROM headers WHERE folder_id = ? AND item_id = ?", f.folderID, itemID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up header: %w", err)
	}
	return true, nil
}

func (f *Folder) OnMessageCreated(ctx context.Context, itemID string) (*store.Header, error) {
	ok, err := f.exists(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, store.ErrAlreadyExists
	}
	return &store.Header{ItemID: itemID}, nil
}

func (f *Folder) OnMessageUpdated(ctx context.Context, itemID string) (*store.Header, error) {
	hdr := store.Header{ItemID: itemID}
	var priority int
	err := f.db.QueryRowContext(ctx, `SELECT message_id, is_read, date_us, author, reply_to,
		recipients, cc_list, bcc_list, subject, priority, refs, size, preview, has_attachments
		FROM headers WHERE folder_id = ? AND item_id = ?`, f.folderID, itemID).Scan(
		&hdr.MessageID, &hdr.IsRead, &hdr.Date, &hdr.Author, &hdr.ReplyTo,
		&hdr.Recipients, &hdr.CcList, &hdr.BccList, &hdr.Subject, &priority,
		&hdr.References, &hdr.Size, &hdr.Preview, &hdr.HasAttachments)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	hdr.Priority = store.Priority(priority)
	return &hdr, nil
}

func (f *Folder) OnDetachedHdrPopulated(ctx context.Context, hdr *store.Header) error {
	_, err := f.db.ExecContext(ctx, `INSERT INTO headers (folder_id, item_id, message_id, is_read,
		date_us, author, reply_to, recipients, cc_list, bcc_list, subject, priority, refs, size,
		preview, has_attachments) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.folderID, hdr.ItemID, hdr.MessageID, hdr.IsRead, hdr.Date, hdr.Author, hdr.ReplyTo,
		hdr.Recipients, hdr.CcList, hdr.BccList, hdr.Subject, int(hdr.Priority), hdr.References,
		hdr.Size, hdr.Preview, hdr.HasAttachments)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert header: %w", err)
	}
	return nil
}

func (f *Folder) OnExistingHdrChanged(ctx context.Context, hdr *store.Header) error {
	res, err := f.db.ExecContext(ctx, `UPDATE headers SET message_id = ?, is_read = ?, date_us = ?,
		author = ?, reply_to = ?, recipients = ?, cc_list = ?, bcc_list = ?, subject = ?,
		priority = ?, refs = ?, size = ?, preview = ?, has_attachments = ?
		WHERE folder_id = ? AND item_id = ?`,
		hdr.MessageID, hdr.IsRead, hdr.Date, hdr.Author, hdr.ReplyTo, hdr.Recipients, hdr.CcList,
		hdr.BccList, hdr.Subject, int(hdr.Priority), hdr.References, hdr.Size, hdr.Preview,
		hdr.HasAttachments, f.folderID, hdr.ItemID)
	if err != nil {
		return fmt.Errorf("failed to update header: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update header: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (f *Folder) OnMessageDeleted(ctx context.Context, itemID string) error {
	if _, err := f.db.ExecContext(ctx,
		"DELETE FROM headers WHERE folder_id = ? AND item_id = ?", f.folderID, itemID); err != nil {
		return fmt.Errorf("failed to delete header: %w", err)
	}
	return nil
}

func (f *Folder) OnReadStatusChanged(ctx context.Context, itemID string, isRead bool) error {
	if _, err := f.db.ExecContext(ctx,
		"UPDATE headers SET is_read = ? WHERE folder_id = ? AND item_id = ?", isRead, f.folderID, itemID); err != nil {
		return fmt.Errorf("failed to update read status: %w", err)
	}
	return nil
}

func (f *Folder) OnSyncStateTokenChanged(ctx context.Context, token string) error {
	if _, err := f.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO folders (folder_id, sync_state) VALUES (?, ?)", f.folderID, token); err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

var _ store.Folder = (*Folder)(nil)
