// Package store defines the local message store the synchronization
// operations write into.
package store

import (
	"context"
	"errors"
)

var (
	// ErrAlreadyExists is returned by OnMessageCreated when a header for the
	// item is already present.
	ErrAlreadyExists = errors.New("message already exists")
	// ErrNotFound is returned by OnMessageUpdated when no header exists for
	// the item.
	ErrNotFound = errors.New("message not found")
)

// Priority is the local ordinal for message importance.
type Priority int

const (
	PriorityNotSet Priority = iota
	PriorityNone
	PriorityLowest
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityHighest
)

// Header is the local representation of a message. Records handed out by
// OnMessageCreated are stale: only ItemID is set until they are populated.
type Header struct {
	ItemID         string
	MessageID      string
	IsRead         bool
	Date           int64 // microseconds since the Unix epoch
	Author         string
	ReplyTo        string
	Recipients     string
	CcList         string
	BccList        string
	Subject        string
	Priority       Priority
	References     string
	Size           uint32
	Preview        string
	HasAttachments bool
}

// Folder receives the mutations produced while synchronizing one remote
// folder. Implementations handle their own locking.
type Folder interface {
	// OnMessageCreated allocates a stale header for itemID, or returns
	// ErrAlreadyExists.
	OnMessageCreated(ctx context.Context, itemID string) (*Header, error)
	// OnMessageUpdated opens the existing header for itemID, or returns
	// ErrNotFound.
	OnMessageUpdated(ctx context.Context, itemID string) (*Header, error)
	// OnDetachedHdrPopulated commits a header obtained from OnMessageCreated.
	OnDetachedHdrPopulated(ctx context.Context, hdr *Header) error
	// OnExistingHdrChanged commits a header obtained from OnMessageUpdated.
	OnExistingHdrChanged(ctx context.Context, hdr *Header) error
	OnMessageDeleted(ctx context.Context, itemID string) error
	OnReadStatusChanged(ctx context.Context, itemID string, isRead bool) error
	// OnSyncStateTokenChanged checkpoints the folder's sync state.
	OnSyncStateTokenChanged(ctx context.Context, token string) error
}
