package ews

import "context"

// Client is the narrow EWS surface required by the queued operations.
type Client interface {
	SyncFolderItems(ctx context.Context, req *SyncFolderItems, opts OperationOptions) (*SyncFolderItemsResponse, error)
	GetItems(ctx context.Context, ids []ItemID, fields []FieldURI, includeMime bool) ([]Message, error)
	ServerVersion() ServerVersion
}

// AuthFailureBehavior tells the transport what to do when the server rejects
// the request's credentials.
type AuthFailureBehavior int

const (
	// ReAuth refreshes the credentials once and resends the request.
	ReAuth AuthFailureBehavior = iota
	// Silent reports the rejection to the caller without retrying.
	Silent
)

// OperationOptions carries per-request transport behavior.
type OperationOptions struct {
	AuthFailure AuthFailureBehavior
}
