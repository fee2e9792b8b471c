// Package foldersync pulls the changes made to a remote folder in bounded
// batches and applies them, in server order, to a local store.
package foldersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/joshsymonds/ewssync/internal/ews"
	"github.com/joshsymonds/ewssync/internal/store"
)

// Name identifies the operation in logs and metrics.
const Name = "SyncFolderItems"

// maxChangesPerBatch caps the changes returned by one SyncFolderItems call.
const maxChangesPerBatch = 100

// Operation synchronizes one folder. It is consumed by a queue runner with an
// ews.Client as its environment, or run directly with Run.
type Operation struct {
	Listener Listener
	FolderID string
	// SyncState is the token checkpointed by a previous run; empty starts a
	// full synchronization.
	SyncState string
	Logger    *slog.Logger
	// NewMessageID generates a placeholder Message-ID for items that have
	// none.
	NewMessageID func() string
}

// New constructs an Operation with sane defaults.
func New(listener Listener, folderID, syncState string, logger *slog.Logger) *Operation {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Operation{
		Listener:     listener,
		FolderID:     folderID,
		SyncState:    syncState,
		Logger:       logger,
		NewMessageID: placeholderMessageID,
	}
}

func placeholderMessageID() string {
	return "<" + uuid.NewString() + "@ews.invalid>"
}

func (o *Operation) Name() string { return Name }

// Execute runs the synchronization and reports its outcome to the listener.
func (o *Operation) Execute(ctx context.Context, client ews.Client) {
	if err := o.Run(ctx, client); err != nil {
		o.Logger.ErrorContext(ctx, "folder sync failed", slog.String("folder", o.FolderID), slog.Any("error", err))
		o.Listener.OnFailure(ctx, err)
		return
	}
	o.Listener.OnSuccess(ctx)
}

// Run pulls and applies batches until the server reports that no changes
// remain. The sync state is checkpointed after each applied batch, so an
// interrupted run replays at most one batch.
func (o *Operation) Run(ctx context.Context, client ews.Client) error {
	log := o.Logger.With(slog.String("folder", o.FolderID))
	token := o.SyncState
	for {
		msg, err := o.requestChanges(ctx, client, token)
		if err != nil {
			return err
		}

		ids, err := itemIDsToFetch(msg.Changes)
		if err != nil {
			return err
		}
		items, err := fetchItems(ctx, client, ids)
		if err != nil {
			return err
		}

		for _, change := range msg.Changes {
			if err := o.apply(ctx, log, change, items); err != nil {
				return err
			}
		}

		if err := o.Listener.OnSyncStateTokenChanged(ctx, msg.SyncState); err != nil {
			return fmt.Errorf("checkpoint sync state: %w", err)
		}
		log.DebugContext(ctx, "applied batch", slog.Int("changes", len(msg.Changes)),
			slog.Bool("last", msg.IncludesLastItemInRange))

		if msg.IncludesLastItemInRange {
			return nil
		}
		token = msg.SyncState
	}
}

func (o *Operation) requestChanges(
	ctx context.Context,
	client ews.Client,
	token string,
) (*ews.SyncFolderItemsResponseMessage, error) {
	// Ids only: full items are fetched separately for the changes that need them.
	req := &ews.SyncFolderItems{
		ItemShape:          ews.ItemShape{BaseShape: ews.BaseShapeIDOnly},
		SyncFolderID:       ews.FolderID{ID: o.FolderID},
		SyncState:          token,
		MaxChangesReturned: maxChangesPerBatch,
	}
	resp, err := client.SyncFolderItems(ctx, req, ews.OperationOptions{AuthFailure: ews.ReAuth})
	if err != nil {
		return nil, fmt.Errorf("sync folder items: %w", err)
	}
	if n := len(resp.ResponseMessages); n != 1 {
		return nil, &ews.ProcessingError{
			Message: fmt.Sprintf("expected exactly one SyncFolderItems response message, got %d", n),
		}
	}
	msg := &resp.ResponseMessages[0]
	if err := msg.Err(); err != nil {
		return nil, fmt.Errorf("sync folder items: %w", err)
	}
	return msg, nil
}

// itemIDsToFetch returns, deduplicated and in first-seen order, the ids of
// the items whose full representation is needed to apply changes.
func itemIDsToFetch(changes []ews.Change) ([]ews.ItemID, error) {
	seen := make(map[string]struct{}, len(changes))
	var ids []ews.ItemID
	for _, change := range changes {
		var item *ews.Message
		switch c := change.(type) {
		case ews.Create:
			item = &c.Item
		case ews.Update:
			item = &c.Item
		default:
			continue
		}
		id, err := itemID(item)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		// no change key: always fetch the latest version
		ids = append(ids, ews.ItemID{ID: id})
	}
	return ids, nil
}

func fetchItems(ctx context.Context, client ews.Client, ids []ews.ItemID) (map[string]ews.Message, error) {
	if len(ids) == 0 {
		return map[string]ews.Message{}, nil
	}
	msgs, err := client.GetItems(ctx, ids, itemFields(client.ServerVersion()), false)
	if err != nil {
		return nil, fmt.Errorf("get items: %w", err)
	}
	out := make(map[string]ews.Message, len(msgs))
	for i := range msgs {
		id, err := itemID(&msgs[i])
		if err != nil {
			return nil, err
		}
		out[id] = msgs[i]
	}
	return out, nil
}

func itemFields(v ews.ServerVersion) []ews.FieldURI {
	fields := []ews.FieldURI{
		ews.FieldIsRead,
		ews.FieldInternetMessageID,
		ews.FieldInternetMessageHeaders,
		ews.FieldDateTimeSent,
		ews.FieldFrom,
		ews.FieldReplyTo,
		ews.FieldSender,
		ews.FieldSubject,
		ews.FieldToRecipients,
		ews.FieldCcRecipients,
		ews.FieldBccRecipients,
		ews.FieldHasAttachments,
		ews.FieldImportance,
		ews.FieldReferences,
		ews.FieldSize,
	}
	if v.SupportsPreview() {
		fields = append(fields, ews.FieldPreview)
	}
	return fields
}

func itemID(msg *ews.Message) (string, error) {
	if msg.ItemID == nil || msg.ItemID.ID == "" {
		return "", ews.ErrMissingIDInResponse
	}
	return msg.ItemID.ID, nil
}

func (o *Operation) apply(
	ctx context.Context,
	log *slog.Logger,
	change ews.Change,
	items map[string]ews.Message,
) error {
	switch c := change.(type) {
	case ews.Create:
		id, err := itemID(&c.Item)
		if err != nil {
			return err
		}
		return o.applyCreate(ctx, log, id, items)
	case ews.Update:
		id, err := itemID(&c.Item)
		if err != nil {
			return err
		}
		return o.applyUpdate(ctx, log, id, items)
	case ews.Delete:
		if c.ItemID.ID == "" {
			return ews.ErrMissingIDInResponse
		}
		if err := o.Listener.OnMessageDeleted(ctx, c.ItemID.ID); err != nil {
			return fmt.Errorf("delete message %s: %w", c.ItemID.ID, err)
		}
	case ews.ReadFlagChange:
		if c.ItemID.ID == "" {
			return ews.ErrMissingIDInResponse
		}
		if err := o.Listener.OnReadStatusChanged(ctx, c.ItemID.ID, c.IsRead); err != nil {
			return fmt.Errorf("set read status of %s: %w", c.ItemID.ID, err)
		}
	default:
		return &ews.ProcessingError{Message: fmt.Sprintf("unsupported change %T", change)}
	}
	return nil
}

func fetched(items map[string]ews.Message, id string) (*ews.Message, error) {
	msg, ok := items[id]
	if !ok {
		return nil, &ews.ProcessingError{
			Message: fmt.Sprintf("item %s was in the change list but not in the GetItem response", id),
		}
	}
	return &msg, nil
}

func (o *Operation) applyCreate(
	ctx context.Context,
	log *slog.Logger,
	id string,
	items map[string]ews.Message,
) error {
	hdr, err := o.Listener.OnMessageCreated(ctx, id)
	if errors.Is(err, store.ErrAlreadyExists) {
		// left over from an interrupted run that never checkpointed this batch
		log.WarnContext(ctx, "skipping create of existing message", slog.String("item", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("create message %s: %w", id, err)
	}
	msg, err := fetched(items, id)
	if err != nil {
		return err
	}
	o.populate(ctx, log, hdr, msg)
	if err := o.Listener.OnDetachedHdrPopulated(ctx, hdr); err != nil {
		return fmt.Errorf("commit new message %s: %w", id, err)
	}
	return nil
}

func (o *Operation) applyUpdate(
	ctx context.Context,
	log *slog.Logger,
	id string,
	items map[string]ews.Message,
) error {
	isNew := false
	hdr, err := o.Listener.OnMessageUpdated(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		log.WarnContext(ctx, "update for unknown message, creating it", slog.String("item", id))
		isNew = true
		hdr, err = o.Listener.OnMessageCreated(ctx, id)
		if errors.Is(err, store.ErrAlreadyExists) {
			log.WarnContext(ctx, "message appeared while recovering update, skipping", slog.String("item", id))
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	msg, err := fetched(items, id)
	if err != nil {
		return err
	}
	o.populate(ctx, log, hdr, msg)
	if isNew {
		err = o.Listener.OnDetachedHdrPopulated(ctx, hdr)
	} else {
		err = o.Listener.OnExistingHdrChanged(ctx, hdr)
	}
	if err != nil {
		return fmt.Errorf("commit updated message %s: %w", id, err)
	}
	return nil
}
