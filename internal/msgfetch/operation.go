// Package msgfetch downloads the full MIME content of messages.
package msgfetch

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joshsymonds/ewssync/internal/ews"
)

// Name identifies the operation in logs and metrics.
const Name = "GetItem"

// Listener receives fetched messages and the final outcome.
type Listener interface {
	// OnMessageFetched is called once per requested id, in request order.
	OnMessageFetched(ctx context.Context, itemID string, mime []byte) error
	OnSuccess(ctx context.Context)
	OnFailure(ctx context.Context, err error)
}

// Operation fetches the MIME content of a set of items.
type Operation struct {
	Listener Listener
	ItemIDs  []string
	Logger   *slog.Logger
}

// New constructs an Operation for ids.
func New(listener Listener, ids []string, logger *slog.Logger) *Operation {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Operation{Listener: listener, ItemIDs: ids, Logger: logger}
}

func (o *Operation) Name() string { return Name }

func (o *Operation) Execute(ctx context.Context, client ews.Client) {
	if err := o.Run(ctx, client); err != nil {
		o.Logger.ErrorContext(ctx, "message fetch failed", slog.Int("items", len(o.ItemIDs)), slog.Any("error", err))
		o.Listener.OnFailure(ctx, err)
		return
	}
	o.Listener.OnSuccess(ctx)
}

// Run fetches every item in one GetItem request and hands each body to the
// listener.
func (o *Operation) Run(ctx context.Context, client ews.Client) error {
	if len(o.ItemIDs) == 0 {
		return nil
	}
	ids := make([]ews.ItemID, 0, len(o.ItemIDs))
	for _, id := range o.ItemIDs {
		ids = append(ids, ews.ItemID{ID: id})
	}
	msgs, err := client.GetItems(ctx, ids, nil, true)
	if err != nil {
		return fmt.Errorf("get items: %w", err)
	}

	byID := make(map[string][]byte, len(msgs))
	for _, msg := range msgs {
		if msg.ItemID == nil || msg.ItemID.ID == "" {
			return ews.ErrMissingIDInResponse
		}
		byID[msg.ItemID.ID] = msg.MimeContent
	}
	for _, id := range o.ItemIDs {
		mime, ok := byID[id]
		if !ok {
			return &ews.ProcessingError{Message: fmt.Sprintf("item %s missing from GetItem response", id)}
		}
		if err := o.Listener.OnMessageFetched(ctx, id, mime); err != nil {
			return fmt.Errorf("deliver message %s: %w", id, err)
		}
	}
	o.Logger.DebugContext(ctx, "fetched messages", slog.Int("items", len(o.ItemIDs)))
	return nil
}
