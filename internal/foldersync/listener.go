package foldersync

import (
	"context"

	"github.com/joshsymonds/ewssync/internal/store"
)

// Listener receives every mutation produced by a folder synchronization and
// its final outcome.
type Listener interface {
	store.Folder
	OnSuccess(ctx context.Context)
	OnFailure(ctx context.Context, err error)
}

// NewListener returns a Listener writing to folder that calls done exactly
// once with the outcome (nil on success).
func NewListener(folder store.Folder, done func(error)) Listener {
	return &folderListener{Folder: folder, done: done}
}

type folderListener struct {
	store.Folder
	done func(error)
}

func (l *folderListener) OnSuccess(_ context.Context) {
	if l.done != nil {
		l.done(nil)
	}
}

func (l *folderListener) OnFailure(_ context.Context, err error) {
	if l.done != nil {
		l.done(err)
	}
}
