package autosave

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"

	"github.com/emirkrhan/fable/pkg/board"
	"github.com/emirkrhan/fable/pkg/changes"
)

var (
	// ErrPayloadTooLarge marks a save whose payload exceeds the size limit.
	// It is never retried.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrIncrementalUnsupported is returned by savers that can only store
	// full snapshots. The engine stops attempting incremental saves.
	ErrIncrementalUnsupported = errors.New("incremental save not supported")

	// ErrUnsavedChanges is returned by Flush when changes remain unsaved.
	ErrUnsavedChanges = errors.New("unsaved changes remain")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("autosave engine closed")
)

// Saver persists board content remotely. Both methods must return an error
// on any failure, including timeouts. Returning an error wrapped with
// backoff.Permanent, or one matching ErrPayloadTooLarge, stops retries.
type Saver interface {
	SaveSnapshot(ctx context.Context, s board.Snapshot) error
	SavePatches(ctx context.Context, patches []changes.Patch) error
}

// SnapshotSaverFunc adapts a full-snapshot save function to Saver.
type SnapshotSaverFunc func(ctx context.Context, s board.Snapshot) error

// SaveSnapshot calls f.
func (f SnapshotSaverFunc) SaveSnapshot(ctx context.Context, s board.Snapshot) error {
	return f(ctx, s)
}

// SavePatches always returns ErrIncrementalUnsupported.
func (f SnapshotSaverFunc) SavePatches(context.Context, []changes.Patch) error {
	return ErrIncrementalUnsupported
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var perm *backoff.PermanentError
	return errors.As(err, &perm) || errors.Is(err, ErrPayloadTooLarge)
}
