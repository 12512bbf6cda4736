package storage

import (
	"bufio"
	"fmt"
	"os"
)

// Backup creates a backup of the database to the specified file path.
// Uses BadgerDB's streaming backup which creates a consistent snapshot.
// The backup file is a self-contained, portable copy of the database.
func (b *BadgerEngine) Backup(path string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrStorageClosed
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer f.Close()

	buf := bufio.NewWriterSize(f, 1<<20)

	// since=0 means full backup
	if _, err := b.db.Backup(buf, 0); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}

	if err := buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush backup: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync backup: %w", err)
	}

	return nil
}

// Restore loads a file produced by Backup into the database. Existing keys
// are overwritten by the backed-up values.
func (b *BadgerEngine) Restore(path string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrStorageClosed
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open backup file: %w", err)
	}
	defer f.Close()

	if err := b.db.Load(bufio.NewReader(f), 256); err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}
	return nil
}

// DeleteBucket removes every key of bucket and returns how many were deleted.
func (b *BadgerEngine) DeleteBucket(bucket string) (int, error) {
	keys, err := b.Keys(bucket)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := b.db.DropPrefix(bucketPrefix(bucket)); err != nil {
		return 0, err
	}
	return len(keys), nil
}

var (
	_ Engine        = (*BadgerEngine)(nil)
	_ BucketDeleter = (*BadgerEngine)(nil)
	_ Archiver      = (*BadgerEngine)(nil)
)
