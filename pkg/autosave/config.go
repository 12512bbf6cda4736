package autosave

import (
	"errors"
	"fmt"
	"time"

	"github.com/emirkrhan/fable/pkg/changes"
)

// Config controls debouncing, retries and throttling of the engine.
type Config struct {
	// Enabled gates the engine. A disabled engine ignores observations.
	Enabled bool

	// Debounce is the quiet period after the last change before a save.
	Debounce time.Duration

	// MaxRetries is how many times a failed save is retried before the
	// engine reports StatusError.
	MaxRetries int

	// RetryBaseDelay scales the linear backoff: retry n waits n*RetryBaseDelay.
	RetryBaseDelay time.Duration

	// MinInterSaveGap is the minimum time between the starts of two
	// automatic saves.
	MinInterSaveGap time.Duration

	// IncrementalPatchBound is the largest number of merged patches sent as
	// an incremental save. Zero disables incremental saves.
	IncrementalPatchBound int

	// BackupKey identifies the document in the backup store.
	BackupKey string

	// SavedDisplay is how long StatusSaved is held before reverting to idle.
	SavedDisplay time.Duration

	// ErrorDisplay is how long StatusError is held before reverting to idle.
	ErrorDisplay time.Duration

	// MaxPayloadBytes rejects saves whose encoded payload is larger.
	// Zero disables the guard.
	MaxPayloadBytes int

	// ChangeLogCapacity bounds the change tracker created by New when no
	// tracker is supplied.
	ChangeLogCapacity int
}

// DefaultConfig returns the default engine configuration for backupKey.
func DefaultConfig(backupKey string) Config {
	return Config{
		Enabled:               true,
		Debounce:              2 * time.Second,
		MaxRetries:            2,
		RetryBaseDelay:        time.Second,
		MinInterSaveGap:       time.Second,
		IncrementalPatchBound: 50,
		BackupKey:             backupKey,
		SavedDisplay:          2 * time.Second,
		ErrorDisplay:          3 * time.Second,
		ChangeLogCapacity:     changes.DefaultCapacity,
	}
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	var errs []error
	if c.BackupKey == "" {
		errs = append(errs, errors.New("backup key is required"))
	}
	for name, d := range map[string]time.Duration{
		"debounce":           c.Debounce,
		"retry base delay":   c.RetryBaseDelay,
		"min inter-save gap": c.MinInterSaveGap,
		"saved display":      c.SavedDisplay,
		"error display":      c.ErrorDisplay,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative (got %s)", name, d))
		}
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative (got %d)", c.MaxRetries))
	}
	if c.IncrementalPatchBound < 0 {
		errs = append(errs, fmt.Errorf("incremental patch bound must not be negative (got %d)", c.IncrementalPatchBound))
	}
	if c.MaxPayloadBytes < 0 {
		errs = append(errs, fmt.Errorf("max payload bytes must not be negative (got %d)", c.MaxPayloadBytes))
	}
	if c.ChangeLogCapacity < 0 {
		errs = append(errs, fmt.Errorf("change log capacity must not be negative (got %d)", c.ChangeLogCapacity))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid autosave config: %w", errors.Join(errs...))
	}
	return nil
}
