package autosave

import (
	"time"
)

// Status is the externally visible save state.
type Status int

const (
	StatusIdle Status = iota
	StatusSaving
	StatusSaved
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSaving:
		return "saving"
	case StatusSaved:
		return "saved"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// StatusChange describes one status transition.
type StatusChange struct {
	From Status
	To   Status
	At   time.Time
	// Err is set on transitions to StatusError.
	Err error
}

// Mode is the kind of payload a save sent.
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeFull        Mode = "full"
)

// SaveResult describes a confirmed save.
type SaveResult struct {
	Mode     Mode
	Attempts int
	Duration time.Duration
	At       time.Time
	// Patches is the number of merged patches sent by an incremental save.
	Patches int
}
