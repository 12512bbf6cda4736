// Package autosave reconciles a locally edited board with a remote store.
//
// The Engine watches snapshots of the board, backs every change up to a
// local store immediately, and saves to the remote store once edits pause:
//
//	idle -> (change) -> debounce pending -> saving -> saved -> idle
//	                                          |
//	                                          +-> (retries exhausted) -> error -> idle
//
// At most one save is in flight. Changes arriving during a save queue a
// follow-up that runs as soon as the current save resolves. The local backup
// and the change log are discarded only after the remote store confirms a
// save, so a failed or interrupted save leaves recoverable state behind.
//
// Example:
//
//	eng, err := autosave.New(remoteSaver, autosave.DefaultConfig("board-42"),
//		autosave.WithBackupStore(backups),
//		autosave.WithLogger(logger),
//	)
//	if err != nil {
//		return err
//	}
//	defer eng.Close(context.Background())
//
//	eng.Observe(initial) // baseline, never saved
//	eng.Observe(edited)  // backed up now, saved after the debounce period
package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/emirkrhan/fable/pkg/backup"
	"github.com/emirkrhan/fable/pkg/board"
	"github.com/emirkrhan/fable/pkg/changes"
	"github.com/emirkrhan/fable/pkg/clock"
	"github.com/emirkrhan/fable/pkg/fingerprint"
	"github.com/emirkrhan/fable/pkg/storage"
)

// Engine is the debounced, single-flight auto-save state machine.
// All methods are safe for concurrent use.
type Engine struct {
	saver   Saver
	cfg     Config
	clock   clock.Clock
	backups *backup.Store
	tracker *changes.Tracker
	logger  logrus.FieldLogger
	metrics *Metrics
	limiter *rate.Limiter
	onSaved []func(SaveResult)

	// retryCtx aborts backoff waits when Close begins; saveCtx is handed to
	// the Saver and only cancelled when Close gives up waiting.
	retryCtx    context.Context
	stopRetries context.CancelFunc
	saveCtx     context.Context
	cancelSaves context.CancelFunc
	inflight    sync.WaitGroup

	mu             sync.Mutex
	enabled        bool
	closed         bool
	status         Status
	hasBaseline    bool
	savedFP        fingerprint.Fingerprint
	latest         board.Snapshot
	latestFP       fingerprint.Fingerprint
	hasUnsaved     bool
	backupDirty    bool
	saving         bool
	queued         bool
	incrementalOff bool
	lastSaved      time.Time
	lastErr        error
	debounce       timerSlot
	gap            timerSlot
	display        timerSlot
	listeners      []func(StatusChange)
	events         []StatusChange
	waiters        []chan struct{}

	// notifyMu serializes listener delivery so transitions are observed in
	// the order they happened.
	notifyMu sync.Mutex

	// onSaveDone runs after every save cycle has been fully processed.
	onSaveDone func(err error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock driving every timer of the engine.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithBackupStore sets where unsaved snapshots are backed up. Without it
// backups are kept in memory only.
func WithBackupStore(s *backup.Store) Option {
	return func(e *Engine) { e.backups = s }
}

// WithTracker supplies the change tracker used for incremental saves.
func WithTracker(t *changes.Tracker) Option {
	return func(e *Engine) { e.tracker = t }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithOnSaved registers a hook run after every confirmed save.
func WithOnSaved(fn func(SaveResult)) Option {
	return func(e *Engine) { e.onSaved = append(e.onSaved, fn) }
}

// New creates an Engine that saves through saver.
func New(saver Saver, cfg Config, opts ...Option) (*Engine, error) {
	if saver == nil {
		return nil, errors.New("autosave: saver is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		saver:   saver,
		cfg:     cfg,
		enabled: cfg.Enabled,
		status:  StatusIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = clock.New()
	}
	if e.logger == nil {
		e.logger = logrus.StandardLogger()
	}
	e.logger = e.logger.WithFields(logrus.Fields{"component": "autosave", "backup_key": cfg.BackupKey})
	if e.backups == nil {
		e.backups = backup.NewStore(storage.NewMemoryEngine(), backup.WithClock(e.clock))
	}
	if e.tracker == nil {
		e.tracker = changes.NewTracker(cfg.ChangeLogCapacity, e.clock)
		e.tracker.SetLogger(e.logger)
	}

	limit := rate.Inf
	if cfg.MinInterSaveGap > 0 {
		limit = rate.Every(cfg.MinInterSaveGap)
	}
	e.limiter = rate.NewLimiter(limit, 1)

	e.retryCtx, e.stopRetries = context.WithCancel(context.Background())
	e.saveCtx, e.cancelSaves = context.WithCancel(context.Background())
	return e, nil
}

// Tracker returns the change tracker feeding incremental saves. Hosts record
// editor events on it alongside calling Observe.
func (e *Engine) Tracker() *changes.Tracker {
	return e.tracker
}

// Observe reports the current board content.
//
// The first observation only sets the baseline. Later observations whose
// fingerprint differs from the last saved one are backed up immediately and
// (re)arm the debounce timer. The returned error reports a failed backup
// write; the save is scheduled regardless.
func (e *Engine) Observe(s board.Snapshot) error {
	fp := fingerprint.Of(s)

	e.mu.Lock()
	err := e.observeLocked(s, fp)
	e.mu.Unlock()

	e.dispatch()
	return err
}

func (e *Engine) observeLocked(s board.Snapshot, fp fingerprint.Fingerprint) error {
	if e.closed {
		return ErrClosed
	}
	if !e.enabled {
		return nil
	}
	if !e.hasBaseline {
		e.hasBaseline = true
		e.savedFP = fp
		e.latest, e.latestFP = s, fp
		return nil
	}

	prevFP := e.latestFP
	e.latest, e.latestFP = s, fp

	if fp == e.savedFP {
		if !e.hasUnsaved {
			return nil
		}
		if e.saving {
			// The in-flight save carries other content. Back up the
			// reverted state and save it again once that save resolves.
			e.queued = true
			return e.writeBackupLocked()
		}
		e.debounce.stop()
		e.gap.stop()
		e.discardLocked()
		e.settleLocked()
		return nil
	}
	if fp == prevFP && e.hasUnsaved {
		return nil
	}

	e.hasUnsaved = true
	err := e.writeBackupLocked()
	e.armLocked(&e.debounce, e.cfg.Debounce, func() {
		e.requestSaveLocked(false)
	})
	e.logger.WithField("action", "schedule").Debugf("change detected, saving in %s", e.cfg.Debounce)
	return err
}

// discardLocked drops the backup and change log of content that matches
// the last save.
func (e *Engine) discardLocked() {
	e.hasUnsaved = false
	e.backupDirty = false
	e.tracker.ClearThrough(e.tracker.Mark())
	if err := e.backups.Clear(e.cfg.BackupKey); err != nil {
		e.logger.WithError(err).WithField("action", "backup_clear").Warn("failed to clear local backup")
	}
}

func (e *Engine) writeBackupLocked() error {
	if err := e.backups.Save(e.cfg.BackupKey, e.latest); err != nil {
		e.backupDirty = true
		e.lastErr = fmt.Errorf("write backup: %w", err)
		e.logger.WithError(err).WithField("action", "backup").Warn("failed to write local backup")
		if e.metrics != nil {
			e.metrics.OnBackupWrite(false)
		}
		return e.lastErr
	}
	e.backupDirty = false
	if e.metrics != nil {
		e.metrics.OnBackupWrite(true)
	}
	return nil
}

// TriggerSave cancels any pending debounce and saves now. If a save is in
// flight, a follow-up is queued instead.
func (e *Engine) TriggerSave() {
	e.mu.Lock()
	if !e.closed {
		e.debounce.stop()
		e.requestSaveLocked(true)
	}
	e.mu.Unlock()
	e.dispatch()
}

// Foregrounded signals that the workspace became visible again. With
// unsaved changes it saves immediately, bypassing the debounce. It never
// blocks.
func (e *Engine) Foregrounded() {
	e.mu.Lock()
	if !e.closed && e.enabled && e.hasUnsaved {
		e.logger.WithField("action", "foreground").Debug("foregrounded with unsaved changes")
		e.debounce.stop()
		e.requestSaveLocked(true)
	}
	e.mu.Unlock()
	e.dispatch()
}

// Flush saves now and waits until the engine has no save in flight or
// scheduled. It returns nil when everything observed has been saved, the
// last save error otherwise, or ctx.Err() if ctx expires first.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.debounce.stop()
	e.requestSaveLocked(true)
	if !e.busyLocked() {
		err := e.resultLocked()
		e.mu.Unlock()
		e.dispatch()
		return err
	}
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	e.mu.Unlock()
	e.dispatch()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resultLocked()
}

func (e *Engine) busyLocked() bool {
	return e.saving || e.gap.pending()
}

func (e *Engine) resultLocked() error {
	if !e.hasUnsaved || e.latestFP == e.savedFP {
		return nil
	}
	if e.lastErr != nil {
		return e.lastErr
	}
	return ErrUnsavedChanges
}

// settleLocked releases Flush callers once no save is running or pending.
func (e *Engine) settleLocked() {
	if e.busyLocked() {
		return
	}
	for _, ch := range e.waiters {
		close(ch)
	}
	e.waiters = nil
}

// requestSaveLocked starts a save unless one is in flight, in which case it
// queues one. Automatic requests respect the minimum inter-save gap and are
// re-armed for the remaining time when throttled; immediate ones are not.
func (e *Engine) requestSaveLocked(immediate bool) {
	if e.closed || !e.enabled || !e.hasBaseline {
		return
	}
	if e.saving {
		e.queued = true
		return
	}
	if e.latestFP == e.savedFP {
		if e.hasUnsaved {
			e.discardLocked()
		}
		e.settleLocked()
		return
	}

	now := e.clock.Now()
	r := e.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		if !immediate {
			e.logger.WithField("action", "throttle").Debugf("save throttled, retrying in %s", delay)
			if e.metrics != nil {
				e.metrics.OnThrottled()
			}
			e.armLocked(&e.gap, delay, func() {
				e.requestSaveLocked(false)
			})
			return
		}
		// Manual saves skip the gap but still start a new one.
		e.limiter = rate.NewLimiter(e.limiter.Limit(), 1)
		e.limiter.ReserveN(now, 1)
	}
	e.gap.stop()
	e.startLocked(now)
}

type saveJob struct {
	snapshot board.Snapshot
	fp       fingerprint.Fingerprint
	patches  []changes.Patch
	mark     uint64
	started  time.Time
}

func (e *Engine) startLocked(now time.Time) {
	patches, mark, overflowed := e.tracker.Pending()
	job := &saveJob{
		snapshot: e.latest,
		fp:       e.latestFP,
		mark:     mark,
		started:  now,
	}
	if !overflowed && !e.incrementalOff && len(patches) > 0 && len(patches) <= e.cfg.IncrementalPatchBound {
		job.patches = patches
	}

	e.saving = true
	e.queued = false
	e.display.stop()
	e.setStatusLocked(StatusSaving, nil)

	e.inflight.Add(1)
	go e.run(job)
}

func (e *Engine) run(job *saveJob) {
	defer e.inflight.Done()

	var (
		attempts int
		mode     Mode
	)
	policy := backoff.WithContext(newRetryPolicy(e.cfg.RetryBaseDelay, e.cfg.MaxRetries), e.retryCtx)
	err := backoff.RetryNotifyWithTimer(func() error {
		attempts++
		var err error
		mode, err = e.attempt(job)
		return err
	}, policy, func(err error, next time.Duration) {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"action":   "retry",
			"attempt":  attempts,
			"retry_in": next,
		}).Warn("save attempt failed, retrying")
		if e.metrics != nil {
			e.metrics.OnRetry()
		}
	}, newClockTimer(e.clock))

	e.finish(job, mode, attempts, err)
}

// attempt performs one save call, preferring an incremental save and
// falling back to the full snapshot.
func (e *Engine) attempt(job *saveJob) (Mode, error) {
	e.mu.Lock()
	if e.backupDirty && !e.closed {
		_ = e.writeBackupLocked()
	}
	incremental := job.patches != nil && !e.incrementalOff
	e.mu.Unlock()

	if incremental {
		err := e.checkSize(job.patches)
		if err == nil {
			err = e.saver.SavePatches(e.saveCtx, job.patches)
		}
		if e.metrics != nil {
			e.metrics.OnAttempt(ModeIncremental, err == nil)
		}
		if err == nil {
			return ModeIncremental, nil
		}
		if errors.Is(err, ErrIncrementalUnsupported) {
			e.mu.Lock()
			e.incrementalOff = true
			e.mu.Unlock()
		}
		e.logger.WithError(err).WithFields(logrus.Fields{
			"action":  "save",
			"mode":    ModeIncremental,
			"patches": len(job.patches),
		}).Debug("incremental save failed, falling back to full snapshot")
	}

	if err := e.checkSize(job.snapshot); err != nil {
		return ModeFull, backoff.Permanent(err)
	}
	err := e.saver.SaveSnapshot(e.saveCtx, job.snapshot)
	if e.metrics != nil {
		e.metrics.OnAttempt(ModeFull, err == nil)
	}
	if err != nil && IsPermanent(err) {
		return ModeFull, backoff.Permanent(err)
	}
	return ModeFull, err
}

func (e *Engine) checkSize(payload any) error {
	if e.cfg.MaxPayloadBytes <= 0 {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if len(raw) > e.cfg.MaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrPayloadTooLarge, len(raw), e.cfg.MaxPayloadBytes)
	}
	return nil
}

func (e *Engine) finish(job *saveJob, mode Mode, attempts int, err error) {
	now := e.clock.Now()
	took := now.Sub(job.started)
	log := e.logger.WithFields(logrus.Fields{
		"action":   "save",
		"mode":     mode,
		"attempts": attempts,
		"took":     took,
	})

	var result *SaveResult
	e.mu.Lock()
	e.saving = false
	if err == nil {
		e.savedFP = job.fp
		e.lastSaved = now
		e.lastErr = nil
		e.tracker.ClearThrough(job.mark)
		// Newer changes keep their backup until they are saved too.
		if e.latestFP == job.fp {
			e.hasUnsaved = false
			if cerr := e.backups.Clear(e.cfg.BackupKey); cerr != nil {
				log.WithError(cerr).Warn("failed to clear local backup")
			}
		}
		e.setStatusLocked(StatusSaved, nil)
		e.armLocked(&e.display, e.cfg.SavedDisplay, func() {
			if e.status == StatusSaved {
				e.setStatusLocked(StatusIdle, nil)
			}
		})
		result = &SaveResult{Mode: mode, Attempts: attempts, Duration: took, At: now}
		if mode == ModeIncremental {
			result.Patches = len(job.patches)
		}
		log.Info("board saved")
	} else {
		e.lastErr = err
		e.setStatusLocked(StatusError, err)
		e.armLocked(&e.display, e.cfg.ErrorDisplay, func() {
			if e.status == StatusError {
				e.setStatusLocked(StatusIdle, nil)
			}
		})
		log.WithError(err).Error("save failed, local backup kept for recovery")
	}
	if e.queued {
		e.queued = false
		e.requestSaveLocked(false)
	}
	e.settleLocked()
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.OnSave(mode, err == nil, attempts, took)
	}
	e.dispatch()
	if result != nil {
		for _, fn := range e.onSaved {
			fn(*result)
		}
	}
	if e.onSaveDone != nil {
		e.onSaveDone(err)
	}
}

// LoadBackup returns the locally backed-up snapshot, or backup.ErrNoBackup.
func (e *Engine) LoadBackup() (backup.Record, error) {
	return e.backups.Load(e.cfg.BackupKey)
}

// Status returns the current save status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// HasUnsavedChanges reports whether observed content has not been saved.
func (e *Engine) HasUnsavedChanges() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasUnsaved
}

// LastSaved returns the time of the last confirmed save.
func (e *Engine) LastSaved() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSaved
}

// LastError returns the most recent save or backup error, cleared by the
// next successful save.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// OnStatusChange registers fn to receive every status transition in order.
// fn runs outside the engine's lock and may call back into the engine.
func (e *Engine) OnStatusChange(fn func(StatusChange)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// SetEnabled turns the engine on or off. Turning it off cancels the pending
// debounce; an in-flight save still completes.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	e.enabled = enabled
	if !enabled {
		e.debounce.stop()
		e.gap.stop()
		e.queued = false
		e.settleLocked()
	}
	e.mu.Unlock()
}

// Close stops all timers and waits for an in-flight save call to return,
// abandoning pending retries. Unsaved content stays in the backup store.
// Call Flush first to save outstanding changes.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.debounce.stop()
	e.gap.stop()
	e.display.stop()
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	e.stopRetries()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	defer e.cancelSaves()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) setStatusLocked(to Status, err error) {
	if e.status == to {
		return
	}
	e.events = append(e.events, StatusChange{From: e.status, To: to, At: e.clock.Now(), Err: err})
	e.status = to
	if e.metrics != nil {
		e.metrics.OnStatus(to)
	}
}

// dispatch delivers queued status transitions. Whoever holds notifyMu
// drains the queue; a caller that cannot take it leaves its events to the
// holder.
func (e *Engine) dispatch() {
	for {
		if !e.notifyMu.TryLock() {
			return
		}
		for {
			e.mu.Lock()
			events := e.events
			e.events = nil
			listeners := e.listeners
			e.mu.Unlock()
			if len(events) == 0 {
				break
			}
			for _, ev := range events {
				for _, fn := range listeners {
					fn(ev)
				}
			}
		}
		e.notifyMu.Unlock()

		e.mu.Lock()
		more := len(e.events) > 0
		e.mu.Unlock()
		if !more {
			return
		}
	}
}

// timerSlot holds at most one pending timer. Stopping bumps the generation
// so a callback that already started firing becomes a no-op.
type timerSlot struct {
	t   clock.Timer
	gen uint64
}

func (s *timerSlot) stop() {
	if s.t != nil {
		s.t.Stop()
		s.t = nil
	}
	s.gen++
}

func (s *timerSlot) pending() bool {
	return s.t != nil
}

// armLocked replaces the timer in slot with one running fn after d. fn runs
// with e.mu held.
func (e *Engine) armLocked(slot *timerSlot, d time.Duration, fn func()) {
	slot.stop()
	if e.closed {
		return
	}
	gen := slot.gen
	slot.t = e.clock.AfterFunc(d, func() {
		e.mu.Lock()
		if slot.gen != gen || e.closed {
			e.mu.Unlock()
			return
		}
		slot.t = nil
		fn()
		e.settleLocked()
		e.mu.Unlock()
		e.dispatch()
	})
}
