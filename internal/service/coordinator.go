package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"solary/internal/models"
)

const directoryCallTimeout = 10 * time.Second

// startTimer is swapped in tests to drive relock timers deterministically.
var startTimer = time.AfterFunc

// Directory is the remote service holding the authoritative reservation
// records. A nil Directory puts the coordinator in local-only mode: pushes
// are treated as applied and codes are checked against the fallback codes.
type Directory interface {
	FetchAll(ctx context.Context) ([]models.LockerRecord, error)
	PushStatus(ctx context.Context, index int, status models.LockerStatus) error
	Verify(ctx context.Context, index int, code string) bool
	LogAction(ctx context.Context, index int, kind string, details map[string]interface{})
	IsConnected() bool
}

// Relay pulses the physical lock hardware. A nil Relay makes every pulse a
// logged no-op.
type Relay interface {
	Open(index int) bool
	Close(index int) bool
	IsConnected() bool
}

// Coordinator owns the canonical status of each casier and arbitrates every
// transition between free, reserved and occupied. It is the only writer of
// the locker table and of the relock timer table.
type Coordinator struct {
	directory   Directory
	relay       Relay
	logger      *zap.Logger
	relockDelay time.Duration

	mu      sync.Mutex
	lockers []models.LockerRecord
	timers  map[int]*time.Timer

	observer func()
}

// NewCoordinator builds a coordinator for count casiers. fallbackCodes must
// hold one code per casier; both collaborators may be nil.
func NewCoordinator(count int, fallbackCodes []string, dir Directory, relay Relay, relockDelay time.Duration, logger *zap.Logger) *Coordinator {
	if relockDelay <= 0 {
		relockDelay = 20 * time.Second
	}
	lockers := make([]models.LockerRecord, count)
	for i := range lockers {
		lockers[i].Index = i
		lockers[i].Status = models.StatusFree
		if i < len(fallbackCodes) {
			lockers[i].FallbackCode = fallbackCodes[i]
		}
	}
	return &Coordinator{
		directory:   dir,
		relay:       relay,
		logger:      logger,
		relockDelay: relockDelay,
		lockers:     lockers,
		timers:      make(map[int]*time.Timer),
	}
}

// Seed replaces the per-casier statuses from a cold-start snapshot. It is
// meant to run once before the first reconciliation, which supersedes it.
func (c *Coordinator) Seed(statuses []models.LockerStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, status := range statuses {
		if i >= len(c.lockers) {
			break
		}
		c.lockers[i].Status = status
		if status != models.StatusReserved {
			c.lockers[i].UserID = ""
		}
	}
}

// Status returns the two-state projection for the casier. Unknown indices
// read as not available.
func (c *Coordinator) Status(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.lockers) {
		return false
	}
	return c.lockers[index].Status.Available()
}

// DetailedStatus returns the tri-state status for the casier. Unknown indices
// read as free.
func (c *Coordinator) DetailedStatus(index int) models.LockerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.lockers) {
		return models.StatusFree
	}
	return c.lockers[index].Status
}

// Records returns a copy of the locker table.
func (c *Coordinator) Records() []models.LockerRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.LockerRecord, len(c.lockers))
	copy(out, c.lockers)
	return out
}

// Count returns the number of casiers.
func (c *Coordinator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lockers)
}

// Reserve transitions a free casier to reserved. A reservation is a resource
// grant, so the local flip is rolled back when the Directory push fails.
func (c *Coordinator) Reserve(ctx context.Context, index int) bool {
	c.mu.Lock()
	if index < 0 || index >= len(c.lockers) || c.lockers[index].Status != models.StatusFree {
		c.mu.Unlock()
		return false
	}

	c.lockers[index].Status = models.StatusReserved
	if !c.pushStatusLocked(ctx, index, models.StatusReserved) {
		c.lockers[index].Status = models.StatusFree
		c.mu.Unlock()
		c.logger.Warn("reservation rolled back, directory push failed", zap.Int("casier", index))
		return false
	}
	c.mu.Unlock()

	c.logger.Info("casier reserved", zap.Int("casier", index))
	c.notifyObserver()
	return true
}

// Release transitions a casier to free from any status. The local flip is
// never rolled back: a transient network error must not leave a casier
// appearing locked, and the next reconciliation corrects remote drift.
func (c *Coordinator) Release(ctx context.Context, index int) bool {
	c.mu.Lock()
	if index < 0 || index >= len(c.lockers) {
		c.mu.Unlock()
		return false
	}
	c.releaseLocked(ctx, index)
	c.mu.Unlock()

	c.logger.Info("casier released", zap.Int("casier", index))
	c.notifyObserver()
	return true
}

// Occupy transitions a reserved casier to occupied. Remote confirmation is
// required to report success; on push failure the casier stays reserved.
func (c *Coordinator) Occupy(ctx context.Context, index int) bool {
	c.mu.Lock()
	if index < 0 || index >= len(c.lockers) || c.lockers[index].Status != models.StatusReserved {
		c.mu.Unlock()
		return false
	}
	ok := c.occupyLocked(ctx, index)
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("occupation not confirmed by directory", zap.Int("casier", index))
		return false
	}
	c.logger.Info("casier occupied", zap.Int("casier", index))
	c.notifyObserver()
	return true
}

// VerifyAndUnlock checks the entered code against the casier's current
// status, and on success pulses the lock open and advances the state machine:
// reserved becomes occupied, occupied becomes free. An unlock attempt on a
// free casier is a caller bug and is rejected with zero side effects.
func (c *Coordinator) VerifyAndUnlock(ctx context.Context, index int, enteredCode string) bool {
	c.mu.Lock()
	if index < 0 || index >= len(c.lockers) {
		c.mu.Unlock()
		return false
	}

	rec := c.lockers[index]
	if rec.Status == models.StatusFree {
		c.mu.Unlock()
		c.logger.Warn("unlock attempt on free casier rejected", zap.Int("casier", index))
		return false
	}

	valid := c.checkCode(ctx, index, rec, enteredCode)
	if !valid {
		c.logUnlock(ctx, index, "unlock_failed", false, rec.Status)
		c.mu.Unlock()
		return false
	}

	c.logUnlock(ctx, index, "unlock", true, rec.Status)
	c.triggerOpeningLocked(index)

	switch rec.Status {
	case models.StatusReserved:
		if !c.occupyLocked(ctx, index) {
			c.logger.Warn("occupation push failed after unlock, awaiting reconciliation", zap.Int("casier", index))
		}
	case models.StatusOccupied:
		c.releaseLocked(ctx, index)
	}
	c.mu.Unlock()

	c.notifyObserver()
	return true
}

// TriggerPhysicalOpening pulses the relay open and arms the auto-relock
// timer. Arming replaces any timer already outstanding for the casier.
func (c *Coordinator) TriggerPhysicalOpening(index int) {
	c.mu.Lock()
	if index < 0 || index >= len(c.lockers) {
		c.mu.Unlock()
		return
	}
	c.triggerOpeningLocked(index)
	c.mu.Unlock()
}

// Reconcile fetches the full remote snapshot and replaces the local statuses
// from it. A failed fetch leaves local state untouched.
func (c *Coordinator) Reconcile(ctx context.Context) bool {
	if c.directory == nil {
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, directoryCallTimeout)
	defer cancel()
	records, err := c.directory.FetchAll(callCtx)
	if err != nil {
		c.logger.Warn("reconciliation fetch failed, keeping local state", zap.Error(err))
		return false
	}

	c.mu.Lock()
	for _, rec := range records {
		if rec.Index < 0 || rec.Index >= len(c.lockers) {
			continue
		}
		l := &c.lockers[rec.Index]
		l.Status = rec.Status
		if rec.RemoteID != "" {
			l.RemoteID = rec.RemoteID
		}
		// A user binding survives only while reserved; an occupied casier
		// must not retain a resolvable user locally.
		if rec.Status == models.StatusReserved {
			l.UserID = rec.UserID
		} else {
			l.UserID = ""
		}
	}
	c.mu.Unlock()

	c.logger.Debug("reconciled with directory", zap.Int("casiers", len(records)))
	c.notifyObserver()
	return true
}

// Run reconciles periodically until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	c.Reconcile(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Reconcile(ctx)
		}
	}
}

// SetFallbackCode replaces the local fallback code for a casier.
func (c *Coordinator) SetFallbackCode(index int, code string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.lockers) || code == "" {
		return false
	}
	c.lockers[index].FallbackCode = code
	return true
}

// FallbackCodes returns the fallback code per casier, for snapshotting.
func (c *Coordinator) FallbackCodes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	codes := make([]string, len(c.lockers))
	for i := range c.lockers {
		codes[i] = c.lockers[i].FallbackCode
	}
	return codes
}

// Statuses returns the status per casier, for snapshotting.
func (c *Coordinator) Statuses() []models.LockerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	statuses := make([]models.LockerStatus, len(c.lockers))
	for i := range c.lockers {
		statuses[i] = c.lockers[i].Status
	}
	return statuses
}

// Close cancels every outstanding relock timer. It must run before the relay
// channel is torn down.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for index, timer := range c.timers {
		timer.Stop()
		delete(c.timers, index)
	}
	c.logger.Info("relock timers cancelled")
}

func (c *Coordinator) releaseLocked(ctx context.Context, index int) {
	c.lockers[index].Status = models.StatusFree
	c.lockers[index].UserID = ""
	if !c.pushStatusLocked(ctx, index, models.StatusFree) {
		// Releasing is safety-directed: local state stays free and the next
		// reconciliation corrects the remote side.
		c.logger.Warn("release push failed, keeping casier free locally", zap.Int("casier", index))
	}
}

func (c *Coordinator) occupyLocked(ctx context.Context, index int) bool {
	if !c.pushStatusLocked(ctx, index, models.StatusOccupied) {
		return false
	}
	c.lockers[index].Status = models.StatusOccupied
	c.lockers[index].UserID = ""
	return true
}

func (c *Coordinator) pushStatusLocked(ctx context.Context, index int, status models.LockerStatus) bool {
	if c.directory == nil {
		return true
	}
	callCtx, cancel := context.WithTimeout(ctx, directoryCallTimeout)
	defer cancel()
	if err := c.directory.PushStatus(callCtx, index, status); err != nil {
		c.logger.Warn("directory push failed",
			zap.Int("casier", index), zap.String("statut", string(status)), zap.Error(err))
		return false
	}
	return true
}

func (c *Coordinator) checkCode(ctx context.Context, index int, rec models.LockerRecord, enteredCode string) bool {
	directoryUp := c.directory != nil && c.directory.IsConnected()

	callCtx, cancel := context.WithTimeout(ctx, directoryCallTimeout)
	defer cancel()

	switch rec.Status {
	case models.StatusReserved:
		if directoryUp {
			return c.directory.Verify(callCtx, index, enteredCode)
		}
		c.logger.Warn("directory unreachable, checking fallback code", zap.Int("casier", index))
		return rec.FallbackCode != "" && rec.FallbackCode == enteredCode
	case models.StatusOccupied:
		// The original reservation code stays valid for releasing an
		// occupied casier, as a safety net.
		if directoryUp && c.directory.Verify(callCtx, index, enteredCode) {
			return true
		}
		return rec.FallbackCode != "" && rec.FallbackCode == enteredCode
	}
	return false
}

func (c *Coordinator) triggerOpeningLocked(index int) {
	if timer, ok := c.timers[index]; ok {
		timer.Stop()
		delete(c.timers, index)
	}

	if c.relay != nil {
		c.relay.Open(index)
	} else {
		c.logger.Warn("no relay channel, open pulse skipped", zap.Int("casier", index))
	}

	idx := index
	c.timers[index] = startTimer(c.relockDelay, func() { c.autoRelock(idx) })
	c.logger.Info("auto-relock armed",
		zap.Int("casier", index), zap.Duration("delay", c.relockDelay))
}

// autoRelock fires when the relock delay elapses. It closes the lock
// unconditionally, without re-checking the casier status, and never blocks
// the timer goroutine on anything but the bounded relay publish.
func (c *Coordinator) autoRelock(index int) {
	c.mu.Lock()
	delete(c.timers, index)
	c.mu.Unlock()

	c.logger.Info("auto-relock fired", zap.Int("casier", index))
	if c.relay != nil {
		c.relay.Close(index)
	}
}

func (c *Coordinator) logUnlock(ctx context.Context, index int, kind string, codeUsed bool, prior models.LockerStatus) {
	c.logger.Info("unlock attempt",
		zap.Int("casier", index),
		zap.String("action", kind),
		zap.String("statut", string(prior)),
		zap.Bool("code_used", codeUsed))

	if c.directory == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, directoryCallTimeout)
	defer cancel()
	c.directory.LogAction(callCtx, index, kind, map[string]interface{}{
		"code_used": codeUsed,
		"statut":    string(prior),
	})
}
