package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"solary/internal/models"
)

type pushedStatus struct {
	index  int
	status models.LockerStatus
}

type loggedAction struct {
	index int
	kind  string
}

type fakeDirectory struct {
	mu           sync.Mutex
	connected    bool
	verifyResult bool
	pushErr      error
	fetchRecords []models.LockerRecord
	fetchErr     error

	pushes  []pushedStatus
	actions []loggedAction
}

func (f *fakeDirectory) FetchAll(ctx context.Context) ([]models.LockerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]models.LockerRecord, len(f.fetchRecords))
	copy(out, f.fetchRecords)
	return out, nil
}

func (f *fakeDirectory) PushStatus(ctx context.Context, index int, status models.LockerStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushes = append(f.pushes, pushedStatus{index: index, status: status})
	return nil
}

func (f *fakeDirectory) Verify(ctx context.Context, index int, code string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyResult
}

func (f *fakeDirectory) LogAction(ctx context.Context, index int, kind string, details map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, loggedAction{index: index, kind: kind})
}

func (f *fakeDirectory) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeDirectory) pushed() []pushedStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pushedStatus, len(f.pushes))
	copy(out, f.pushes)
	return out
}

func (f *fakeDirectory) logged() []loggedAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]loggedAction, len(f.actions))
	copy(out, f.actions)
	return out
}

type fakeRelay struct {
	mu        sync.Mutex
	connected bool
	opens     []int
	closes    []int
}

func (f *fakeRelay) Open(index int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, index)
	return f.connected
}

func (f *fakeRelay) Close(index int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, index)
	return f.connected
}

func (f *fakeRelay) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeRelay) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opens)
}

func (f *fakeRelay) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closes)
}

// timerRecorder swaps startTimer so tests fire relock timers by hand instead
// of waiting out the delay. Returned timers are parked an hour away.
type timerRecorder struct {
	mu     sync.Mutex
	timers []*time.Timer
	fns    []func()
}

func installTimerRecorder(t *testing.T) *timerRecorder {
	r := &timerRecorder{}
	orig := startTimer
	startTimer = func(d time.Duration, fn func()) *time.Timer {
		r.mu.Lock()
		defer r.mu.Unlock()
		timer := time.AfterFunc(time.Hour, fn)
		r.timers = append(r.timers, timer)
		r.fns = append(r.fns, fn)
		return timer
	}
	t.Cleanup(func() {
		startTimer = orig
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, timer := range r.timers {
			timer.Stop()
		}
	})
	return r
}

func (r *timerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fns)
}

func (r *timerRecorder) fire(i int) {
	r.mu.Lock()
	fn := r.fns[i]
	r.mu.Unlock()
	fn()
}

func (r *timerRecorder) timerAt(i int) *time.Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timers[i]
}

func newTestCoordinator(t *testing.T, dir Directory, rly Relay) *Coordinator {
	t.Helper()
	c := NewCoordinator(2, []string{"1234", "5678"}, dir, rly, 20*time.Second, zap.NewNop())
	t.Cleanup(c.Close)
	return c
}

func TestDetailedStatusAlwaysDefined(t *testing.T) {
	c := newTestCoordinator(t, nil, nil)

	for _, index := range []int{-1, 0, 1, 2, 99} {
		status := c.DetailedStatus(index)
		switch status {
		case models.StatusFree, models.StatusReserved, models.StatusOccupied:
		default:
			t.Fatalf("casier %d has undefined status %q", index, status)
		}
	}
	if c.Status(-1) || c.Status(99) {
		t.Fatal("out-of-range casier must read as not available")
	}
}

func TestReserveRollsBackOnPushFailure(t *testing.T) {
	dir := &fakeDirectory{connected: true, pushErr: errors.New("network down")}
	rly := &fakeRelay{connected: true}
	c := newTestCoordinator(t, dir, rly)

	if c.Reserve(context.Background(), 0) {
		t.Fatal("reserve must fail when the directory push fails")
	}
	if got := c.DetailedStatus(0); got != models.StatusFree {
		t.Fatalf("expected rollback to libre, got %q", got)
	}
	if rly.openCount() != 0 || rly.closeCount() != 0 {
		t.Fatal("no relay pulse expected during a failed reserve")
	}
}

func TestReserveRejectsNonFree(t *testing.T) {
	dir := &fakeDirectory{connected: true}
	c := newTestCoordinator(t, dir, nil)

	c.Seed([]models.LockerStatus{models.StatusReserved, models.StatusOccupied})
	if c.Reserve(context.Background(), 0) {
		t.Fatal("reserve on a reserved casier must fail")
	}
	if c.Reserve(context.Background(), 1) {
		t.Fatal("reserve on an occupied casier must fail")
	}
	if c.DetailedStatus(0) != models.StatusReserved || c.DetailedStatus(1) != models.StatusOccupied {
		t.Fatal("failed reserve must leave state unchanged")
	}
	if len(dir.pushed()) != 0 {
		t.Fatal("no remote push expected for a rejected reserve")
	}
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	dir := &fakeDirectory{connected: true}
	c := newTestCoordinator(t, dir, nil)

	if !c.Reserve(context.Background(), 1) {
		t.Fatal("reserve failed")
	}
	if !c.Release(context.Background(), 1) {
		t.Fatal("release failed")
	}
	if got := c.DetailedStatus(1); got != models.StatusFree {
		t.Fatalf("expected libre after round trip, got %q", got)
	}

	pushes := dir.pushed()
	if len(pushes) != 2 {
		t.Fatalf("expected 2 pushes, got %d", len(pushes))
	}
	if pushes[1].status != models.StatusFree || pushes[1].index != 1 {
		t.Fatalf("expected free push for casier 1, got %+v", pushes[1])
	}
}

func TestReleaseKeepsLocalFreeOnPushFailure(t *testing.T) {
	dir := &fakeDirectory{connected: true}
	c := newTestCoordinator(t, dir, nil)
	c.Seed([]models.LockerStatus{models.StatusOccupied, models.StatusFree})

	dir.mu.Lock()
	dir.pushErr = errors.New("network down")
	dir.mu.Unlock()

	if !c.Release(context.Background(), 0) {
		t.Fatal("release must succeed even when the push fails")
	}
	if got := c.DetailedStatus(0); got != models.StatusFree {
		t.Fatalf("release must never roll back, got %q", got)
	}
}

func TestUnlockReservedBecomesOccupied(t *testing.T) {
	timers := installTimerRecorder(t)
	dir := &fakeDirectory{connected: true, verifyResult: true}
	rly := &fakeRelay{connected: true}
	c := newTestCoordinator(t, dir, rly)
	c.Seed([]models.LockerStatus{models.StatusReserved, models.StatusFree})

	if !c.VerifyAndUnlock(context.Background(), 0, "9999") {
		t.Fatal("unlock with verified code must succeed")
	}
	if got := c.DetailedStatus(0); got != models.StatusOccupied {
		t.Fatalf("expected occupe after first unlock, got %q", got)
	}
	if rly.openCount() != 1 {
		t.Fatalf("expected exactly one open pulse, got %d", rly.openCount())
	}
	if rly.closeCount() != 0 {
		t.Fatal("close pulse must wait for the relock timer")
	}

	timers.fire(0)
	if rly.closeCount() != 1 {
		t.Fatalf("expected exactly one close pulse after relock, got %d", rly.closeCount())
	}

	logs := dir.logged()
	if len(logs) != 1 || logs[0].kind != "unlock" {
		t.Fatalf("expected one unlock audit entry, got %+v", logs)
	}
}

func TestUnlockOccupiedBecomesFree(t *testing.T) {
	installTimerRecorder(t)
	dir := &fakeDirectory{connected: true, verifyResult: true}
	rly := &fakeRelay{connected: true}
	c := newTestCoordinator(t, dir, rly)
	c.Seed([]models.LockerStatus{models.StatusOccupied, models.StatusFree})

	if !c.VerifyAndUnlock(context.Background(), 0, "9999") {
		t.Fatal("unlock of an occupied casier with a valid code must succeed")
	}
	if got := c.DetailedStatus(0); got != models.StatusFree {
		t.Fatalf("expected libre after release unlock, got %q", got)
	}
}

func TestUnlockWrongCodeNoStateChange(t *testing.T) {
	installTimerRecorder(t)
	dir := &fakeDirectory{connected: true, verifyResult: false}
	rly := &fakeRelay{connected: true}
	c := newTestCoordinator(t, dir, rly)
	c.Seed([]models.LockerStatus{models.StatusReserved, models.StatusFree})

	if c.VerifyAndUnlock(context.Background(), 0, "0000") {
		t.Fatal("unlock with a wrong code must fail")
	}
	if got := c.DetailedStatus(0); got != models.StatusReserved {
		t.Fatalf("state must be unchanged after a failed unlock, got %q", got)
	}
	if rly.openCount() != 0 {
		t.Fatal("no relay pulse expected on a failed unlock")
	}

	logs := dir.logged()
	if len(logs) != 1 || logs[0].kind != "unlock_failed" {
		t.Fatalf("expected one unlock_failed audit entry, got %+v", logs)
	}
}

func TestUnlockFreeCasierZeroSideEffects(t *testing.T) {
	timers := installTimerRecorder(t)
	dir := &fakeDirectory{connected: true, verifyResult: true}
	rly := &fakeRelay{connected: true}
	c := newTestCoordinator(t, dir, rly)

	if c.VerifyAndUnlock(context.Background(), 0, "1234") {
		t.Fatal("unlock of a free casier must be rejected")
	}
	if got := c.DetailedStatus(0); got != models.StatusFree {
		t.Fatalf("state must be unchanged, got %q", got)
	}
	if rly.openCount() != 0 || timers.count() != 0 {
		t.Fatal("no physical side effect expected")
	}
	if len(dir.logged()) != 0 {
		t.Fatal("no audit entry expected for a free-casier rejection")
	}
}

func TestUnlockFallsBackWhenDirectoryUnreachable(t *testing.T) {
	installTimerRecorder(t)
	dir := &fakeDirectory{connected: false}
	rly := &fakeRelay{connected: true}
	c := newTestCoordinator(t, dir, rly)
	c.Seed([]models.LockerStatus{models.StatusReserved, models.StatusFree})

	if c.VerifyAndUnlock(context.Background(), 0, "0000") {
		t.Fatal("wrong fallback code must be rejected")
	}
	if !c.VerifyAndUnlock(context.Background(), 0, "1234") {
		t.Fatal("fallback code must unlock when the directory is unreachable")
	}
}

func TestUnlockOccupiedAcceptsFallbackAfterVerifyFailure(t *testing.T) {
	installTimerRecorder(t)
	dir := &fakeDirectory{connected: true, verifyResult: false}
	rly := &fakeRelay{connected: true}
	c := newTestCoordinator(t, dir, rly)
	c.Seed([]models.LockerStatus{models.StatusFree, models.StatusOccupied})

	if !c.VerifyAndUnlock(context.Background(), 1, "5678") {
		t.Fatal("fallback code must release an occupied casier when verify fails")
	}
	if got := c.DetailedStatus(1); got != models.StatusFree {
		t.Fatalf("expected libre after fallback release, got %q", got)
	}
}

func TestRelockRearmKeepsSingleTimer(t *testing.T) {
	timers := installTimerRecorder(t)
	dir := &fakeDirectory{connected: true, verifyResult: true}
	rly := &fakeRelay{connected: true}
	c := newTestCoordinator(t, dir, rly)
	c.Seed([]models.LockerStatus{models.StatusReserved, models.StatusFree})

	if !c.VerifyAndUnlock(context.Background(), 0, "9999") {
		t.Fatal("first unlock failed")
	}
	if !c.VerifyAndUnlock(context.Background(), 0, "9999") {
		t.Fatal("second unlock failed")
	}

	if timers.count() != 2 {
		t.Fatalf("expected 2 armed timers, got %d", timers.count())
	}
	if timers.timerAt(0).Stop() {
		t.Fatal("first timer should already be cancelled by the re-arm")
	}
	if !timers.timerAt(1).Stop() {
		t.Fatal("second timer should still be live")
	}

	timers.fire(1)
	if rly.closeCount() != 1 {
		t.Fatalf("expected exactly one close pulse, got %d", rly.closeCount())
	}
}

func TestReconcileAppliesRemoteSnapshot(t *testing.T) {
	dir := &fakeDirectory{connected: true}
	c := newTestCoordinator(t, dir, nil)

	dir.mu.Lock()
	dir.fetchRecords = []models.LockerRecord{
		{Index: 0, Status: models.StatusReserved, UserID: "user-7", RemoteID: "cas-a"},
		{Index: 1, Status: models.StatusOccupied, UserID: "user-8", RemoteID: "cas-b"},
	}
	dir.mu.Unlock()

	if !c.Reconcile(context.Background()) {
		t.Fatal("reconcile must succeed when the fetch does")
	}

	records := c.Records()
	if records[0].Status != models.StatusReserved || records[0].UserID != "user-7" {
		t.Fatalf("reserved casier not applied: %+v", records[0])
	}
	if records[0].RemoteID != "cas-a" {
		t.Fatalf("remote id not learned: %+v", records[0])
	}
	if records[1].Status != models.StatusOccupied {
		t.Fatalf("occupied casier not applied: %+v", records[1])
	}
	if records[1].UserID != "" {
		t.Fatal("an occupied casier must not retain a user binding")
	}
}

func TestReconcileFailureKeepsLocalState(t *testing.T) {
	dir := &fakeDirectory{connected: true}
	c := newTestCoordinator(t, dir, nil)
	c.Seed([]models.LockerStatus{models.StatusReserved, models.StatusFree})

	dir.mu.Lock()
	dir.fetchErr = errors.New("network down")
	dir.mu.Unlock()

	before := c.Records()
	if c.Reconcile(context.Background()) {
		t.Fatal("reconcile must report failure when the fetch fails")
	}
	after := c.Records()
	for i := range before {
		if before[i].Status != after[i].Status {
			t.Fatalf("casier %d regressed from %q to %q", i, before[i].Status, after[i].Status)
		}
	}
}

func TestLocalOnlyMode(t *testing.T) {
	installTimerRecorder(t)
	c := newTestCoordinator(t, nil, nil)

	if !c.Reserve(context.Background(), 0) {
		t.Fatal("reserve must succeed without a directory")
	}
	if !c.VerifyAndUnlock(context.Background(), 0, "1234") {
		t.Fatal("fallback code must unlock in local-only mode")
	}
	if got := c.DetailedStatus(0); got != models.StatusOccupied {
		t.Fatalf("expected occupe, got %q", got)
	}
	if c.Reconcile(context.Background()) {
		t.Fatal("reconcile must report failure without a directory")
	}
}

func TestObserverNotified(t *testing.T) {
	dir := &fakeDirectory{connected: true}
	c := newTestCoordinator(t, dir, nil)

	var mu sync.Mutex
	fired := 0
	c.RegisterObserver(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	c.Reserve(context.Background(), 0)
	c.Release(context.Background(), 0)
	c.Reconcile(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if fired != 3 {
		t.Fatalf("expected 3 notifications, got %d", fired)
	}
}

func TestSetFallbackCode(t *testing.T) {
	installTimerRecorder(t)
	c := newTestCoordinator(t, nil, nil)
	c.Seed([]models.LockerStatus{models.StatusReserved, models.StatusFree})

	if !c.SetFallbackCode(0, "4321") {
		t.Fatal("setting a fallback code failed")
	}
	if c.SetFallbackCode(5, "0000") {
		t.Fatal("out-of-range casier must be rejected")
	}
	if c.VerifyAndUnlock(context.Background(), 0, "1234") {
		t.Fatal("old fallback code must no longer unlock")
	}
	if !c.VerifyAndUnlock(context.Background(), 0, "4321") {
		t.Fatal("new fallback code must unlock")
	}
}
