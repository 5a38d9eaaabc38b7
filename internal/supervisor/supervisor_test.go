package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	coreconfig "github.com/meep1w/pocketbot/core/config"
	"github.com/meep1w/pocketbot/internal/model"
	"github.com/meep1w/pocketbot/internal/repository"
)

type fakeTenantRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*model.Tenant
}

func newFakeTenantRepo(tenants ...*model.Tenant) *fakeTenantRepo {
	r := &fakeTenantRepo{rows: make(map[int64]*model.Tenant), nextID: 1}
	for _, t := range tenants {
		cp := *t
		if cp.ID == 0 {
			cp.ID = r.nextID
		}
		if cp.ID >= r.nextID {
			r.nextID = cp.ID + 1
		}
		r.rows[cp.ID] = &cp
	}
	return r
}

func (r *fakeTenantRepo) Create(ctx context.Context, t *model.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.BotToken == t.BotToken {
			return repository.ErrDuplicate
		}
	}
	t.ID = r.nextID
	r.nextID++
	cp := *t
	r.rows[cp.ID] = &cp
	return nil
}

func (r *fakeTenantRepo) GetByID(ctx context.Context, id int64) (*model.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *fakeTenantRepo) ListSupervisable(ctx context.Context) ([]*model.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Tenant
	for id := int64(1); id < r.nextID; id++ {
		row, ok := r.rows[id]
		if !ok || !row.Status.Supervisable() {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeTenantRepo) UpdateStatus(ctx context.Context, id int64, status model.TenantStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	row.Status = status
	return nil
}

func (r *fakeTenantRepo) SetCrashState(ctx context.Context, id int64, count int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	row.CrashCount = count
	row.LastCrashAt = &at
	return nil
}

func (r *fakeTenantRepo) status(id int64) model.TenantStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return ""
	}
	return row.Status
}

func (r *fakeTenantRepo) crashCount(id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return 0
	}
	return row.CrashCount
}

// fakeWorker runs nothing. Start blocks on release when set, and the test
// drives exits through exit.
type fakeWorker struct {
	startErr error
	release  chan struct{}
	done     chan error

	mu     sync.Mutex
	ctx    context.Context
	stops  int
	exited bool
	sent   []string
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{done: make(chan error, 1)}
}

func (w *fakeWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()
	if w.release != nil {
		select {
		case <-w.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return w.startErr
}

func (w *fakeWorker) Stop() {
	w.mu.Lock()
	w.stops++
	w.mu.Unlock()
	w.exit(nil)
}

func (w *fakeWorker) Done() <-chan error { return w.done }

func (w *fakeWorker) Send(chatID int64, payload string) error {
	w.mu.Lock()
	w.sent = append(w.sent, payload)
	w.mu.Unlock()
	return nil
}

func (w *fakeWorker) exit(err error) {
	w.mu.Lock()
	if w.exited {
		w.mu.Unlock()
		return
	}
	w.exited = true
	w.mu.Unlock()
	if err != nil {
		w.done <- err
	}
	close(w.done)
}

func (w *fakeWorker) stopCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stops
}

func (w *fakeWorker) startCtx() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ctx
}

type fakeFactory struct {
	mu      sync.Mutex
	build   func(i int) *fakeWorker
	err     error
	workers []*fakeWorker
}

func (f *fakeFactory) New(t *model.Tenant) (Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	w := newFakeWorker()
	if f.build != nil {
		w = f.build(len(f.workers))
	}
	f.workers = append(f.workers, w)
	return w, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workers)
}

func (f *fakeFactory) worker(i int) *fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.workers) {
		return nil
	}
	return f.workers[i]
}

func testConfig() coreconfig.SupervisorConfig {
	return coreconfig.SupervisorConfig{
		CheckIntervalSeconds: 1,
		CrashThreshold:       3,
		CrashWindowSeconds:   600,
		StopTimeoutSeconds:   1,
	}
}

func startSupervisor(t *testing.T, repo *fakeTenantRepo, factory WorkerFactory) *Supervisor {
	return startSupervisorWith(t, repo, newFakeMembershipRepo(), factory)
}

func startSupervisorWith(t *testing.T, repo *fakeTenantRepo, membership *fakeMembershipRepo, factory WorkerFactory) *Supervisor {
	t.Helper()
	sup := New(testConfig(), repo, membership, factory)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = sup.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(3 * time.Second):
			t.Error("supervisor did not stop in time")
		}
	})
	return sup
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func supervised(t *testing.T, sup *Supervisor, id int64) {
	t.Helper()
	waitFor(t, "tenant tracked", func() bool {
		_, ok := sup.Status(id)
		return ok
	})
}

func statusIs(sup *Supervisor, id int64, want model.TenantStatus) func() bool {
	return func() bool {
		st, ok := sup.Status(id)
		return ok && st == want
	}
}

func TestFirstMembershipStartsWorker(t *testing.T) {
	repo := newFakeTenantRepo(&model.Tenant{OwnerTGID: 100, BotToken: "a:1", Status: model.StatusRegistered})
	factory := &fakeFactory{}
	sup := startSupervisor(t, repo, factory)
	supervised(t, sup, 1)

	// A negative observation keeps a registered tenant dormant.
	sup.OnMembershipChange(100, false)
	time.Sleep(50 * time.Millisecond)
	if st, _ := sup.Status(1); st != model.StatusRegistered {
		t.Fatalf("status after member=false: %s, want registered", st)
	}
	if factory.count() != 0 {
		t.Fatalf("workers built: %d, want 0", factory.count())
	}

	sup.OnMembershipChange(100, true)
	waitFor(t, "running", statusIs(sup, 1, model.StatusRunning))
	if factory.count() != 1 {
		t.Fatalf("workers built: %d, want 1", factory.count())
	}
	if got := repo.status(1); got != model.StatusRunning {
		t.Fatalf("persisted status: %s, want running", got)
	}
	if _, ok := sup.SenderFor(1); !ok {
		t.Fatal("no sender for running tenant")
	}
}

func TestOwnerLeaveStopsWorkerOnce(t *testing.T) {
	repo := newFakeTenantRepo(&model.Tenant{OwnerTGID: 100, BotToken: "a:1", Status: model.StatusRegistered})
	factory := &fakeFactory{}
	sup := startSupervisor(t, repo, factory)
	supervised(t, sup, 1)

	sup.OnMembershipChange(100, true)
	waitFor(t, "running", statusIs(sup, 1, model.StatusRunning))

	sup.OnMembershipChange(100, false)
	waitFor(t, "paused", statusIs(sup, 1, model.StatusPaused))
	if got := repo.status(1); got != model.StatusPaused {
		t.Fatalf("persisted status: %s, want paused", got)
	}
	if n := factory.worker(0).stopCount(); n != 1 {
		t.Fatalf("stop calls: %d, want 1", n)
	}
	if _, ok := sup.SenderFor(1); ok {
		t.Fatal("sender still exposed after pause")
	}

	// Rejoin brings the tenant back with a fresh worker.
	sup.OnMembershipChange(100, true)
	waitFor(t, "running again", statusIs(sup, 1, model.StatusRunning))
	if factory.count() != 2 {
		t.Fatalf("workers built: %d, want 2", factory.count())
	}
}

func TestFlipsDuringStartAreCoalesced(t *testing.T) {
	release := make(chan struct{})
	repo := newFakeTenantRepo(&model.Tenant{OwnerTGID: 100, BotToken: "a:1", Status: model.StatusRegistered})
	factory := &fakeFactory{build: func(i int) *fakeWorker {
		w := newFakeWorker()
		if i == 0 {
			w.release = release
		}
		return w
	}}
	sup := startSupervisor(t, repo, factory)
	supervised(t, sup, 1)

	sup.OnMembershipChange(100, true)
	waitFor(t, "starting", statusIs(sup, 1, model.StatusStarting))

	// Leave and rejoin land while the start is still in flight; the desired
	// state at completion is "member", so nothing extra happens.
	sup.OnMembershipChange(100, false)
	sup.OnMembershipChange(100, true)
	close(release)

	waitFor(t, "running", statusIs(sup, 1, model.StatusRunning))
	time.Sleep(50 * time.Millisecond)
	if st, _ := sup.Status(1); st != model.StatusRunning {
		t.Fatalf("status settled at %s, want running", st)
	}
	if factory.count() != 1 {
		t.Fatalf("workers built: %d, want 1", factory.count())
	}
}

func TestLeaveDuringStartReconcilesToPaused(t *testing.T) {
	release := make(chan struct{})
	repo := newFakeTenantRepo(&model.Tenant{OwnerTGID: 100, BotToken: "a:1", Status: model.StatusRegistered})
	factory := &fakeFactory{build: func(i int) *fakeWorker {
		w := newFakeWorker()
		w.release = release
		return w
	}}
	sup := startSupervisor(t, repo, factory)
	supervised(t, sup, 1)

	sup.OnMembershipChange(100, true)
	waitFor(t, "starting", statusIs(sup, 1, model.StatusStarting))
	sup.OnMembershipChange(100, false)
	close(release)

	waitFor(t, "paused", statusIs(sup, 1, model.StatusPaused))
	if n := factory.worker(0).stopCount(); n == 0 {
		t.Fatal("worker started against a departed owner was not stopped")
	}
}

func TestStartFailureMarksError(t *testing.T) {
	repo := newFakeTenantRepo(&model.Tenant{OwnerTGID: 100, BotToken: "a:1", Status: model.StatusRegistered})
	factory := &fakeFactory{build: func(i int) *fakeWorker {
		w := newFakeWorker()
		w.startErr = errors.New("unauthorized")
		return w
	}}
	sup := startSupervisor(t, repo, factory)
	supervised(t, sup, 1)

	sup.OnMembershipChange(100, true)
	waitFor(t, "error", statusIs(sup, 1, model.StatusError))
	if got := repo.status(1); got != model.StatusError {
		t.Fatalf("persisted status: %s, want error", got)
	}

	// Errored tenants need operator action; membership alone does not revive them.
	sup.OnMembershipChange(100, true)
	time.Sleep(50 * time.Millisecond)
	if st, _ := sup.Status(1); st != model.StatusError {
		t.Fatalf("status after retry: %s, want error", st)
	}
	if factory.count() != 1 {
		t.Fatalf("workers built: %d, want 1", factory.count())
	}
}

func TestCrashLoopEndsInError(t *testing.T) {
	repo := newFakeTenantRepo(&model.Tenant{OwnerTGID: 100, BotToken: "a:1", Status: model.StatusRegistered})
	factory := &fakeFactory{}
	sup := startSupervisor(t, repo, factory)
	supervised(t, sup, 1)

	sup.OnMembershipChange(100, true)
	waitFor(t, "running", statusIs(sup, 1, model.StatusRunning))

	// Two crashes inside the window restart; the third trips the threshold.
	for i := 0; i < 2; i++ {
		factory.worker(i).exit(errors.New("boom"))
		waitFor(t, "restarted", func() bool {
			return factory.count() == i+2 && statusIs(sup, 1, model.StatusRunning)()
		})
	}
	factory.worker(2).exit(errors.New("boom"))
	waitFor(t, "error after crash loop", statusIs(sup, 1, model.StatusError))

	if factory.count() != 3 {
		t.Fatalf("workers built: %d, want 3", factory.count())
	}
	if got := repo.crashCount(1); got != 3 {
		t.Fatalf("persisted crash count: %d, want 3", got)
	}
	if got := repo.status(1); got != model.StatusError {
		t.Fatalf("persisted status: %s, want error", got)
	}
}

func TestRevokeRunningTenant(t *testing.T) {
	repo := newFakeTenantRepo(&model.Tenant{OwnerTGID: 100, BotToken: "a:1", Status: model.StatusRegistered})
	factory := &fakeFactory{}
	sup := startSupervisor(t, repo, factory)
	supervised(t, sup, 1)

	sup.OnMembershipChange(100, true)
	waitFor(t, "running", statusIs(sup, 1, model.StatusRunning))

	sup.Revoke(1)
	waitFor(t, "stopped", func() bool { return repo.status(1) == model.StatusStopped })
	if n := factory.worker(0).stopCount(); n != 1 {
		t.Fatalf("stop calls: %d, want 1", n)
	}
	if _, ok := sup.SenderFor(1); ok {
		t.Fatal("sender still exposed after revoke")
	}

	// A revoked tenant is gone; later membership flips are no-ops.
	sup.OnMembershipChange(100, true)
	time.Sleep(50 * time.Millisecond)
	if factory.count() != 1 {
		t.Fatalf("workers built: %d, want 1", factory.count())
	}
}

func TestRevokeDuringStartStopsLateWorker(t *testing.T) {
	release := make(chan struct{})
	repo := newFakeTenantRepo(&model.Tenant{OwnerTGID: 100, BotToken: "a:1", Status: model.StatusRegistered})
	factory := &fakeFactory{build: func(i int) *fakeWorker {
		w := newFakeWorker()
		w.release = release
		return w
	}}
	sup := startSupervisor(t, repo, factory)
	supervised(t, sup, 1)

	sup.OnMembershipChange(100, true)
	waitFor(t, "starting", statusIs(sup, 1, model.StatusStarting))
	sup.Revoke(1)
	close(release)

	waitFor(t, "stopped", func() bool { return repo.status(1) == model.StatusStopped })
	waitFor(t, "worker stopped", func() bool { return factory.worker(0).stopCount() > 0 })
}

func TestRegisterFeedsNewTenant(t *testing.T) {
	repo := newFakeTenantRepo()
	factory := &fakeFactory{}
	sup := startSupervisor(t, repo, factory)

	tenant := &model.Tenant{OwnerTGID: 200, BotToken: "b:2", Status: model.StatusRegistered}
	if err := repo.Create(context.Background(), tenant); err != nil {
		t.Fatal(err)
	}
	sup.Register(tenant)
	supervised(t, sup, tenant.ID)

	sup.OnMembershipChange(200, true)
	waitFor(t, "running", statusIs(sup, tenant.ID, model.StatusRunning))
}

func TestLoadResumesRunningTenantOfMemberOwner(t *testing.T) {
	repo := newFakeTenantRepo(&model.Tenant{OwnerTGID: 100, BotToken: "a:1", Status: model.StatusRunning})
	membership := newFakeMembershipRepo()
	membership.recs[100] = model.MembershipRecord{OwnerTGID: 100, IsMember: true, CheckedAt: time.Now().UTC()}
	factory := &fakeFactory{}
	sup := startSupervisorWith(t, repo, membership, factory)

	// The stored observation says the owner never left; no flip event will
	// ever arrive, so the load itself must bring the tenant back.
	waitFor(t, "running after restart", statusIs(sup, 1, model.StatusRunning))
	if factory.count() != 1 {
		t.Fatalf("workers built: %d, want 1", factory.count())
	}
	if got := repo.status(1); got != model.StatusRunning {
		t.Fatalf("persisted status: %s, want running", got)
	}
}

func TestLoadKeepsPausedTenantOfDepartedOwner(t *testing.T) {
	repo := newFakeTenantRepo(&model.Tenant{OwnerTGID: 100, BotToken: "a:1", Status: model.StatusRunning})
	membership := newFakeMembershipRepo()
	membership.recs[100] = model.MembershipRecord{OwnerTGID: 100, IsMember: false, CheckedAt: time.Now().UTC()}
	factory := &fakeFactory{}
	sup := startSupervisorWith(t, repo, membership, factory)
	supervised(t, sup, 1)

	time.Sleep(50 * time.Millisecond)
	if st, _ := sup.Status(1); st != model.StatusPaused {
		t.Fatalf("status after restart: %s, want paused", st)
	}
	if factory.count() != 0 {
		t.Fatalf("workers built: %d, want 0", factory.count())
	}
}

func TestRegisterSeedsStoredMembership(t *testing.T) {
	repo := newFakeTenantRepo()
	membership := newFakeMembershipRepo()
	membership.recs[200] = model.MembershipRecord{OwnerTGID: 200, IsMember: true, CheckedAt: time.Now().UTC()}
	factory := &fakeFactory{}
	sup := startSupervisorWith(t, repo, membership, factory)

	// A second bot of an owner already recorded as a member sees no flip;
	// registration seeds the stored state and starts right away.
	tenant := &model.Tenant{OwnerTGID: 200, BotToken: "b:2", Status: model.StatusRegistered}
	if err := repo.Create(context.Background(), tenant); err != nil {
		t.Fatal(err)
	}
	sup.Register(tenant)
	waitFor(t, "running", statusIs(sup, tenant.ID, model.StatusRunning))
	if factory.count() != 1 {
		t.Fatalf("workers built: %d, want 1", factory.count())
	}
}

func TestCrashRestartReleasesPreviousContext(t *testing.T) {
	repo := newFakeTenantRepo(&model.Tenant{OwnerTGID: 100, BotToken: "a:1", Status: model.StatusRegistered})
	factory := &fakeFactory{}
	sup := startSupervisor(t, repo, factory)
	supervised(t, sup, 1)

	sup.OnMembershipChange(100, true)
	waitFor(t, "running", statusIs(sup, 1, model.StatusRunning))

	factory.worker(0).exit(errors.New("boom"))
	waitFor(t, "restarted", func() bool {
		return factory.count() == 2 && statusIs(sup, 1, model.StatusRunning)()
	})

	select {
	case <-factory.worker(0).startCtx().Done():
	default:
		t.Fatal("previous start context still live after crash restart")
	}
}

func TestLoadFoldsInFlightStatuses(t *testing.T) {
	repo := newFakeTenantRepo(
		&model.Tenant{ID: 1, OwnerTGID: 100, BotToken: "a:1", Status: model.StatusStarting},
		&model.Tenant{ID: 2, OwnerTGID: 101, BotToken: "b:2", Status: model.StatusStopping},
		&model.Tenant{ID: 3, OwnerTGID: 102, BotToken: "c:3", Status: model.StatusRunning},
	)
	factory := &fakeFactory{}
	sup := startSupervisor(t, repo, factory)
	for _, id := range []int64{1, 2, 3} {
		supervised(t, sup, id)
	}

	want := map[int64]model.TenantStatus{
		1: model.StatusRegistered,
		2: model.StatusPaused,
		3: model.StatusPaused,
	}
	for id, st := range want {
		if got, _ := sup.Status(id); got != st {
			t.Fatalf("tenant %d loaded as %s, want %s", id, got, st)
		}
		if got := repo.status(id); got != st {
			t.Fatalf("tenant %d persisted as %s, want %s", id, got, st)
		}
	}
}
