package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meep1w/pocketbot/internal/model"
	"github.com/meep1w/pocketbot/internal/repository"
)

type fakeChecker struct {
	mu      sync.Mutex
	members map[int64]bool
	errs    map[int64]error
	calls   int
}

func (c *fakeChecker) IsMember(ctx context.Context, userID int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err := c.errs[userID]; err != nil {
		return false, err
	}
	return c.members[userID], nil
}

func (c *fakeChecker) set(userID int64, member bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.members == nil {
		c.members = make(map[int64]bool)
	}
	if c.errs == nil {
		c.errs = make(map[int64]error)
	}
	c.members[userID] = member
	if err != nil {
		c.errs[userID] = err
	} else {
		delete(c.errs, userID)
	}
}

type fakeMembershipRepo struct {
	mu   sync.Mutex
	recs map[int64]model.MembershipRecord
}

func newFakeMembershipRepo() *fakeMembershipRepo {
	return &fakeMembershipRepo{recs: make(map[int64]model.MembershipRecord)}
}

func (r *fakeMembershipRepo) Get(ctx context.Context, ownerTGID int64) (*model.MembershipRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[ownerTGID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := rec
	return &cp, nil
}

func (r *fakeMembershipRepo) Upsert(ctx context.Context, rec *model.MembershipRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs[rec.OwnerTGID] = *rec
	return nil
}

func (r *fakeMembershipRepo) record(ownerTGID int64) (model.MembershipRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[ownerTGID]
	return rec, ok
}

type sinkEvent struct {
	ownerTGID int64
	member    bool
}

type fakeSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *fakeSink) OnMembershipChange(ownerTGID int64, becameMember bool) {
	s.mu.Lock()
	s.events = append(s.events, sinkEvent{ownerTGID: ownerTGID, member: becameMember})
	s.mu.Unlock()
}

func (s *fakeSink) all() []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkEvent, len(s.events))
	copy(out, s.events)
	return out
}

func newTestMonitor(repo *fakeTenantRepo, checker *fakeChecker, membership *fakeMembershipRepo, sink *fakeSink) *Monitor {
	return NewMonitor(testConfig(), checker, repo, membership, sink)
}

func TestSweepRecordsAndEmitsFirstSeenMember(t *testing.T) {
	repo := newFakeTenantRepo(
		&model.Tenant{OwnerTGID: 100, BotToken: "a:1", Status: model.StatusRegistered},
		&model.Tenant{OwnerTGID: 200, BotToken: "b:2", Status: model.StatusRegistered},
	)
	checker := &fakeChecker{}
	checker.set(100, true, nil)
	checker.set(200, false, nil)
	membership := newFakeMembershipRepo()
	sink := &fakeSink{}
	mon := newTestMonitor(repo, checker, membership, sink)

	owners, err := mon.CheckAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if owners != 2 {
		t.Fatalf("owners checked: %d, want 2", owners)
	}

	// Both observations are stored, but only the positive one is an event:
	// a first-seen non-member is already in its desired state.
	if rec, ok := membership.record(100); !ok || !rec.IsMember {
		t.Fatalf("record for 100: %+v ok=%v, want member", rec, ok)
	}
	if rec, ok := membership.record(200); !ok || rec.IsMember {
		t.Fatalf("record for 200: %+v ok=%v, want non-member", rec, ok)
	}
	events := sink.all()
	if len(events) != 1 || events[0] != (sinkEvent{ownerTGID: 100, member: true}) {
		t.Fatalf("events: %+v, want single join for 100", events)
	}
}

func TestSweepEmitsOnlyOnChange(t *testing.T) {
	repo := newFakeTenantRepo(&model.Tenant{OwnerTGID: 100, BotToken: "a:1", Status: model.StatusRunning})
	checker := &fakeChecker{}
	checker.set(100, true, nil)
	membership := newFakeMembershipRepo()
	sink := &fakeSink{}
	mon := newTestMonitor(repo, checker, membership, sink)

	for i := 0; i < 3; i++ {
		if _, err := mon.CheckAll(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if events := sink.all(); len(events) != 1 {
		t.Fatalf("events after steady sweeps: %+v, want 1", events)
	}

	checker.set(100, false, nil)
	if _, err := mon.CheckAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	events := sink.all()
	if len(events) != 2 || events[1] != (sinkEvent{ownerTGID: 100, member: false}) {
		t.Fatalf("events after leave: %+v, want join then leave", events)
	}
}

func TestCheckFailureKeepsStoredRecord(t *testing.T) {
	repo := newFakeTenantRepo(&model.Tenant{OwnerTGID: 100, BotToken: "a:1", Status: model.StatusRunning})
	checker := &fakeChecker{}
	checker.set(100, true, nil)
	membership := newFakeMembershipRepo()
	checkedAt := time.Now().Add(-time.Minute).UTC()
	membership.recs[100] = model.MembershipRecord{OwnerTGID: 100, IsMember: true, CheckedAt: checkedAt}
	sink := &fakeSink{}
	mon := newTestMonitor(repo, checker, membership, sink)

	checker.set(100, false, errors.New("telegram: 502"))
	if _, err := mon.CheckAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	rec, ok := membership.record(100)
	if !ok || !rec.IsMember || !rec.CheckedAt.Equal(checkedAt) {
		t.Fatalf("record mutated on check failure: %+v", rec)
	}
	if events := sink.all(); len(events) != 0 {
		t.Fatalf("events on check failure: %+v, want none", events)
	}

	// Recovery resumes normal comparisons against the untouched record.
	checker.set(100, true, nil)
	if _, err := mon.CheckAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if events := sink.all(); len(events) != 0 {
		t.Fatalf("events after recovery with unchanged state: %+v, want none", events)
	}
}

func TestSweepSkipsNonSupervisableTenants(t *testing.T) {
	repo := newFakeTenantRepo(
		&model.Tenant{OwnerTGID: 100, BotToken: "a:1", Status: model.StatusStopped},
		&model.Tenant{OwnerTGID: 200, BotToken: "b:2", Status: model.StatusError},
	)
	checker := &fakeChecker{}
	membership := newFakeMembershipRepo()
	sink := &fakeSink{}
	mon := newTestMonitor(repo, checker, membership, sink)

	owners, err := mon.CheckAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if owners != 0 {
		t.Fatalf("owners checked: %d, want 0", owners)
	}
	checker.mu.Lock()
	calls := checker.calls
	checker.mu.Unlock()
	if calls != 0 {
		t.Fatalf("checker calls: %d, want 0", calls)
	}
}
