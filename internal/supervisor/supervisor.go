package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	coreconfig "github.com/meep1w/pocketbot/core/config"
	"github.com/meep1w/pocketbot/core/logger"
	"github.com/meep1w/pocketbot/internal/model"
	"github.com/meep1w/pocketbot/internal/repository"
)

const eventQueueSize = 256

// event is one entry of the supervisor's ordered queue. Every trigger,
// external or internal, flows through the same channel so transitions for a
// single tenant are applied strictly in observation order.
type event interface{ isEvent() }

type membershipEvent struct {
	ownerTGID    int64
	becameMember bool
}

type registerEvent struct {
	tenant *model.Tenant
}

type revokeEvent struct {
	tenantID int64
}

type startResult struct {
	tenantID   int64
	generation uint64
	worker     Worker
	err        error
}

type stopResult struct {
	tenantID   int64
	generation uint64
}

type workerExit struct {
	tenantID   int64
	generation uint64
	err        error
}

func (membershipEvent) isEvent() {}
func (registerEvent) isEvent()   {}
func (revokeEvent) isEvent()     {}
func (startResult) isEvent()     {}
func (stopResult) isEvent()      {}
func (workerExit) isEvent()      {}

// tenantState is the supervisor's in-memory view of one tenant. Mutated only
// by the event loop goroutine.
type tenantState struct {
	tenant *model.Tenant
	status model.TenantStatus

	// generation tags in-flight start/stop operations; completions carrying
	// an older generation are stale and discarded.
	generation uint64
	inFlight   bool

	member   bool
	revoking bool

	worker Worker
	cancel context.CancelFunc

	crashCount int
	lastCrash  time.Time
}

// Supervisor owns the set of running bot workers and drives every tenant
// through its lifecycle. It is the single writer of tenant status.
type Supervisor struct {
	cfg        coreconfig.SupervisorConfig
	tenants    repository.TenantRepository
	membership repository.MembershipRepository
	factory    WorkerFactory

	events chan event
	done   chan struct{}

	// states is owned by the Run goroutine.
	states  map[int64]*tenantState
	byOwner map[int64]map[int64]*tenantState

	// snapshot mirrors status and live workers for read-only consumers.
	snapMu     sync.RWMutex
	snapStatus map[int64]model.TenantStatus
	snapWorker map[int64]Worker
}

// New builds a Supervisor. Run must be called before events are submitted.
func New(cfg coreconfig.SupervisorConfig, tenants repository.TenantRepository, membership repository.MembershipRepository, factory WorkerFactory) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		tenants:    tenants,
		membership: membership,
		factory:    factory,
		events:     make(chan event, eventQueueSize),
		done:       make(chan struct{}),
		states:     make(map[int64]*tenantState),
		byOwner:    make(map[int64]map[int64]*tenantState),
		snapStatus: make(map[int64]model.TenantStatus),
		snapWorker: make(map[int64]Worker),
	}
}

// OnMembershipChange feeds a monitor observation into the queue.
func (s *Supervisor) OnMembershipChange(ownerTGID int64, becameMember bool) {
	s.submit(membershipEvent{ownerTGID: ownerTGID, becameMember: becameMember})
}

// Register adds a freshly created tenant to supervision. The tenant stays
// REGISTERED until the first positive membership check.
func (s *Supervisor) Register(t *model.Tenant) {
	s.submit(registerEvent{tenant: t})
}

// Revoke removes a tenant for good. Any in-flight start is cancelled first.
func (s *Supervisor) Revoke(tenantID int64) {
	s.submit(revokeEvent{tenantID: tenantID})
}

// Status reports the supervisor's current view of a tenant.
func (s *Supervisor) Status(tenantID int64) (model.TenantStatus, bool) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	st, ok := s.snapStatus[tenantID]
	return st, ok
}

// SenderFor returns the live worker for a running tenant when it can send
// outbound messages.
func (s *Supervisor) SenderFor(tenantID int64) (Sender, bool) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	w, ok := s.snapWorker[tenantID]
	if !ok {
		return nil, false
	}
	snd, ok := w.(Sender)
	return snd, ok
}

func (s *Supervisor) submit(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Run loads supervisable tenants and processes the event queue until ctx is
// cancelled. On shutdown every live worker is stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)

	if err := s.load(ctx); err != nil {
		return err
	}
	logger.LogEvent(ctx, logger.SUP, slog.LevelInfo, "supervisor.started",
		slog.String("status", "ok"),
		slog.Int("tenants", len(s.states)),
	)

	for {
		select {
		case <-ctx.Done():
			s.shutdown(ctx)
			return ctx.Err()
		case ev := <-s.events:
			s.handle(ctx, ev)
		}
	}
}

func (s *Supervisor) load(ctx context.Context) error {
	tenants, err := s.tenants.ListSupervisable(ctx)
	if err != nil {
		return err
	}
	members := make(map[int64]bool)
	for _, t := range tenants {
		st := &tenantState{tenant: t, status: t.Status}
		// Statuses that imply an in-flight operation cannot survive a
		// restart; fold them back to their resting state.
		switch st.status {
		case model.StatusStarting:
			st.status = model.StatusRegistered
		case model.StatusStopping:
			st.status = model.StatusPaused
		case model.StatusRunning:
			// The worker died with the previous process; reconcile below
			// starts a fresh one when the owner is still a member.
			st.status = model.StatusPaused
		}
		member, ok := members[t.OwnerTGID]
		if !ok {
			member = s.storedMember(ctx, t.OwnerTGID)
			members[t.OwnerTGID] = member
		}
		st.member = member
		s.track(st)
		if st.status != t.Status {
			s.persistStatus(ctx, st)
		} else {
			s.updateSnapshot(st)
		}
	}
	// The monitor only reports flips, so the stored absolute state decides
	// what resumes right away.
	for _, st := range s.states {
		s.reconcile(ctx, st)
	}
	return nil
}

// storedMember reads the last persisted membership observation. Owners never
// checked before count as non-members until the first sweep.
func (s *Supervisor) storedMember(ctx context.Context, ownerTGID int64) bool {
	rec, err := s.membership.Get(ctx, ownerTGID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			logger.LogEvent(ctx, logger.SUP, slog.LevelWarn, "member.seed.failed",
				slog.String("status", "retry"),
				slog.Int64("owner_id", ownerTGID),
				slog.String("err", logger.Sanitize(err.Error())),
			)
		}
		return false
	}
	return rec.IsMember
}

func (s *Supervisor) track(st *tenantState) {
	s.states[st.tenant.ID] = st
	owned := s.byOwner[st.tenant.OwnerTGID]
	if owned == nil {
		owned = make(map[int64]*tenantState)
		s.byOwner[st.tenant.OwnerTGID] = owned
	}
	owned[st.tenant.ID] = st
}

func (s *Supervisor) untrack(st *tenantState) {
	delete(s.states, st.tenant.ID)
	if owned := s.byOwner[st.tenant.OwnerTGID]; owned != nil {
		delete(owned, st.tenant.ID)
		if len(owned) == 0 {
			delete(s.byOwner, st.tenant.OwnerTGID)
		}
	}
	s.snapMu.Lock()
	delete(s.snapWorker, st.tenant.ID)
	s.snapMu.Unlock()
}

func (s *Supervisor) handle(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case membershipEvent:
		for _, st := range s.byOwner[e.ownerTGID] {
			st.member = e.becameMember
			if st.inFlight {
				// Coalesced: the desired state is reconciled when the
				// in-flight operation completes.
				logger.LogEvent(ctx, logger.SUP, slog.LevelDebug, "tenant.event.coalesced",
					slog.Int64("tenant_id", st.tenant.ID),
					slog.String("state", string(st.status)),
				)
				continue
			}
			in := InputMemberLeft
			if e.becameMember {
				in = InputMemberJoined
			}
			s.apply(ctx, st, in)
		}

	case registerEvent:
		if _, ok := s.states[e.tenant.ID]; ok {
			return
		}
		st := &tenantState{tenant: e.tenant, status: e.tenant.Status}
		// The owner may already be a known member (e.g. runs another bot);
		// no flip will ever arrive for them.
		st.member = s.storedMember(ctx, e.tenant.OwnerTGID)
		s.track(st)
		s.updateSnapshot(st)
		logger.LogEvent(ctx, logger.SUP, slog.LevelInfo, "tenant.registered",
			slog.String("status", "ok"),
			slog.Int64("tenant_id", st.tenant.ID),
			slog.Int64("owner_id", st.tenant.OwnerTGID),
		)
		s.reconcile(ctx, st)

	case revokeEvent:
		st, ok := s.states[e.tenantID]
		if !ok {
			logger.LogEvent(ctx, logger.SUP, slog.LevelWarn, "tenant.revoke.unknown",
				slog.String("status", "skip"),
				slog.Int64("tenant_id", e.tenantID),
			)
			return
		}
		st.revoking = true
		if st.inFlight {
			return
		}
		s.apply(ctx, st, InputRevoke)

	case startResult:
		st, ok := s.states[e.tenantID]
		if !ok {
			if e.worker != nil {
				e.worker.Stop()
			}
			return
		}
		if e.generation != st.generation {
			// A stop decision overtook this start; never let the late
			// worker linger.
			if e.worker != nil {
				e.worker.Stop()
			}
			logger.LogEvent(ctx, logger.SUP, slog.LevelDebug, "tenant.start.stale",
				slog.String("status", "stale"),
				slog.Int64("tenant_id", st.tenant.ID),
				slog.Uint64("generation", e.generation),
			)
			return
		}
		st.inFlight = false
		if e.err != nil {
			logger.LogEvent(ctx, logger.SUP, slog.LevelError, "tenant.start.failed",
				slog.String("status", "fail"),
				slog.Int64("tenant_id", st.tenant.ID),
				slog.String("err", logger.Sanitize(e.err.Error())),
			)
			s.apply(ctx, st, InputStartFailed)
			s.reconcile(ctx, st)
			return
		}
		st.worker = e.worker
		s.watch(st.tenant.ID, st.generation, e.worker)
		s.apply(ctx, st, InputStartOK)
		s.reconcile(ctx, st)

	case stopResult:
		st, ok := s.states[e.tenantID]
		if !ok || e.generation != st.generation {
			return
		}
		st.inFlight = false
		in := InputStopDone
		if st.revoking {
			in = InputStopDoneRevoked
		}
		s.apply(ctx, st, in)
		s.reconcile(ctx, st)

	case workerExit:
		st, ok := s.states[e.tenantID]
		if !ok || e.generation != st.generation {
			// The exit was already accounted for by a stop operation.
			return
		}
		if st.status != model.StatusRunning {
			return
		}
		st.worker = nil
		s.handleCrash(ctx, st, e.err)
	}
}

// apply runs one input through the transition table, persists the new
// status, and launches the requested side effect.
func (s *Supervisor) apply(ctx context.Context, st *tenantState, in Input) {
	next, effect, ok := Transition(st.status, in)
	if !ok {
		logger.LogEvent(ctx, logger.SUP, slog.LevelDebug, "tenant.event.ignored",
			slog.String("status", "skip"),
			slog.Int64("tenant_id", st.tenant.ID),
			slog.String("state", string(st.status)),
			slog.String("event", in.String()),
		)
		return
	}

	prev := st.status
	st.status = next
	s.persistStatus(ctx, st)
	logger.LogEvent(ctx, logger.SUP, slog.LevelInfo, "tenant.transition",
		slog.String("status", "ok"),
		slog.Int64("tenant_id", st.tenant.ID),
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
		slog.String("event", in.String()),
	)

	switch effect {
	case EffectStart:
		s.startWorker(ctx, st)
	case EffectStop:
		s.stopWorker(st)
	}

	if next == model.StatusStopped {
		s.untrack(st)
	}
}

// reconcile re-checks the desired state after an operation completed, so
// flips observed while the operation was in flight are not lost.
func (s *Supervisor) reconcile(ctx context.Context, st *tenantState) {
	if st.inFlight {
		return
	}
	if st.revoking {
		if st.status != model.StatusStopped && st.status != model.StatusStopping {
			s.apply(ctx, st, InputRevoke)
		}
		return
	}
	switch {
	case st.member && (st.status == model.StatusRegistered || st.status == model.StatusPaused):
		s.apply(ctx, st, InputMemberJoined)
	case !st.member && st.status == model.StatusRunning:
		s.apply(ctx, st, InputMemberLeft)
	}
}

func (s *Supervisor) startWorker(ctx context.Context, st *tenantState) {
	st.generation++
	st.inFlight = true
	gen := st.generation
	tenant := st.tenant

	if st.cancel != nil {
		// A crash-restart leaves the previous start's context behind.
		st.cancel()
	}
	wctx, cancel := context.WithCancel(ctx)
	st.cancel = cancel

	go func() {
		w, err := s.factory.New(tenant)
		if err == nil {
			err = w.Start(wctx)
		}
		if err != nil {
			s.submit(startResult{tenantID: tenant.ID, generation: gen, err: err})
			return
		}
		s.submit(startResult{tenantID: tenant.ID, generation: gen, worker: w})
	}()
}

func (s *Supervisor) stopWorker(st *tenantState) {
	st.generation++
	st.inFlight = true
	gen := st.generation
	tenantID := st.tenant.ID

	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	w := st.worker
	st.worker = nil

	timeout := time.Duration(s.cfg.StopTimeoutSeconds) * time.Second
	go func() {
		if w != nil {
			w.Stop()
			select {
			case <-w.Done():
			case <-time.After(timeout):
			}
		}
		s.submit(stopResult{tenantID: tenantID, generation: gen})
	}()
}

// watch forwards the worker's exit into the queue, tagged with the
// generation that started it.
func (s *Supervisor) watch(tenantID int64, gen uint64, w Worker) {
	go func() {
		err := <-w.Done()
		s.submit(workerExit{tenantID: tenantID, generation: gen, err: err})
	}()
}

func (s *Supervisor) handleCrash(ctx context.Context, st *tenantState, cause error) {
	now := time.Now()
	window := time.Duration(s.cfg.CrashWindowSeconds) * time.Second
	if !st.lastCrash.IsZero() && now.Sub(st.lastCrash) > window {
		st.crashCount = 0
	}
	st.crashCount++
	st.lastCrash = now
	if err := s.tenants.SetCrashState(ctx, st.tenant.ID, st.crashCount, now); err != nil {
		logger.LogEvent(ctx, logger.SUP, slog.LevelError, "tenant.crash.persist",
			slog.String("status", "fail"),
			slog.Int64("tenant_id", st.tenant.ID),
			slog.String("err", logger.Sanitize(err.Error())),
		)
	}

	errMsg := ""
	if cause != nil {
		errMsg = logger.Sanitize(cause.Error())
	}
	in := InputCrashRestart
	if !st.member || st.crashCount >= s.cfg.CrashThreshold {
		in = InputCrashFatal
	}
	logger.LogEvent(ctx, logger.SUP, slog.LevelWarn, "tenant.worker.crashed",
		slog.String("status", "fail"),
		slog.Int64("tenant_id", st.tenant.ID),
		slog.Int("count", st.crashCount),
		slog.String("err", errMsg),
	)
	s.apply(ctx, st, in)
}

func (s *Supervisor) persistStatus(ctx context.Context, st *tenantState) {
	s.updateSnapshot(st)
	if err := s.tenants.UpdateStatus(ctx, st.tenant.ID, st.status); err != nil {
		// The in-memory machine stays authoritative; the next transition
		// writes the row again.
		logger.LogEvent(ctx, logger.SUP, slog.LevelError, "tenant.status.persist",
			slog.String("status", "fail"),
			slog.Int64("tenant_id", st.tenant.ID),
			slog.String("state", string(st.status)),
			slog.String("err", logger.Sanitize(err.Error())),
		)
	}
}

func (s *Supervisor) updateSnapshot(st *tenantState) {
	s.snapMu.Lock()
	s.snapStatus[st.tenant.ID] = st.status
	if st.worker != nil && st.status == model.StatusRunning {
		s.snapWorker[st.tenant.ID] = st.worker
	} else {
		delete(s.snapWorker, st.tenant.ID)
	}
	s.snapMu.Unlock()
}

func (s *Supervisor) shutdown(ctx context.Context) {
	timeout := time.Duration(s.cfg.StopTimeoutSeconds) * time.Second
	var wg sync.WaitGroup
	for _, st := range s.states {
		if st.cancel != nil {
			st.cancel()
		}
		if st.worker == nil {
			continue
		}
		w := st.worker
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Stop()
			select {
			case <-w.Done():
			case <-time.After(timeout):
			}
		}()
	}
	wg.Wait()
	logger.LogEvent(ctx, logger.SUP, slog.LevelInfo, "supervisor.stopped",
		slog.String("status", "ok"),
	)
}
