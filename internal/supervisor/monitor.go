package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	coreconfig "github.com/meep1w/pocketbot/core/config"
	"github.com/meep1w/pocketbot/core/logger"
	"github.com/meep1w/pocketbot/internal/model"
	"github.com/meep1w/pocketbot/internal/repository"
)

// MembershipChecker asks the chat transport whether a user currently belongs
// to the private channel.
type MembershipChecker interface {
	IsMember(ctx context.Context, userID int64) (bool, error)
}

// EventSink receives membership changes. Satisfied by the Supervisor.
type EventSink interface {
	OnMembershipChange(ownerTGID int64, becameMember bool)
}

// Monitor sweeps tenant owners on a fixed interval and reports membership
// flips to the supervisor. A failed check is logged and skipped; it never
// flips stored state.
type Monitor struct {
	interval   time.Duration
	checker    MembershipChecker
	tenants    repository.TenantRepository
	membership repository.MembershipRepository
	sink       EventSink
}

func NewMonitor(cfg coreconfig.SupervisorConfig, checker MembershipChecker, tenants repository.TenantRepository, membership repository.MembershipRepository, sink EventSink) *Monitor {
	return &Monitor{
		interval:   time.Duration(cfg.CheckIntervalSeconds) * time.Second,
		checker:    checker,
		tenants:    tenants,
		membership: membership,
		sink:       sink,
	}
}

// Run sweeps immediately, then on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	start := time.Now()
	owners, err := m.CheckAll(ctx)
	if err != nil {
		logger.LogEvent(ctx, logger.MON, slog.LevelError, "sweep.failed",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
		return
	}
	logger.LogEvent(ctx, logger.MON, slog.LevelDebug, "sweep.done",
		slog.String("status", "ok"),
		slog.Int("owners", owners),
		slog.Duration("duration", logger.RoundMS(time.Since(start))),
	)
}

// CheckAll checks every distinct owner of a supervisable tenant, persists
// the observation, and emits an event for each flip. Events reach the sink
// in owner order within one sweep, so per-owner observations stay ordered
// across sweeps. Returns the number of owners checked.
func (m *Monitor) CheckAll(ctx context.Context) (int, error) {
	tenants, err := m.tenants.ListSupervisable(ctx)
	if err != nil {
		return 0, err
	}

	seen := make(map[int64]struct{}, len(tenants))
	owners := make([]int64, 0, len(tenants))
	for _, t := range tenants {
		if _, ok := seen[t.OwnerTGID]; ok {
			continue
		}
		seen[t.OwnerTGID] = struct{}{}
		owners = append(owners, t.OwnerTGID)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })

	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			return len(owners), err
		}
		m.checkOwner(ctx, owner)
	}
	return len(owners), nil
}

func (m *Monitor) checkOwner(ctx context.Context, ownerTGID int64) {
	isMember, err := m.checker.IsMember(ctx, ownerTGID)
	if err != nil {
		// Unknown, not "left": keep the stored record and retry next sweep.
		logger.LogEvent(ctx, logger.MON, slog.LevelWarn, "member.check.failed",
			slog.String("status", "retry"),
			slog.Int64("owner_id", ownerTGID),
			slog.String("err", logger.Sanitize(err.Error())),
		)
		return
	}

	prev, err := m.membership.Get(ctx, ownerTGID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		logger.LogEvent(ctx, logger.MON, slog.LevelWarn, "member.load.failed",
			slog.String("status", "retry"),
			slog.Int64("owner_id", ownerTGID),
			slog.String("err", err.Error()),
		)
		return
	}

	rec := &model.MembershipRecord{
		OwnerTGID: ownerTGID,
		IsMember:  isMember,
		CheckedAt: time.Now().UTC(),
	}
	if err := m.membership.Upsert(ctx, rec); err != nil {
		logger.LogEvent(ctx, logger.MON, slog.LevelWarn, "member.store.failed",
			slog.String("status", "retry"),
			slog.Int64("owner_id", ownerTGID),
			slog.String("err", err.Error()),
		)
		return
	}

	changed := prev == nil && isMember || prev != nil && prev.IsMember != isMember
	if !changed {
		return
	}
	logger.LogEvent(ctx, logger.MON, slog.LevelInfo, "member.changed",
		slog.String("status", "ok"),
		slog.Int64("owner_id", ownerTGID),
		slog.Bool("is_member", isMember),
	)
	m.sink.OnMembershipChange(ownerTGID, isMember)
}
