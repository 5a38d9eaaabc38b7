package attribution

import (
	"context"
	"sync"
	"testing"
	"time"

	coreconfig "github.com/meep1w/pocketbot/core/config"
	"github.com/meep1w/pocketbot/internal/model"
	"github.com/meep1w/pocketbot/internal/repository"
)

type fakeTenants struct {
	mu   sync.Mutex
	rows map[int64]*model.Tenant
}

func newFakeTenants(tenants ...*model.Tenant) *fakeTenants {
	r := &fakeTenants{rows: make(map[int64]*model.Tenant)}
	for _, t := range tenants {
		cp := *t
		r.rows[cp.ID] = &cp
	}
	return r
}

func (r *fakeTenants) Create(ctx context.Context, t *model.Tenant) error { return nil }

func (r *fakeTenants) GetByID(ctx context.Context, id int64) (*model.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *fakeTenants) ListSupervisable(ctx context.Context) ([]*model.Tenant, error) {
	return nil, nil
}

func (r *fakeTenants) UpdateStatus(ctx context.Context, id int64, status model.TenantStatus) error {
	return nil
}

func (r *fakeTenants) SetCrashState(ctx context.Context, id int64, count int, at time.Time) error {
	return nil
}

type fakeClicks struct {
	mu     sync.Mutex
	nextID int64
	tokens []*model.ClickToken
	events []*model.PostbackEvent
}

func newFakeClicks() *fakeClicks { return &fakeClicks{nextID: 1} }

func (r *fakeClicks) UpsertClick(ctx context.Context, tenantID, tgUserID int64, clickID string) (*model.ClickToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tok := range r.tokens {
		if tok.TenantID == tenantID && tok.TGUserID == tgUserID {
			tok.CreatedAt = time.Now().UTC()
			cp := *tok
			return &cp, nil
		}
	}
	tok := &model.ClickToken{
		TenantID:  tenantID,
		TGUserID:  tgUserID,
		ClickID:   clickID,
		CreatedAt: time.Now().UTC(),
	}
	r.tokens = append(r.tokens, tok)
	cp := *tok
	return &cp, nil
}

func (r *fakeClicks) GetClick(ctx context.Context, tenantID int64, clickID string) (*model.ClickToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tok := range r.tokens {
		if tok.TenantID == tenantID && tok.ClickID == clickID {
			cp := *tok
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeClicks) MarkClickConsumed(ctx context.Context, tenantID int64, clickID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tok := range r.tokens {
		if tok.TenantID == tenantID && tok.ClickID == clickID {
			tok.Consumed = true
			t := at
			tok.ConsumedAt = &t
		}
	}
	return nil
}

func (r *fakeClicks) InsertPostback(ctx context.Context, ev *model.PostbackEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, prior := range r.events {
		if prior.TenantID == ev.TenantID && prior.PostbackID == ev.PostbackID {
			return repository.ErrDuplicate
		}
	}
	ev.ID = r.nextID
	r.nextID++
	cp := *ev
	r.events = append(r.events, &cp)
	return nil
}

func (r *fakeClicks) GetPostback(ctx context.Context, tenantID int64, postbackID string) (*model.PostbackEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.TenantID == tenantID && ev.PostbackID == postbackID {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeClicks) SumDeposits(ctx context.Context, tenantID int64, clickID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, ev := range r.events {
		if ev.TenantID == tenantID && ev.ClickID == clickID &&
			ev.EventType == model.EventDeposit && ev.SecretValid {
			total += ev.Amount
		}
	}
	return total, nil
}

func (r *fakeClicks) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *fakeClicks) tokenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

type userKey struct{ tenantID, tgUserID int64 }

type fakeUsers struct {
	mu     sync.Mutex
	nextID int64
	rows   map[userKey]*model.EndUser
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{nextID: 1, rows: make(map[userKey]*model.EndUser)}
}

func (r *fakeUsers) Get(ctx context.Context, tenantID, tgUserID int64) (*model.EndUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.rows[userKey{tenantID, tgUserID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeUsers) Upsert(ctx context.Context, u *model.EndUser) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := userKey{u.TenantID, u.TGUserID}
	if prior, ok := r.rows[key]; ok {
		u.ID = prior.ID
	} else {
		u.ID = r.nextID
		r.nextID++
	}
	cp := *u
	r.rows[key] = &cp
	return nil
}

func (r *fakeUsers) ListChatIDs(ctx context.Context, tenantID int64, minStep model.FunnelStep) ([]int64, error) {
	return nil, nil
}

func (r *fakeUsers) step(tenantID, tgUserID int64) model.FunnelStep {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.rows[userKey{tenantID, tgUserID}]
	if !ok {
		return ""
	}
	return u.Step
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent map[int64][]string
}

func (n *fakeNotifier) Send(chatID int64, payload string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[int64][]string)
	}
	n.sent[chatID] = append(n.sent[chatID], payload)
	return nil
}

func (n *fakeNotifier) count(chatID int64) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent[chatID])
}

func perTenantConfig() coreconfig.PostbackConfig {
	return coreconfig.PostbackConfig{SecretMode: coreconfig.SecretModePerTenant, RetryBudget: 3}
}

func testTenant() *model.Tenant {
	return &model.Tenant{
		ID:             1,
		OwnerTGID:      100,
		PostbackSecret: "s3cret",
		RequireDeposit: true,
		MinDeposit:     50,
		Status:         model.StatusRunning,
	}
}

func postback(pbID, clickID string, event model.EventType, amount int64) PostbackInput {
	return PostbackInput{
		TenantID:   1,
		PostbackID: pbID,
		ClickID:    clickID,
		TraderID:   "tr-9",
		EventType:  event,
		Amount:     amount,
		Secret:     "s3cret",
	}
}

func TestIssueClickIsIdempotent(t *testing.T) {
	clicks := newFakeClicks()
	svc := NewService(perTenantConfig(), clicks, newFakeTenants(testTenant()), newFakeUsers(), nil)

	first, err := svc.IssueClick(context.Background(), 1, 42)
	if err != nil {
		t.Fatal(err)
	}
	if first != "42" {
		t.Fatalf("click_id = %q, want %q", first, "42")
	}

	second, err := svc.IssueClick(context.Background(), 1, 42)
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Fatalf("repeat click issued %q, want %q", second, first)
	}
	if clicks.tokenCount() != 1 {
		t.Fatalf("tokens stored: %d, want 1", clicks.tokenCount())
	}
}

func TestIssueClickUnknownTenant(t *testing.T) {
	svc := NewService(perTenantConfig(), newFakeClicks(), newFakeTenants(), newFakeUsers(), nil)
	if _, err := svc.IssueClick(context.Background(), 7, 42); err == nil {
		t.Fatal("expected error for unknown tenant")
	}
}

func TestRecordPostbackRejectsBadSecret(t *testing.T) {
	clicks := newFakeClicks()
	users := newFakeUsers()
	svc := NewService(perTenantConfig(), clicks, newFakeTenants(testTenant()), users, nil)

	in := postback("pb-1", "42", model.EventRegistration, 0)
	in.Secret = "wrong"
	res, err := svc.RecordPostback(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusAuthInvalid {
		t.Fatalf("status = %s, want auth_invalid", res.Status)
	}
	if clicks.eventCount() != 0 {
		t.Fatalf("events stored after rejection: %d, want 0", clicks.eventCount())
	}
}

func TestRecordPostbackRejectsWhenTenantSecretUnset(t *testing.T) {
	tenant := testTenant()
	tenant.PostbackSecret = ""
	svc := NewService(perTenantConfig(), newFakeClicks(), newFakeTenants(tenant), newFakeUsers(), nil)

	in := postback("pb-1", "42", model.EventRegistration, 0)
	in.Secret = ""
	res, err := svc.RecordPostback(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusAuthInvalid {
		t.Fatalf("status = %s, want auth_invalid", res.Status)
	}
}

func TestRecordPostbackGlobalSecretMode(t *testing.T) {
	cfg := coreconfig.PostbackConfig{
		SecretMode:   coreconfig.SecretModeGlobal,
		GlobalSecret: "global",
		RetryBudget:  3,
	}
	clicks := newFakeClicks()
	svc := NewService(cfg, clicks, newFakeTenants(testTenant()), newFakeUsers(), nil)

	in := postback("pb-1", "42", model.EventRegistration, 0)
	in.Secret = "global"
	res, err := svc.RecordPostback(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusOK {
		t.Fatalf("status = %s, want ok", res.Status)
	}

	in.PostbackID = "pb-2"
	in.Secret = "s3cret"
	res, err = svc.RecordPostback(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusAuthInvalid {
		t.Fatal("tenant secret accepted in global mode")
	}
}

func TestRecordPostbackRegistrationAdvancesFunnel(t *testing.T) {
	clicks := newFakeClicks()
	users := newFakeUsers()
	svc := NewService(perTenantConfig(), clicks, newFakeTenants(testTenant()), users, nil)

	if _, err := svc.IssueClick(context.Background(), 1, 42); err != nil {
		t.Fatal(err)
	}
	if err := users.Upsert(context.Background(), &model.EndUser{
		TenantID: 1, TGUserID: 42, Step: model.StepAskedReg,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := svc.RecordPostback(context.Background(), postback("pb-1", "42", model.EventRegistration, 0))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusOK || !res.Attributed || res.Duplicate {
		t.Fatalf("result = %+v, want attributed ok", res)
	}
	if got := users.step(1, 42); got != model.StepRegistered {
		t.Fatalf("step = %s, want registered", got)
	}
	tok, err := clicks.GetClick(context.Background(), 1, "42")
	if err != nil {
		t.Fatal(err)
	}
	if !tok.Consumed {
		t.Fatal("click not consumed after attribution")
	}
}

func TestRegistrationSkipsDepositGateWhenDisabled(t *testing.T) {
	tenant := testTenant()
	tenant.RequireDeposit = false
	clicks := newFakeClicks()
	users := newFakeUsers()
	svc := NewService(perTenantConfig(), clicks, newFakeTenants(tenant), users, nil)

	if _, err := svc.IssueClick(context.Background(), 1, 42); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RecordPostback(context.Background(), postback("pb-1", "42", model.EventRegistration, 0)); err != nil {
		t.Fatal(err)
	}
	if got := users.step(1, 42); got != model.StepDeposited {
		t.Fatalf("step = %s, want deposited", got)
	}
}

func TestRecordPostbackDuplicateReturnsStoredOutcome(t *testing.T) {
	clicks := newFakeClicks()
	users := newFakeUsers()
	svc := NewService(perTenantConfig(), clicks, newFakeTenants(testTenant()), users, nil)

	if _, err := svc.IssueClick(context.Background(), 1, 42); err != nil {
		t.Fatal(err)
	}
	first, err := svc.RecordPostback(context.Background(), postback("pb-1", "42", model.EventRegistration, 0))
	if err != nil {
		t.Fatal(err)
	}

	// Redelivery with a mutated amount must not create a second row.
	replay := postback("pb-1", "42", model.EventRegistration, 999)
	second, err := svc.RecordPostback(context.Background(), replay)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate {
		t.Fatal("replay not flagged as duplicate")
	}
	if second.Attributed != first.Attributed {
		t.Fatalf("replay attributed = %v, original %v", second.Attributed, first.Attributed)
	}
	if clicks.eventCount() != 1 {
		t.Fatalf("events stored: %d, want 1", clicks.eventCount())
	}
}

func TestRecordPostbackUnknownClickKept(t *testing.T) {
	clicks := newFakeClicks()
	users := newFakeUsers()
	svc := NewService(perTenantConfig(), clicks, newFakeTenants(testTenant()), users, nil)

	res, err := svc.RecordPostback(context.Background(), postback("pb-1", "999", model.EventRegistration, 0))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusOK || res.Attributed {
		t.Fatalf("result = %+v, want unattributed ok", res)
	}
	ev, err := clicks.GetPostback(context.Background(), 1, "pb-1")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Attributed {
		t.Fatal("unmatched event stored as attributed")
	}
}

func TestDepositsAccumulateTowardMinimum(t *testing.T) {
	clicks := newFakeClicks()
	users := newFakeUsers()
	svc := NewService(perTenantConfig(), clicks, newFakeTenants(testTenant()), users, nil)
	ctx := context.Background()

	if _, err := svc.IssueClick(ctx, 1, 42); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RecordPostback(ctx, postback("pb-reg", "42", model.EventRegistration, 0)); err != nil {
		t.Fatal(err)
	}
	if got := users.step(1, 42); got != model.StepRegistered {
		t.Fatalf("step after registration = %s, want registered", got)
	}

	if _, err := svc.RecordPostback(ctx, postback("pb-dep-1", "42", model.EventDeposit, 30)); err != nil {
		t.Fatal(err)
	}
	if got := users.step(1, 42); got != model.StepAskedDeposit {
		t.Fatalf("step after partial deposit = %s, want asked_deposit", got)
	}

	if _, err := svc.RecordPostback(ctx, postback("pb-dep-2", "42", model.EventDeposit, 30)); err != nil {
		t.Fatal(err)
	}
	if got := users.step(1, 42); got != model.StepDeposited {
		t.Fatalf("step after reaching minimum = %s, want deposited", got)
	}

	// The funnel never moves backwards.
	if _, err := svc.RecordPostback(ctx, postback("pb-reg-late", "42", model.EventRegistration, 0)); err != nil {
		t.Fatal(err)
	}
	if got := users.step(1, 42); got != model.StepDeposited {
		t.Fatalf("late registration demoted step to %s", got)
	}
}

func TestConversionPushesFunnelUpdate(t *testing.T) {
	clicks := newFakeClicks()
	users := newFakeUsers()
	notifier := &fakeNotifier{}
	lookup := func(tenantID int64) (Sender, bool) { return notifier, true }
	svc := NewService(perTenantConfig(), clicks, newFakeTenants(testTenant()), users, lookup)
	ctx := context.Background()

	if _, err := svc.IssueClick(ctx, 1, 42); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RecordPostback(ctx, postback("pb-reg", "42", model.EventRegistration, 0)); err != nil {
		t.Fatal(err)
	}
	if notifier.count(42) != 1 {
		t.Fatalf("messages after registration: %d, want 1", notifier.count(42))
	}

	if _, err := svc.RecordPostback(ctx, postback("pb-dep", "42", model.EventDeposit, 60)); err != nil {
		t.Fatal(err)
	}
	if notifier.count(42) != 2 {
		t.Fatalf("messages after deposit: %d, want 2", notifier.count(42))
	}

	// Replays and non-advancing events stay silent.
	if _, err := svc.RecordPostback(ctx, postback("pb-dep", "42", model.EventDeposit, 60)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RecordPostback(ctx, postback("pb-reg-late", "42", model.EventRegistration, 0)); err != nil {
		t.Fatal(err)
	}
	if notifier.count(42) != 2 {
		t.Fatalf("messages after replay: %d, want 2", notifier.count(42))
	}
}

func TestConversionWithoutRunningBotStillRecords(t *testing.T) {
	clicks := newFakeClicks()
	users := newFakeUsers()
	lookup := func(tenantID int64) (Sender, bool) { return nil, false }
	svc := NewService(perTenantConfig(), clicks, newFakeTenants(testTenant()), users, lookup)
	ctx := context.Background()

	if _, err := svc.IssueClick(ctx, 1, 42); err != nil {
		t.Fatal(err)
	}
	res, err := svc.RecordPostback(ctx, postback("pb-reg", "42", model.EventRegistration, 0))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusOK || !res.Attributed {
		t.Fatalf("result = %+v, want attributed ok", res)
	}
	if got := users.step(1, 42); got != model.StepRegistered {
		t.Fatalf("step = %s, want registered", got)
	}
}

func TestDerivePostbackID(t *testing.T) {
	a := DerivePostbackID(model.EventDeposit, "42", 30)
	b := DerivePostbackID(model.EventDeposit, "42", 30)
	if a != b {
		t.Fatalf("derived ids differ: %q vs %q", a, b)
	}
	if a == DerivePostbackID(model.EventDeposit, "42", 31) {
		t.Fatal("different amounts derived the same id")
	}
	if a == DerivePostbackID(model.EventRegistration, "42", 30) {
		t.Fatal("different events derived the same id")
	}
}
