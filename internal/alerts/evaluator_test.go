package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// memRepo enforces one open alert per (unit, type) under a mutex, the way
// the partial unique index does in Postgres.
type memRepo struct {
	mu     sync.Mutex
	alerts map[uuid.UUID]*Alert
}

func newMemRepo() *memRepo {
	return &memRepo{alerts: make(map[uuid.UUID]*Alert)}
}

func (m *memRepo) OpenOrTouch(ctx context.Context, c *Alert) (*Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.alerts {
		if a.UnitID == c.UnitID && a.Type == c.Type && a.Status.Open() {
			a.Metadata.LastValue = c.Metadata.Value
			a.Metadata.LastSeenAt = c.Metadata.LastSeenAt
			a.Metadata.ContinuationCount++
			cp := *a
			return &cp, false, nil
		}
	}

	cp := *c
	m.alerts[c.ID] = &cp
	out := cp
	return &out, true, nil
}

func (m *memRepo) FindOpen(ctx context.Context, orgID, unitID uuid.UUID, t AlertType) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.OrganizationID == orgID && a.UnitID == unitID && a.Type == t && a.Status.Open() {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memRepo) Get(ctx context.Context, orgID, id uuid.UUID) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || a.OrganizationID != orgID {
		return nil, ErrAlertNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memRepo) Transition(ctx context.Context, t Transition) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[t.AlertID]
	if !ok || a.OrganizationID != t.OrganizationID {
		return nil, ErrAlertNotFound
	}
	if a.Status != t.From {
		return nil, ErrInvalidTransition
	}

	a.Status = t.To
	at := t.At
	switch t.To {
	case StatusAcknowledged:
		a.AcknowledgedAt = &at
		a.AcknowledgedBy = t.ActorID
		a.AcknowledgmentNotes = t.Notes
	case StatusResolved:
		a.ResolvedAt = &at
		a.ResolvedBy = t.ActorID
		a.Resolution = t.Resolution
		a.ResolutionNotes = t.Notes
	}
	cp := *a
	return &cp, nil
}

func (m *memRepo) openCount(unitID uuid.UUID, t AlertType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.alerts {
		if a.UnitID == unitID && a.Type == t && a.Status.Open() {
			n++
		}
	}
	return n
}

type staticRules struct {
	set RuleSet
	err error
}

func (s staticRules) RulesFor(ctx context.Context, ref UnitRef) (RuleSet, error) {
	return s.set, s.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func f(v float64) *float64 { return &v }

var (
	orgID  = uuid.MustParse("6f1c2e7a-0000-4000-8000-000000000001")
	siteID = uuid.MustParse("6f1c2e7a-0000-4000-8000-000000000002")
	unitID = uuid.MustParse("6f1c2e7a-0000-4000-8000-000000000003")
	actor  = uuid.MustParse("6f1c2e7a-0000-4000-8000-0000000000aa")
)

func unitMax40() RuleSet {
	return RuleSet{Unit: &Rule{Scope: ScopeUnit, TempMax: f(40), Severity: SeverityCritical}}
}

func setupEvaluator(t *testing.T, rules RuleSet) (*Evaluator, *memRepo, *recordingPublisher) {
	t.Helper()
	repo := newMemRepo()
	pub := &recordingPublisher{}
	e := NewEvaluator(repo, staticRules{set: rules}, pub, zap.NewNop())
	e.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return e, repo, pub
}

func reading(temp float64) Reading {
	return Reading{OrganizationID: orgID, SiteID: siteID, UnitID: unitID, Temperature: &temp}
}

func TestEvaluate_BreachCreatesAlert(t *testing.T) {
	e, _, pub := setupEvaluator(t, unitMax40())

	out, err := e.Evaluate(context.Background(), reading(45))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(out.Created) != 1 {
		t.Fatalf("expected one created alert, got %+v", out)
	}

	a := out.Created[0]
	if a.Status != StatusTriggered || a.Type != TypeTempExcursion || a.Severity != SeverityCritical {
		t.Errorf("unexpected alert: %+v", a)
	}
	if a.Metadata.Limit != 40 || a.Metadata.Bound != BoundTempMax || a.Metadata.RuleScope != ScopeUnit {
		t.Errorf("unexpected metadata: %+v", a.Metadata)
	}
	if got := pub.types(); len(got) != 1 || got[0] != EventTriggered {
		t.Errorf("expected one triggered event, got %v", got)
	}
}

func TestEvaluate_RepeatedBreachDeduplicates(t *testing.T) {
	e, repo, pub := setupEvaluator(t, unitMax40())
	ctx := context.Background()

	e.Evaluate(ctx, reading(45))
	out, err := e.Evaluate(ctx, reading(47))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if len(out.Created) != 0 || len(out.Continued) != 1 {
		t.Fatalf("expected continuation only, got %+v", out)
	}
	if out.Continued[0].Metadata.LastValue != 47 || out.Continued[0].Metadata.ContinuationCount != 1 {
		t.Errorf("metadata not refreshed: %+v", out.Continued[0].Metadata)
	}
	if n := repo.openCount(unitID, TypeTempExcursion); n != 1 {
		t.Errorf("expected 1 open alert, got %d", n)
	}
	if len(pub.types()) != 1 {
		t.Errorf("continuation must not publish, got %v", pub.types())
	}
}

func TestEvaluate_ConcurrentBreachesOpenOneAlert(t *testing.T) {
	e, repo, pub := setupEvaluator(t, unitMax40())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Evaluate(context.Background(), reading(50)); err != nil {
				t.Errorf("evaluate: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := repo.openCount(unitID, TypeTempExcursion); n != 1 {
		t.Errorf("expected exactly one open alert, got %d", n)
	}
	if len(pub.types()) != 1 {
		t.Errorf("expected one triggered event, got %d", len(pub.types()))
	}
}

func TestEvaluate_ThresholdHierarchy(t *testing.T) {
	tests := []struct {
		name      string
		rules     RuleSet
		temp      float64
		wantAlert bool
		wantScope Scope
		wantSev   Severity
	}{
		{
			name: "unit beats site and org",
			rules: RuleSet{
				Unit:         &Rule{Scope: ScopeUnit, TempMax: f(40), Severity: SeverityCritical},
				Site:         &Rule{Scope: ScopeSite, TempMax: f(30), Severity: SeverityWarning},
				Organization: &Rule{Scope: ScopeOrganization, TempMax: f(20), Severity: SeverityInfo},
			},
			temp:      35,
			wantAlert: false,
		},
		{
			name: "site used when unit has no limit",
			rules: RuleSet{
				Unit:         &Rule{Scope: ScopeUnit, BatteryMin: f(10), Severity: SeverityInfo},
				Site:         &Rule{Scope: ScopeSite, TempMax: f(30), Severity: SeverityWarning},
				Organization: &Rule{Scope: ScopeOrganization, TempMax: f(50), Severity: SeverityCritical},
			},
			temp:      35,
			wantAlert: true,
			wantScope: ScopeSite,
			wantSev:   SeverityWarning,
		},
		{
			name: "organization fallback",
			rules: RuleSet{
				Organization: &Rule{Scope: ScopeOrganization, TempMin: f(2), TempMax: f(8), Severity: SeverityCritical},
			},
			temp:      -1,
			wantAlert: true,
			wantScope: ScopeOrganization,
			wantSev:   SeverityCritical,
		},
		{
			name: "limits resolve independently",
			rules: RuleSet{
				Unit:         &Rule{Scope: ScopeUnit, TempMin: f(0), Severity: SeverityInfo},
				Organization: &Rule{Scope: ScopeOrganization, TempMax: f(5), Severity: SeverityWarning},
			},
			temp:      7,
			wantAlert: true,
			wantScope: ScopeOrganization,
			wantSev:   SeverityWarning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _ := setupEvaluator(t, tt.rules)
			out, err := e.Evaluate(context.Background(), reading(tt.temp))
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if !tt.wantAlert {
				if len(out.Created) != 0 {
					t.Fatalf("expected no alert, got %+v", out.Created)
				}
				return
			}
			if len(out.Created) != 1 {
				t.Fatalf("expected alert, got %+v", out)
			}
			if out.Created[0].Metadata.RuleScope != tt.wantScope || out.Created[0].Severity != tt.wantSev {
				t.Errorf("got scope %s severity %s", out.Created[0].Metadata.RuleScope, out.Created[0].Severity)
			}
		})
	}
}

func TestEvaluate_MissingThresholdsSkips(t *testing.T) {
	e, repo, pub := setupEvaluator(t, RuleSet{})

	out, err := e.Evaluate(context.Background(), reading(99))
	if err != nil {
		t.Fatalf("missing config must not error: %v", err)
	}
	if !out.Skipped || len(out.Created) != 0 {
		t.Errorf("expected skip, got %+v", out)
	}
	if repo.openCount(unitID, TypeTempExcursion) != 0 || len(pub.types()) != 0 {
		t.Error("skip must not touch alerts or publish")
	}
}

func TestEvaluate_NoMeasurementsSkips(t *testing.T) {
	e, _, _ := setupEvaluator(t, unitMax40())
	out, err := e.Evaluate(context.Background(), Reading{OrganizationID: orgID, UnitID: unitID})
	if err != nil || !out.Skipped {
		t.Errorf("expected skipped outcome, got %+v, %v", out, err)
	}
}

func TestEvaluate_InvalidReading(t *testing.T) {
	e, _, _ := setupEvaluator(t, unitMax40())
	_, err := e.Evaluate(context.Background(), Reading{UnitID: unitID, Temperature: f(1)})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestEvaluate_RuleStoreErrorReturned(t *testing.T) {
	boom := errors.New("connection reset")
	e := NewEvaluator(newMemRepo(), staticRules{err: boom}, nil, zap.NewNop())

	if _, err := e.Evaluate(context.Background(), reading(45)); !errors.Is(err, boom) {
		t.Errorf("expected store error to surface for retry, got %v", err)
	}
}

func TestEvaluate_BackInRangeAutoResolves(t *testing.T) {
	e, repo, pub := setupEvaluator(t, unitMax40())
	ctx := context.Background()

	e.Evaluate(ctx, reading(45))
	out, err := e.Evaluate(ctx, reading(4))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if len(out.Resolved) != 1 {
		t.Fatalf("expected auto-resolve, got %+v", out)
	}
	r := out.Resolved[0]
	if r.Status != StatusResolved || r.ResolvedBy != nil || r.Resolution == nil || *r.Resolution != autoResolution {
		t.Errorf("unexpected resolved alert: %+v", r)
	}
	if repo.openCount(unitID, TypeTempExcursion) != 0 {
		t.Error("no alert should remain open")
	}
	if got := pub.types(); len(got) != 2 || got[1] != EventResolved {
		t.Errorf("expected triggered then resolved, got %v", got)
	}
}

func TestEvaluate_BreachAfterResolveCreatesNewAlert(t *testing.T) {
	e, _, _ := setupEvaluator(t, unitMax40())
	ctx := context.Background()

	first, _ := e.Evaluate(ctx, reading(45))
	e.Evaluate(ctx, reading(4))
	second, err := e.Evaluate(ctx, reading(46))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if len(second.Created) != 1 || second.Created[0].ID == first.Created[0].ID {
		t.Errorf("expected a fresh alert row, got %+v", second)
	}
}

func TestEvaluate_PublisherErrorSwallowed(t *testing.T) {
	e, _, pub := setupEvaluator(t, unitMax40())
	pub.err = errors.New("queue down")

	out, err := e.Evaluate(context.Background(), reading(45))
	if err != nil {
		t.Fatalf("publisher failure must not fail evaluation: %v", err)
	}
	if len(out.Created) != 1 {
		t.Errorf("alert should still be created: %+v", out)
	}
}

func TestEvaluate_InvalidSeveritySkipsCheck(t *testing.T) {
	e, repo, pub := setupEvaluator(t, unitMax40())
	if _, err := e.Evaluate(context.Background(), reading(45)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	broken := RuleSet{
		Unit: &Rule{Scope: ScopeUnit, TempMax: f(40), Severity: "urgent"},
		Site: &Rule{Scope: ScopeSite, BatteryMin: f(20), Severity: SeverityWarning},
	}
	e = NewEvaluator(repo, staticRules{set: broken}, pub, zap.NewNop())

	tests := []struct {
		name string
		temp float64
	}{
		{"breach is not raised", 50},
		{"clear is not applied", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := reading(tt.temp)
			r.BatteryLevel = f(12)

			out, err := e.Evaluate(context.Background(), r)
			if err != nil {
				t.Fatalf("misconfiguration must not fail the job: %v", err)
			}
			if !out.Skipped {
				t.Error("expected the temperature check to be skipped")
			}
			for _, a := range append(out.Resolved, out.Continued...) {
				if a.Type == TypeTempExcursion {
					t.Errorf("temperature alert touched: %+v", a)
				}
			}
			if repo.openCount(unitID, TypeTempExcursion) != 1 {
				t.Error("open excursion must stay open")
			}
			if repo.openCount(unitID, TypeLowBattery) != 1 {
				t.Error("other checks still run")
			}
		})
	}
}

func TestEvaluate_LowBattery(t *testing.T) {
	rules := RuleSet{Site: &Rule{Scope: ScopeSite, BatteryMin: f(20), Severity: SeverityWarning}}
	e, _, _ := setupEvaluator(t, rules)

	out, err := e.Evaluate(context.Background(), Reading{
		OrganizationID: orgID, SiteID: siteID, UnitID: unitID, BatteryLevel: f(12),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(out.Created) != 1 || out.Created[0].Type != TypeLowBattery {
		t.Fatalf("expected low battery alert, got %+v", out)
	}
	if out.Created[0].Message != "Battery level 12% is below the minimum of 20%" {
		t.Errorf("unexpected message %q", out.Created[0].Message)
	}
}

func TestAcknowledgeAndResolve(t *testing.T) {
	e, _, pub := setupEvaluator(t, unitMax40())
	ctx := context.Background()

	out, _ := e.Evaluate(ctx, reading(45))
	id := out.Created[0].ID
	notes := "door was left open"

	acked, err := e.Acknowledge(ctx, ActionRequest{OrganizationID: orgID, AlertID: id, ActorID: actor, Notes: &notes})
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if acked.Status != StatusAcknowledged || acked.AcknowledgedAt == nil || *acked.AcknowledgedBy != actor {
		t.Errorf("unexpected acknowledged alert: %+v", acked)
	}

	resolved, err := e.Resolve(ctx, ResolveRequest{
		ActionRequest: ActionRequest{OrganizationID: orgID, AlertID: id, ActorID: actor},
		Resolution:    "  door closed, product moved  ",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != StatusResolved || resolved.ResolvedAt == nil || *resolved.Resolution != "door closed, product moved" {
		t.Errorf("unexpected resolved alert: %+v", resolved)
	}

	want := []EventType{EventTriggered, EventAcknowledged, EventResolved}
	got := pub.types()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if pub.events[1].ActorID == nil || *pub.events[1].ActorID != actor {
		t.Error("actor should travel with the event")
	}
}

func TestResolve_DirectFromTriggered(t *testing.T) {
	e, _, _ := setupEvaluator(t, unitMax40())
	ctx := context.Background()
	out, _ := e.Evaluate(ctx, reading(45))

	resolved, err := e.Resolve(ctx, ResolveRequest{
		ActionRequest: ActionRequest{OrganizationID: orgID, AlertID: out.Created[0].ID, ActorID: actor},
		Resolution:    "false alarm",
	})
	if err != nil || resolved.Status != StatusResolved {
		t.Fatalf("expected direct resolve, got %+v, %v", resolved, err)
	}
}

func TestActions_Errors(t *testing.T) {
	e, _, _ := setupEvaluator(t, unitMax40())
	ctx := context.Background()
	out, _ := e.Evaluate(ctx, reading(45))
	id := out.Created[0].ID

	if _, err := e.Resolve(ctx, ResolveRequest{ActionRequest: ActionRequest{OrganizationID: orgID, AlertID: id, ActorID: actor}, Resolution: "done"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	long := string(make([]byte, maxNotesLength+1))
	tests := []struct {
		name    string
		run     func() error
		wantErr error
	}{
		{"ack resolved alert", func() error {
			_, err := e.Acknowledge(ctx, ActionRequest{OrganizationID: orgID, AlertID: id, ActorID: actor})
			return err
		}, ErrInvalidTransition},
		{"resolve resolved alert", func() error {
			_, err := e.Resolve(ctx, ResolveRequest{ActionRequest: ActionRequest{OrganizationID: orgID, AlertID: id, ActorID: actor}, Resolution: "again"})
			return err
		}, ErrInvalidTransition},
		{"other organization", func() error {
			_, err := e.Acknowledge(ctx, ActionRequest{OrganizationID: uuid.New(), AlertID: id, ActorID: actor})
			return err
		}, ErrAlertNotFound},
		{"unknown alert", func() error {
			_, err := e.Acknowledge(ctx, ActionRequest{OrganizationID: orgID, AlertID: uuid.New(), ActorID: actor})
			return err
		}, ErrAlertNotFound},
		{"missing actor", func() error {
			_, err := e.Acknowledge(ctx, ActionRequest{OrganizationID: orgID, AlertID: id})
			return err
		}, ErrInvalidRequest},
		{"missing resolution", func() error {
			_, err := e.Resolve(ctx, ResolveRequest{ActionRequest: ActionRequest{OrganizationID: orgID, AlertID: id, ActorID: actor}, Resolution: "   "})
			return err
		}, ErrInvalidRequest},
		{"notes too long", func() error {
			_, err := e.Acknowledge(ctx, ActionRequest{OrganizationID: orgID, AlertID: id, ActorID: actor, Notes: &long})
			return err
		}, ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
