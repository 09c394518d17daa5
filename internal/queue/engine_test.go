package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/notifier"
	"clinicq/queue-service/internal/store"
	"clinicq/queue-service/internal/store/memory"

	"github.com/google/uuid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []notifier.QueueChanged
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, event notifier.QueueChanged) error {
	d.mu.Lock()
	d.events = append(d.events, event)
	d.mu.Unlock()
	return nil
}

func (d *recordingDispatcher) all() []notifier.QueueChanged {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]notifier.QueueChanged, len(d.events))
	copy(out, d.events)
	return out
}

type fakeSubscriptions struct {
	active bool
	err    error
}

func (f fakeSubscriptions) IsSubscriptionActive(ctx context.Context, tenantID string) (bool, error) {
	return f.active, f.err
}

func newTestEngine(t *testing.T) (*Engine, *fakeClock, *recordingDispatcher) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	dispatcher := &recordingDispatcher{}
	settings := StaticSettings{Defaults: models.TenantSettings{
		StartNumber:                10,
		AverageConsultationMinutes: 10,
		RollingWindow:              5,
	}}
	engine := NewEngine(memory.NewStore(memory.Options{}), AlwaysActive{}, settings, dispatcher, Options{Clock: clock})
	return engine, clock, dispatcher
}

func TestFrontDeskFlow(t *testing.T) {
	engine, _, dispatcher := newTestEngine(t)
	ctx := context.Background()
	const tenant = "clinic-a"

	first, err := engine.CheckIn(ctx, CheckInInput{TenantID: tenant, SubjectRef: "patient-1"})
	if err != nil {
		t.Fatalf("first check-in: %v", err)
	}
	if first.TokenNumber != 10 {
		t.Fatalf("first token number = %d, want 10", first.TokenNumber)
	}
	if first.Status != models.StatusWaiting {
		t.Fatalf("first status = %q, want waiting", first.Status)
	}
	if first.EstimatedWaitMinutes != 0 {
		t.Fatalf("head-of-queue estimate = %d, want 0", first.EstimatedWaitMinutes)
	}

	second, err := engine.CheckIn(ctx, CheckInInput{TenantID: tenant, SubjectRef: "patient-2"})
	if err != nil {
		t.Fatalf("second check-in: %v", err)
	}
	if second.TokenNumber != 11 {
		t.Fatalf("second token number = %d, want 11", second.TokenNumber)
	}
	if second.EstimatedWaitMinutes != 10 {
		t.Fatalf("second estimate = %d, want 10", second.EstimatedWaitMinutes)
	}

	called, err := engine.CallNext(ctx, TenantInput{TenantID: tenant, Actor: "desk"})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if called.Empty {
		t.Fatal("call next reported empty queue")
	}
	if called.Token.TokenNumber != 10 || called.Token.Status != models.StatusInConsultation {
		t.Fatalf("called token = %d/%q, want 10/in_consultation", called.Token.TokenNumber, called.Token.Status)
	}
	if called.Token.CalledAt == nil {
		t.Fatal("called token has no CalledAt")
	}

	// The active consultation still occupies one slot ahead of the queue.
	view, err := engine.GetQueueView(ctx, tenant)
	if err != nil {
		t.Fatalf("queue view: %v", err)
	}
	if view.NowServing == nil || view.NowServing.TokenNumber != 10 {
		t.Fatalf("now serving = %+v, want token 10", view.NowServing)
	}
	if view.WaitingCount != 1 {
		t.Fatalf("waiting count = %d, want 1", view.WaitingCount)
	}
	if got := estimateOf(view.Tokens, second.ID); got != 10 {
		t.Fatalf("estimate for token 11 = %d, want 10", got)
	}

	next, err := engine.CompleteCurrentAndCallNext(ctx, TenantInput{TenantID: tenant, Actor: "desk"})
	if err != nil {
		t.Fatalf("complete and call next: %v", err)
	}
	if next.Completed == nil || next.Completed.TokenNumber != 10 || next.Completed.Status != models.StatusCompleted {
		t.Fatalf("completed = %+v, want token 10 completed", next.Completed)
	}
	if next.Token.TokenNumber != 11 || next.Token.Status != models.StatusInConsultation {
		t.Fatalf("next token = %d/%q, want 11/in_consultation", next.Token.TokenNumber, next.Token.Status)
	}

	audit, err := engine.ListAudit(ctx, tenant)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	found := false
	for _, record := range audit {
		if record.Action == "force_complete" && record.TokenID == first.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("no force_complete audit record for token %s", first.ID)
	}

	events := dispatcher.all()
	if len(events) == 0 {
		t.Fatal("no queue events dispatched")
	}
	last := events[len(events)-1]
	if last.TokenNumber != 11 || last.NewStatus != models.StatusInConsultation {
		t.Fatalf("last event = %d/%q, want 11/in_consultation", last.TokenNumber, last.NewStatus)
	}
}

func TestCompleteIsNotRepeatable(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	const tenant = "clinic-a"

	token, err := engine.CheckIn(ctx, CheckInInput{TenantID: tenant, SubjectRef: "patient-1"})
	if err != nil {
		t.Fatalf("check-in: %v", err)
	}
	if _, err := engine.CallSpecific(ctx, TokenInput{TenantID: tenant, TokenID: token.ID}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := engine.Complete(ctx, TokenInput{TenantID: tenant, TokenID: token.ID}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := engine.Complete(ctx, TokenInput{TenantID: tenant, TokenID: token.ID}); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("second complete error = %v, want ErrInvalidTransition", err)
	}
}

func TestSkipUnknownToken(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, err := engine.Skip(context.Background(), TokenInput{TenantID: "clinic-a", TokenID: uuid.NewString()})
	if !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("skip unknown error = %v, want ErrTokenNotFound", err)
	}
}

func TestCallNextEmptyQueue(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	result, err := engine.CallNext(context.Background(), TenantInput{TenantID: "clinic-a"})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if !result.Empty {
		t.Fatal("empty queue not reported")
	}
}

func TestConcurrentCheckInNumbering(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	const tenant = "clinic-a"
	const n = 20

	numbers := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := engine.CheckIn(ctx, CheckInInput{TenantID: tenant, SubjectRef: "patient"})
			if err != nil {
				t.Errorf("check-in: %v", err)
				return
			}
			numbers <- token.TokenNumber
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[int]bool)
	for number := range numbers {
		if seen[number] {
			t.Fatalf("token number %d issued twice", number)
		}
		seen[number] = true
	}
	if len(seen) != n {
		t.Fatalf("issued %d numbers, want %d", len(seen), n)
	}
	for i := 10; i < 10+n; i++ {
		if !seen[i] {
			t.Fatalf("number %d missing; numbering must be dense from the start number", i)
		}
	}
}

func TestConcurrentCallNextSingleWinner(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	const tenant = "clinic-a"

	for i := 0; i < 2; i++ {
		if _, err := engine.CheckIn(ctx, CheckInInput{TenantID: tenant, SubjectRef: "patient"}); err != nil {
			t.Fatalf("check-in: %v", err)
		}
	}

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.CallNext(ctx, TenantInput{TenantID: tenant})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrConsultationInProgress):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins=%d conflicts=%d, want exactly one of each", wins, conflicts)
	}

	view, err := engine.GetQueueView(ctx, tenant)
	if err != nil {
		t.Fatalf("queue view: %v", err)
	}
	active := 0
	for _, token := range view.Tokens {
		if token.Status == models.StatusInConsultation {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("active consultations = %d, want 1", active)
	}
}

func TestEmergencyInsertJumpsQueue(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	const tenant = "clinic-a"

	var last models.QueueToken
	for i := 0; i < 3; i++ {
		token, err := engine.CheckIn(ctx, CheckInInput{TenantID: tenant, SubjectRef: "patient"})
		if err != nil {
			t.Fatalf("check-in: %v", err)
		}
		last = token
	}

	flagged, err := engine.EmergencyInsert(ctx, TokenInput{TenantID: tenant, TokenID: last.ID, Actor: "desk"})
	if err != nil {
		t.Fatalf("emergency insert: %v", err)
	}
	if !flagged.PriorityOverride {
		t.Fatal("priority override not set")
	}
	if flagged.TokenNumber != last.TokenNumber {
		t.Fatalf("token number changed to %d; numbering is immutable", flagged.TokenNumber)
	}

	called, err := engine.CallNext(ctx, TenantInput{TenantID: tenant})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if called.Token.ID != last.ID {
		t.Fatalf("called token %d, want flagged token %d", called.Token.TokenNumber, last.TokenNumber)
	}
	// The override is consumed by the call.
	if called.Token.PriorityOverride {
		t.Fatal("priority override survived the call")
	}

	audit, err := engine.ListAudit(ctx, tenant)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	found := false
	for _, record := range audit {
		if record.Action == "emergency_insert" && record.TokenID == last.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("emergency_insert not audited")
	}
}

func TestEmergencyInsertRequiresWaiting(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	const tenant = "clinic-a"

	token, err := engine.CheckIn(ctx, CheckInInput{TenantID: tenant, SubjectRef: "patient"})
	if err != nil {
		t.Fatalf("check-in: %v", err)
	}
	if _, err := engine.CallSpecific(ctx, TokenInput{TenantID: tenant, TokenID: token.ID}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := engine.EmergencyInsert(ctx, TokenInput{TenantID: tenant, TokenID: token.ID}); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("emergency insert on active token error = %v, want ErrInvalidTransition", err)
	}
}

func TestInactiveSubscriptionRejectsCheckIn(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	settings := StaticSettings{Defaults: models.TenantSettings{}}
	engine := NewEngine(memory.NewStore(memory.Options{}), fakeSubscriptions{active: false}, settings, &recordingDispatcher{}, Options{Clock: clock})

	_, err := engine.CheckIn(context.Background(), CheckInInput{TenantID: "clinic-a", SubjectRef: "patient"})
	if !errors.Is(err, store.ErrSubscriptionInactive) {
		t.Fatalf("check-in error = %v, want ErrSubscriptionInactive", err)
	}
}

func TestCheckInRejectsUnknownVisitType(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, err := engine.CheckIn(context.Background(), CheckInInput{TenantID: "clinic-a", SubjectRef: "patient", VisitType: "telepathy"})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("check-in error = %v, want ErrInvalidTransition", err)
	}
}

func TestRollingAverageFeedsEstimates(t *testing.T) {
	engine, clock, _ := newTestEngine(t)
	ctx := context.Background()
	const tenant = "clinic-a"

	// Five consultations of 4 minutes each fill the rolling window.
	for i := 0; i < 5; i++ {
		token, err := engine.CheckIn(ctx, CheckInInput{TenantID: tenant, SubjectRef: "patient"})
		if err != nil {
			t.Fatalf("check-in: %v", err)
		}
		if _, err := engine.CallSpecific(ctx, TokenInput{TenantID: tenant, TokenID: token.ID}); err != nil {
			t.Fatalf("call: %v", err)
		}
		clock.Advance(4 * time.Minute)
		if _, err := engine.Complete(ctx, TokenInput{TenantID: tenant, TokenID: token.ID}); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	if _, err := engine.CheckIn(ctx, CheckInInput{TenantID: tenant, SubjectRef: "patient"}); err != nil {
		t.Fatalf("check-in: %v", err)
	}
	tail, err := engine.CheckIn(ctx, CheckInInput{TenantID: tenant, SubjectRef: "patient"})
	if err != nil {
		t.Fatalf("check-in: %v", err)
	}

	view, err := engine.GetQueueView(ctx, tenant)
	if err != nil {
		t.Fatalf("queue view: %v", err)
	}
	if view.AverageConsultationMinutes != 4 {
		t.Fatalf("average = %v, want 4 from observed consultations", view.AverageConsultationMinutes)
	}
	if got := estimateOf(view.Tokens, tail.ID); got != 4 {
		t.Fatalf("tail estimate = %d, want 4", got)
	}
}
