package queue

import (
	"context"
	"errors"
	"log/slog"

	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/notifier"
	"clinicq/queue-service/internal/store"

	"github.com/google/uuid"
)

type CheckInInput struct {
	TenantID   string
	SubjectRef string
	VisitType  string
	Actor      string
}

type TenantInput struct {
	TenantID string
	Actor    string
}

type TokenInput struct {
	TenantID string
	TokenID  string
	Actor    string
}

// CallResult carries the outcome of a call-next style operation. Empty is a
// legitimate terminal condition, not an error: the queue simply has no
// waiting tokens.
type CallResult struct {
	Token     models.QueueToken  `json:"token"`
	Empty     bool               `json:"empty"`
	Completed *models.QueueToken `json:"completed,omitempty"`
}

type QueueView struct {
	TenantID                   string              `json:"tenant_id"`
	ServiceDate                string              `json:"service_date"`
	NowServing                 *models.QueueToken  `json:"now_serving,omitempty"`
	WaitingCount               int                 `json:"waiting_count"`
	CompletedCount             int                 `json:"completed_count"`
	SkippedCount               int                 `json:"skipped_count"`
	AverageConsultationMinutes float64             `json:"average_consultation_minutes"`
	Tokens                     []models.QueueToken `json:"tokens"`
}

// Controller is the surface front-desk adapters invoke.
type Controller interface {
	CheckIn(ctx context.Context, input CheckInInput) (models.QueueToken, error)
	AddWalkIn(ctx context.Context, input CheckInInput) (models.QueueToken, error)
	CallNext(ctx context.Context, input TenantInput) (CallResult, error)
	CallSpecific(ctx context.Context, input TokenInput) (models.QueueToken, error)
	Skip(ctx context.Context, input TokenInput) (models.QueueToken, error)
	Complete(ctx context.Context, input TokenInput) (models.QueueToken, error)
	CompleteCurrentAndCallNext(ctx context.Context, input TenantInput) (CallResult, error)
	EmergencyInsert(ctx context.Context, input TokenInput) (models.QueueToken, error)
	GetQueueView(ctx context.Context, tenantID string) (QueueView, error)
	ListAudit(ctx context.Context, tenantID string) ([]store.AuditRecord, error)
}

// Engine orchestrates sequencing, the state machine, the estimator, and
// event emission over a Storage backend. All mutations go through the
// store's compare-and-swap Replace, so two concurrent calls for the same
// tenant-day resolve deterministically: one wins, the other observes
// ErrStaleWrite or ErrConsultationInProgress.
type Engine struct {
	storage       store.Storage
	sequencer     store.Sequencer
	subscriptions SubscriptionChecker
	settings      SettingsProvider
	dispatcher    notifier.Dispatcher
	clock         Clock
	logger        *slog.Logger
	maxRetries    int
}

type Options struct {
	// Sequencer overrides the storage-backed sequencer, e.g. with the Redis
	// one when several instances share partitions. Nil uses storage.
	Sequencer  store.Sequencer
	Clock      Clock
	Logger     *slog.Logger
	MaxRetries int
}

func NewEngine(storage store.Storage, subscriptions SubscriptionChecker, settings SettingsProvider, dispatcher notifier.Dispatcher, options Options) *Engine {
	sequencer := options.Sequencer
	if sequencer == nil {
		sequencer = storage
	}
	clock := options.Clock
	if clock == nil {
		clock = SystemClock()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if dispatcher == nil {
		dispatcher = notifier.NewLogDispatcher(logger)
	}
	retries := options.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	if subscriptions == nil {
		subscriptions = AlwaysActive{}
	}
	return &Engine{
		storage:       storage,
		sequencer:     sequencer,
		subscriptions: subscriptions,
		settings:      settings,
		dispatcher:    dispatcher,
		clock:         clock,
		logger:        logger,
		maxRetries:    retries,
	}
}

func (e *Engine) partition(ctx context.Context, tenantID string) (store.Partition, models.TenantSettings, error) {
	settings, err := e.settings.TenantSettings(ctx, tenantID)
	if err != nil {
		return store.Partition{}, models.TenantSettings{}, err
	}
	settings = settings.Normalize()
	day := models.ServiceDayFor(e.clock.Now(), settings)
	return store.Partition{TenantID: tenantID, ServiceDate: day}, settings, nil
}

func (e *Engine) CheckIn(ctx context.Context, input CheckInInput) (models.QueueToken, error) {
	if input.VisitType == "" {
		input.VisitType = models.VisitScheduled
	}
	return e.admit(ctx, input)
}

func (e *Engine) AddWalkIn(ctx context.Context, input CheckInInput) (models.QueueToken, error) {
	if input.VisitType == "" {
		input.VisitType = models.VisitWalkIn
	}
	return e.admit(ctx, input)
}

func (e *Engine) admit(ctx context.Context, input CheckInInput) (models.QueueToken, error) {
	if !models.ValidVisitType(input.VisitType) {
		return models.QueueToken{}, store.ErrInvalidTransition
	}

	active, err := e.subscriptions.IsSubscriptionActive(ctx, input.TenantID)
	if err != nil {
		return models.QueueToken{}, err
	}
	if !active {
		return models.QueueToken{}, store.ErrSubscriptionInactive
	}

	p, settings, err := e.partition(ctx, input.TenantID)
	if err != nil {
		return models.QueueToken{}, err
	}

	number, err := e.sequencer.NextTokenNumber(ctx, p, settings.StartNumber)
	if err != nil {
		return models.QueueToken{}, err
	}

	token := models.QueueToken{
		ID:           uuid.NewString(),
		TenantID:     p.TenantID,
		ServiceDate:  p.ServiceDate,
		TokenNumber:  number,
		SubjectRef:   input.SubjectRef,
		VisitType:    input.VisitType,
		Status:       models.StatusWaiting,
		RegisteredAt: e.clock.Now(),
	}
	if err := e.storage.Add(ctx, token); err != nil {
		if errors.Is(err, store.ErrDuplicateTokenNumber) {
			// Sequencer contract violated. This is a bug signal, never a
			// user error.
			e.logger.Error("duplicate token number issued",
				"tenant_id", p.TenantID, "service_date", p.ServiceDate, "token_number", number)
		}
		return models.QueueToken{}, err
	}
	token.Version = 1

	e.emit(ctx, token, "")
	return e.withEstimate(ctx, p, settings, token), nil
}

func (e *Engine) CallNext(ctx context.Context, input TenantInput) (CallResult, error) {
	p, settings, err := e.partition(ctx, input.TenantID)
	if err != nil {
		return CallResult{}, err
	}

	lastErr := error(store.ErrStaleWrite)
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		tokens, err := e.storage.List(ctx, p)
		if err != nil {
			return CallResult{}, err
		}
		if findActive(tokens) != nil {
			return CallResult{}, store.ErrConsultationInProgress
		}

		waiting := WaitingOrder(tokens)
		if len(waiting) == 0 {
			return CallResult{Empty: true}, nil
		}

		called, err := e.callToken(ctx, waiting[0])
		if errors.Is(err, store.ErrStaleWrite) {
			lastErr = err
			continue
		}
		if err != nil {
			return CallResult{}, err
		}
		return CallResult{Token: e.withEstimate(ctx, p, settings, called)}, nil
	}
	return CallResult{}, lastErr
}

func (e *Engine) CallSpecific(ctx context.Context, input TokenInput) (models.QueueToken, error) {
	p, settings, err := e.partition(ctx, input.TenantID)
	if err != nil {
		return models.QueueToken{}, err
	}
	token, err := e.storage.Find(ctx, p, input.TokenID)
	if err != nil {
		return models.QueueToken{}, err
	}
	if !ValidTransition("call", token.Status) {
		return models.QueueToken{}, store.ErrInvalidTransition
	}
	called, err := e.callToken(ctx, token)
	if err != nil {
		return models.QueueToken{}, err
	}
	return e.withEstimate(ctx, p, settings, called), nil
}

// callToken applies WAITING -> IN_CONSULTATION through the CAS write and
// emits the status change. A consumed priority override is cleared.
func (e *Engine) callToken(ctx context.Context, token models.QueueToken) (models.QueueToken, error) {
	old := token.Status
	now := e.clock.Now()
	token.Status = models.StatusInConsultation
	token.CalledAt = &now
	token.PriorityOverride = false

	replaced, err := e.storage.Replace(ctx, token)
	if err != nil {
		return models.QueueToken{}, err
	}
	e.emit(ctx, replaced, old)
	return replaced, nil
}

func (e *Engine) Skip(ctx context.Context, input TokenInput) (models.QueueToken, error) {
	return e.finish(ctx, input, "skip", models.StatusSkipped)
}

func (e *Engine) Complete(ctx context.Context, input TokenInput) (models.QueueToken, error) {
	return e.finish(ctx, input, "complete", models.StatusCompleted)
}

func (e *Engine) finish(ctx context.Context, input TokenInput, action, toStatus string) (models.QueueToken, error) {
	p, _, err := e.partition(ctx, input.TenantID)
	if err != nil {
		return models.QueueToken{}, err
	}
	token, err := e.storage.Find(ctx, p, input.TokenID)
	if err != nil {
		return models.QueueToken{}, err
	}
	if !ValidTransition(action, token.Status) {
		return models.QueueToken{}, store.ErrInvalidTransition
	}

	old := token.Status
	token.Status = toStatus
	if toStatus == models.StatusCompleted {
		now := e.clock.Now()
		token.CompletedAt = &now
	}
	replaced, err := e.storage.Replace(ctx, token)
	if err != nil {
		return models.QueueToken{}, err
	}
	e.emit(ctx, replaced, old)
	return replaced, nil
}

// CompleteCurrentAndCallNext is the compound front-desk action: it force-
// completes the active consultation, records the forced transition in the
// audit trail, and calls the next waiting token. It is one atomic controller
// operation rather than two client calls, so the single-active invariant is
// never observably violated between the two steps.
func (e *Engine) CompleteCurrentAndCallNext(ctx context.Context, input TenantInput) (CallResult, error) {
	p, settings, err := e.partition(ctx, input.TenantID)
	if err != nil {
		return CallResult{}, err
	}

	var completed *models.QueueToken
	lastErr := error(store.ErrStaleWrite)
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		tokens, err := e.storage.List(ctx, p)
		if err != nil {
			return CallResult{}, err
		}

		if active := findActive(tokens); active != nil && completed == nil {
			now := e.clock.Now()
			update := *active
			update.Status = models.StatusCompleted
			update.CompletedAt = &now
			replaced, err := e.storage.Replace(ctx, update)
			if errors.Is(err, store.ErrStaleWrite) {
				lastErr = err
				continue
			}
			if err != nil {
				return CallResult{}, err
			}
			e.emit(ctx, replaced, models.StatusInConsultation)
			e.audit(ctx, p, replaced.ID, "force_complete", input.Actor, "completed by complete-and-call-next")
			completed = &replaced
			tokens, err = e.storage.List(ctx, p)
			if err != nil {
				return CallResult{}, err
			}
		}

		waiting := WaitingOrder(tokens)
		if len(waiting) == 0 {
			return CallResult{Empty: true, Completed: completed}, nil
		}

		called, err := e.callToken(ctx, waiting[0])
		if errors.Is(err, store.ErrStaleWrite) {
			lastErr = err
			continue
		}
		if err != nil {
			return CallResult{}, err
		}
		return CallResult{Token: e.withEstimate(ctx, p, settings, called), Completed: completed}, nil
	}
	return CallResult{}, lastErr
}

// EmergencyInsert flags a waiting token as next-to-call without renumbering
// anything; numbering is immutable once issued. The override is audited.
func (e *Engine) EmergencyInsert(ctx context.Context, input TokenInput) (models.QueueToken, error) {
	p, settings, err := e.partition(ctx, input.TenantID)
	if err != nil {
		return models.QueueToken{}, err
	}
	token, err := e.storage.Find(ctx, p, input.TokenID)
	if err != nil {
		return models.QueueToken{}, err
	}
	if !ValidTransition("emergency_insert", token.Status) {
		return models.QueueToken{}, store.ErrInvalidTransition
	}

	token.PriorityOverride = true
	replaced, err := e.storage.Replace(ctx, token)
	if err != nil {
		return models.QueueToken{}, err
	}
	e.audit(ctx, p, replaced.ID, "emergency_insert", input.Actor, "priority override set")
	e.emit(ctx, replaced, replaced.Status)
	return e.withEstimate(ctx, p, settings, replaced), nil
}

func (e *Engine) GetQueueView(ctx context.Context, tenantID string) (QueueView, error) {
	p, settings, err := e.partition(ctx, tenantID)
	if err != nil {
		return QueueView{}, err
	}
	tokens, err := e.storage.List(ctx, p)
	if err != nil {
		return QueueView{}, err
	}

	avg := AverageConsultationMinutes(tokens, settings)
	tokens = ApplyEstimates(tokens, avg)

	view := QueueView{
		TenantID:                   p.TenantID,
		ServiceDate:                p.ServiceDate,
		AverageConsultationMinutes: avg,
		Tokens:                     tokens,
	}
	for i := range tokens {
		switch tokens[i].Status {
		case models.StatusWaiting:
			view.WaitingCount++
		case models.StatusInConsultation:
			view.NowServing = &tokens[i]
		case models.StatusCompleted:
			view.CompletedCount++
		case models.StatusSkipped:
			view.SkippedCount++
		}
	}
	return view, nil
}

func (e *Engine) ListAudit(ctx context.Context, tenantID string) ([]store.AuditRecord, error) {
	p, _, err := e.partition(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return e.storage.ListAudit(ctx, p)
}

// emit publishes a QueueChanged event. Delivery is best-effort: the queue
// is the source of truth and a failed dispatch never rolls anything back.
func (e *Engine) emit(ctx context.Context, token models.QueueToken, oldStatus string) {
	event := notifier.QueueChanged{
		TenantID:    token.TenantID,
		ServiceDate: token.ServiceDate,
		TokenID:     token.ID,
		TokenNumber: token.TokenNumber,
		OldStatus:   oldStatus,
		NewStatus:   token.Status,
		Timestamp:   e.clock.Now(),
	}
	if err := e.dispatcher.Dispatch(ctx, event); err != nil {
		e.logger.Warn("event dispatch failed",
			"tenant_id", token.TenantID, "token_id", token.ID, "error", err)
	}
}

func (e *Engine) audit(ctx context.Context, p store.Partition, tokenID, action, actor, detail string) {
	record := store.AuditRecord{
		AuditID:     uuid.NewString(),
		TenantID:    p.TenantID,
		ServiceDate: p.ServiceDate,
		TokenID:     tokenID,
		Action:      action,
		Actor:       actor,
		Detail:      detail,
		OccurredAt:  e.clock.Now(),
	}
	if err := e.storage.AppendAudit(ctx, record); err != nil {
		e.logger.Error("audit append failed",
			"tenant_id", p.TenantID, "token_id", tokenID, "action", action, "error", err)
	}
}

// withEstimate recomputes wait estimates over the fresh snapshot and returns
// the token with its derived estimate attached. Falls back to the bare token
// when the snapshot read fails.
func (e *Engine) withEstimate(ctx context.Context, p store.Partition, settings models.TenantSettings, token models.QueueToken) models.QueueToken {
	tokens, err := e.storage.List(ctx, p)
	if err != nil {
		return token
	}
	avg := AverageConsultationMinutes(tokens, settings)
	for _, candidate := range ApplyEstimates(tokens, avg) {
		if candidate.ID == token.ID {
			return candidate
		}
	}
	return token
}

func findActive(tokens []models.QueueToken) *models.QueueToken {
	for i := range tokens {
		if tokens[i].Status == models.StatusInConsultation {
			return &tokens[i]
		}
	}
	return nil
}
