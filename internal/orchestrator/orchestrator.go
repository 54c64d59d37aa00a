// Package orchestrator owns the research task lifecycle: admission, planning,
// the iteration loop, synthesis, and the final credit debit, reporting
// progress through the streaming manager at every phase transition.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/McLeuker/mcleukerai-sub000/internal/budget"
	"github.com/McLeuker/mcleukerai-sub000/internal/classifier"
	"github.com/McLeuker/mcleukerai-sub000/internal/config"
	"github.com/McLeuker/mcleukerai-sub000/internal/engine"
	"github.com/McLeuker/mcleukerai-sub000/internal/llm"
	"github.com/McLeuker/mcleukerai-sub000/internal/metrics"
	"github.com/McLeuker/mcleukerai-sub000/internal/models"
	"github.com/McLeuker/mcleukerai-sub000/internal/planner"
	"github.com/McLeuker/mcleukerai-sub000/internal/sanitize"
	"github.com/McLeuker/mcleukerai-sub000/internal/streaming"
	"github.com/McLeuker/mcleukerai-sub000/internal/synthesis"
	"github.com/McLeuker/mcleukerai-sub000/internal/taskerr"
	"github.com/McLeuker/mcleukerai-sub000/internal/tracing"
)

// forgetAfter is the grace period reconnecting clients get to replay the
// terminal event before the task's stream history is dropped.
const forgetAfter = 2 * time.Minute

// Request is one inbound research request with a resolved caller.
type Request struct {
	Query          string
	UserID         uuid.UUID
	ConversationID *uuid.UUID
	Model          string
	Domain         string
}

// TaskStore is the persistence surface the orchestrator needs. Write
// failures are logged by the store and never fail the task.
type TaskStore interface {
	QueueTask(task *models.ResearchTask)
	QueueSources(taskID string, sources []models.Source)
}

// Orchestrator runs research tasks. One instance serves all tasks; each task
// gets its own engine and accountant, so tasks share nothing but the ledger
// and store.
type Orchestrator struct {
	cfg      *config.Manager
	llm      *llm.Client
	search   engine.Searcher
	scrape   engine.Scraper
	discover engine.Discoverer
	synth    *synthesis.Synthesizer
	ledger   budget.Ledger
	store    TaskStore
	stream   *streaming.Manager
	gate     *budget.RateGate
	logger   *zap.Logger
}

func New(
	cfg *config.Manager,
	llmClient *llm.Client,
	search engine.Searcher,
	scrape engine.Scraper,
	discover engine.Discoverer,
	ledger budget.Ledger,
	store TaskStore,
	stream *streaming.Manager,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		llm:      llmClient,
		search:   search,
		scrape:   scrape,
		discover: discover,
		synth:    synthesis.New(llmClient, logger),
		ledger:   ledger,
		store:    store,
		stream:   stream,
		gate:     budget.NewRateGate(cfg.Current().Server.RateLimitPerMin),
		logger:   logger,
	}
}

// Admit validates the request and creates the task without running it.
// Callers subscribe to the task's stream, then call Run.
//
// Admission failures (validation, auth, budget, rate) reject before any
// provider call and before any credit is at stake.
func (o *Orchestrator) Admit(ctx context.Context, req Request) (*models.ResearchTask, error) {
	research := o.cfg.Research()

	query, err := sanitize.Query(req.Query)
	if err != nil {
		return nil, err
	}
	if req.UserID == uuid.Nil {
		return nil, taskerr.New(taskerr.KindAuth, "caller identity required")
	}
	if !o.gate.Allow(req.UserID.String()) {
		return nil, taskerr.New(taskerr.KindBudget, "rate limit exceeded, try again shortly")
	}
	if err := budget.CheckAdmission(ctx, o.ledger, req.UserID, research.BaseCost); err != nil {
		return nil, err
	}

	task := &models.ResearchTask{
		ID:             uuid.New(),
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Query:          query,
		Category:       classifier.Classify(query),
		Phase:          models.PhasePlanning,
		CreatedAt:      time.Now(),
	}
	o.store.QueueTask(task)
	metrics.TasksStarted.WithLabelValues(task.Category).Inc()
	o.logger.Info("research task started",
		zap.String("task_id", task.ID.String()),
		zap.String("category", task.Category),
		zap.String("user_id", task.UserID.String()))
	return task, nil
}

// Run executes an admitted task to a terminal phase on the calling
// goroutine. Cancelling ctx aborts outstanding provider calls; completed
// rounds are still charged.
func (o *Orchestrator) Run(ctx context.Context, task *models.ResearchTask) {
	research := o.cfg.Research()
	started := time.Now()
	acct := budget.NewAccountant(research.BaseCost, research.MaxCredits)

	runCtx, cancel := context.WithTimeout(ctx, research.MaxExecutionTime+30*time.Second)
	defer cancel()

	runCtx, span := tracing.StartSpan(runCtx, "research.task",
		attribute.String("task_id", task.ID.String()),
		attribute.String("category", task.Category))
	defer span.End()

	outcome, answer, err := o.pipeline(runCtx, task, research, acct)

	status := "completed"
	if err != nil {
		status = "failed"
		o.fail(ctx, task, acct, err)
	} else {
		o.complete(ctx, task, acct, outcome, answer)
	}
	metrics.TasksCompleted.WithLabelValues(task.Category, status).Inc()
	metrics.TaskDuration.WithLabelValues(task.Category).Observe(time.Since(started).Seconds())
	span.SetAttributes(
		attribute.String("status", status),
		attribute.Int("credits", acct.Total()))

	time.AfterFunc(forgetAfter, func() { o.stream.Forget(task.ID.String()) })
}

// pipeline runs planning through synthesis and returns the evidence and the
// final answer text.
func (o *Orchestrator) pipeline(ctx context.Context, task *models.ResearchTask, research config.ResearchConfig, acct *budget.Accountant) (*engine.Outcome, string, error) {
	o.transition(task, models.PhasePlanning, "planning research approach", models.Snapshot{}, acct)

	decon := planner.Deconstruct(ctx, o.llm, task.Query, o.logger)
	plan := planner.Plan(ctx, o.llm, task.Query, task.Category, decon, o.logger)

	eng := engine.New(research, o.llm, o.search, o.scrape, o.discover, acct, o.logger)
	outcome, err := eng.Run(ctx, task.Query, plan, decon, func(phase, message string, snap models.Snapshot) {
		o.transition(task, phase, message, snap, acct)
	})
	if err != nil {
		return nil, "", err
	}
	o.store.QueueSources(task.ID.String(), outcome.Sources)

	o.transition(task, models.PhaseGenerating, "writing final answer", outcome.Snapshot, acct)
	shape := plan.OutputShape
	if decon != nil && decon.OutputShape != "" {
		shape = decon.OutputShape
	}
	answer, err := o.synth.Run(ctx, synthesis.Input{
		Query:           task.Query,
		Category:        task.Category,
		OutputShape:     shape,
		Content:         outcome.Content,
		Sources:         outcome.Sources,
		Confidence:      outcome.Snapshot.Confidence,
		Coverage:        outcome.Snapshot.Coverage,
		Gaps:            outcome.Gaps,
		Contradictions:  outcome.Contradictions,
		MaxContentChars: research.MaxContentChars,
	}, func(chunk string) error {
		o.stream.Publish(task.ID.String(), streaming.Event{
			Phase:   models.PhaseGenerating,
			Content: chunk,
		})
		return ctx.Err()
	})
	if err != nil {
		// Preserve partial findings for downstream inspection.
		task.Answer = answer
		return outcome, answer, err
	}
	return outcome, answer, nil
}

// complete debits the accumulated cost exactly once and emits the terminal
// completed event. The debit uses a fresh context so a cancelled caller
// still pays for completed work.
func (o *Orchestrator) complete(ctx context.Context, task *models.ResearchTask, acct *budget.Accountant, outcome *engine.Outcome, answer string) {
	debitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	amount, err := acct.Finalize(debitCtx, o.ledger, task.ID, task.UserID, "deep research: "+task.Category, o.logger)
	if err != nil {
		// The answer was produced; a ledger outage must not fail the task.
		o.logger.Error("credit debit failed at completion",
			zap.String("task_id", task.ID.String()), zap.Error(err))
	}
	metrics.CreditsConsumed.Observe(float64(amount))

	now := time.Now()
	task.Phase = models.PhaseCompleted
	task.Answer = answer
	task.CreditsUsed = amount
	task.CompletedAt = &now
	o.store.QueueTask(task)

	o.stream.Publish(task.ID.String(), streaming.Event{
		Phase:       models.PhaseCompleted,
		Message:     "research complete",
		SourceCount: len(outcome.Sources),
		Confidence:  outcome.Snapshot.Confidence,
		Coverage:    outcome.Snapshot.Coverage,
		Credits:     amount,
		Final:       true,
	})
	o.logger.Info("research task completed",
		zap.String("task_id", task.ID.String()),
		zap.Int("credits", amount),
		zap.Int("sources", len(outcome.Sources)),
		zap.Int("iterations", outcome.Iterations))
}

// fail emits the terminal failed event. Cancelled tasks are still charged
// for rounds that completed, since those provider calls genuinely ran;
// admission-stage failures never reach this path and cost nothing.
func (o *Orchestrator) fail(ctx context.Context, task *models.ResearchTask, acct *budget.Accountant, cause error) {
	kind := taskerr.KindOf(cause)
	o.logger.Warn("research task failed",
		zap.String("task_id", task.ID.String()),
		zap.String("kind", kind.String()),
		zap.Error(cause))

	amount := 0
	if kind == taskerr.KindCancelled || kind == taskerr.KindSynthesis {
		debitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		var err error
		amount, err = acct.Finalize(debitCtx, o.ledger, task.ID, task.UserID, "deep research (partial): "+task.Category, o.logger)
		if err != nil {
			o.logger.Error("partial debit failed",
				zap.String("task_id", task.ID.String()), zap.Error(err))
		}
	}

	now := time.Now()
	task.Phase = models.PhaseFailed
	task.ErrorMessage = taskerr.UserMessage(cause)
	task.CreditsUsed = amount
	task.CompletedAt = &now
	o.store.QueueTask(task)

	o.stream.Publish(task.ID.String(), streaming.Event{
		Phase:   models.PhaseFailed,
		Message: task.ErrorMessage,
		Error:   kind.String(),
		Credits: amount,
		Final:   true,
	})
}

// transition advances the task's phase if the move is legal, persists it,
// and publishes a progress event.
func (o *Orchestrator) transition(task *models.ResearchTask, phase, message string, snap models.Snapshot, acct *budget.Accountant) {
	if !models.CanTransition(task.Phase, phase) {
		o.logger.Warn("illegal phase transition skipped",
			zap.String("task_id", task.ID.String()),
			zap.String("from", task.Phase),
			zap.String("to", phase))
		return
	}
	if task.Phase != phase {
		task.Phase = phase
		o.store.QueueTask(task)
	}
	o.stream.Publish(task.ID.String(), streaming.Event{
		Phase:       phase,
		Message:     message,
		SourceCount: snap.SourceCount,
		Confidence:  snap.Confidence,
		Coverage:    snap.Coverage,
		Credits:     acct.Total(),
	})
}
