package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	temporalworker "go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/exsilium/shiphub-server/internal/changes"
)

const (
	cycleTaskQueue      = "shiphub-sync-task-queue"
	cycleWorkflowName   = "shiphub.entity.cycle"
	prepareActivityName = "shiphub.entity.prepare"
	stageActivityName   = "shiphub.entity.stage"
	publishActivityName = "shiphub.entity.publish"
)

// CycleInput names the entity a cycle workflow syncs.
type CycleInput struct {
	Entity Entity `json:"entity"`
}

// StageInput is the argument of the stage activity.
type StageInput struct {
	Entity Entity `json:"entity"`
	Stage  Stage  `json:"stage"`
}

// CycleResult summarizes a finished cycle workflow.
type CycleResult struct {
	Entity      Entity          `json:"entity"`
	Deactivate  bool            `json:"deactivate,omitempty"`
	Stages      []StageResult   `json:"stages"`
	Changes     changes.Summary `json:"changes"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// CycleActivities exposes the Syncer's steps as Temporal activities.
type CycleActivities struct {
	syncer *Syncer
	logger *slog.Logger
}

func NewCycleActivities(syncer *Syncer, logger *slog.Logger) *CycleActivities {
	return &CycleActivities{syncer: syncer, logger: logger}
}

// Prepare reports whether the entity has a usable credential.
func (a *CycleActivities) Prepare(ctx context.Context, input CycleInput) (bool, error) {
	return a.syncer.Ready(ctx, input.Entity)
}

// RunStage runs one stage and saves its metadata and rate limits.
func (a *CycleActivities) RunStage(ctx context.Context, input StageInput) (StageResult, error) {
	result, err := a.syncer.RunStage(ctx, input.Entity, input.Stage)
	if err != nil {
		a.logger.Error("activity stage failed", "entity", input.Entity.String(), "stage", input.Stage, "error", err)
		return result, err
	}
	a.logger.Debug("activity stage", "entity", input.Entity.String(), "stage", input.Stage, "changes", result.Changes.Len(), "fresh", result.Fresh)
	return result, nil
}

// Publish sends the cycle's accumulated changes.
func (a *CycleActivities) Publish(ctx context.Context, summary changes.Summary) error {
	return a.syncer.Publish(ctx, summary)
}

// EntityCycleWorkflow runs the stages of one cycle as separate activities so
// that each gets its own retry boundary. Changes are merged in the workflow
// and published once.
func EntityCycleWorkflow(ctx workflow.Context, input CycleInput) (CycleResult, error) {
	logger := workflow.GetLogger(ctx)
	stages := Stages(input.Entity.Kind)
	if input.Entity.ID == 0 || len(stages) == 0 {
		return CycleResult{}, fmt.Errorf("invalid entity %q", input.Entity.String())
	}
	options := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, options)

	result := CycleResult{Entity: input.Entity, StartedAt: workflow.Now(ctx)}
	logger.Info("cycle workflow started", "entity", input.Entity.String())

	var ready bool
	if err := workflow.ExecuteActivity(ctx, prepareActivityName, input).Get(ctx, &ready); err != nil {
		logger.Error("prepare activity failed", "error", err)
		return result, err
	}
	if !ready {
		result.Deactivate = true
		result.CompletedAt = workflow.Now(ctx)
		return result, nil
	}

	for _, stage := range stages {
		var sr StageResult
		if err := workflow.ExecuteActivity(ctx, stageActivityName, StageInput{Entity: input.Entity, Stage: stage}).Get(ctx, &sr); err != nil {
			logger.Error("stage activity failed", "stage", stage, "error", err)
			return result, err
		}
		result.Stages = append(result.Stages, sr)
		result.Changes = changes.Union(result.Changes, sr.Changes)
		if sr.PoolEmpty {
			logger.Info("credential pool empty, deferring remaining stages", "stage", stage)
			break
		}
	}

	if !result.Changes.IsEmpty() {
		if err := workflow.ExecuteActivity(ctx, publishActivityName, result.Changes).Get(ctx, nil); err != nil {
			logger.Error("publish activity failed", "error", err)
			return result, err
		}
	}

	result.CompletedAt = workflow.Now(ctx)
	logger.Info("cycle workflow finished", "entity", input.Entity.String(), "changes", result.Changes.Len())
	return result, nil
}

// RegisterCycleWorker wires up the Temporal worker consuming the cycle queue.
func RegisterCycleWorker(c client.Client, syncer *Syncer, logger *slog.Logger) temporalworker.Worker {
	w := temporalworker.New(c, cycleTaskQueue, temporalworker.Options{})
	w.RegisterWorkflowWithOptions(EntityCycleWorkflow, workflow.RegisterOptions{Name: cycleWorkflowName})
	activities := NewCycleActivities(syncer, logger.With("component", "cycle.activities"))
	w.RegisterActivityWithOptions(activities.Prepare, activity.RegisterOptions{Name: prepareActivityName})
	w.RegisterActivityWithOptions(activities.RunStage, activity.RegisterOptions{Name: stageActivityName})
	w.RegisterActivityWithOptions(activities.Publish, activity.RegisterOptions{Name: publishActivityName})
	return w
}

// TemporalRunner runs each cycle as a workflow. It implements Runner so the
// registry's timers and idle policy stay in-process.
type TemporalRunner struct {
	client client.Client
	logger *slog.Logger
}

func NewTemporalRunner(c client.Client, logger *slog.Logger) *TemporalRunner {
	return &TemporalRunner{client: c, logger: logger.With("component", "cycle.runner")}
}

// RunCycle starts the entity's cycle workflow and waits for it. The workflow
// ID is per entity, so a cycle already running elsewhere is joined rather
// than duplicated.
func (r *TemporalRunner) RunCycle(ctx context.Context, e Entity) error {
	options := client.StartWorkflowOptions{
		ID:                       fmt.Sprintf("cycle-%s-%d", e.Kind, e.ID),
		TaskQueue:                cycleTaskQueue,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionTimeout: 30 * time.Minute,
	}
	we, err := r.client.ExecuteWorkflow(ctx, options, cycleWorkflowName, CycleInput{Entity: e})
	if err != nil {
		r.logger.Error("start workflow failed", "entity", e.String(), "error", err)
		return err
	}
	var result CycleResult
	if err := we.Get(ctx, &result); err != nil {
		r.logger.Error("wait workflow failed", "workflow_id", we.GetID(), "run_id", we.GetRunID(), "error", err)
		return err
	}
	r.logger.Debug("workflow completed", "workflow_id", we.GetID(), "run_id", we.GetRunID(), "entity", e.String(), "changes", result.Changes.Len())
	if result.Deactivate {
		return ErrNoCredentials
	}
	return nil
}

// CycleTaskQueue exposes the queue name for worker wiring and tests.
func CycleTaskQueue() string {
	return cycleTaskQueue
}
