package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/exsilium/shiphub-server/internal/changes"
)

type cycleWorkflowSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite

	env       *testsuite.TestWorkflowEnvironment
	published []changes.Summary
	stages    atomic.Int32
}

func TestCycleWorkflowSuite(t *testing.T) {
	suite.Run(t, new(cycleWorkflowSuite))
}

func (s *cycleWorkflowSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
	s.published = nil
	s.stages.Store(0)

	s.env.RegisterWorkflowWithOptions(EntityCycleWorkflow, workflow.RegisterOptions{Name: cycleWorkflowName})
	activities := &CycleActivities{}
	s.env.RegisterActivityWithOptions(activities.Prepare, activity.RegisterOptions{Name: prepareActivityName})
	s.env.RegisterActivityWithOptions(activities.RunStage, activity.RegisterOptions{Name: stageActivityName})
	s.env.RegisterActivityWithOptions(activities.Publish, activity.RegisterOptions{Name: publishActivityName})

	s.env.OnActivity(publishActivityName, mock.Anything, mock.Anything).Return(
		func(_ context.Context, summary changes.Summary) error {
			s.published = append(s.published, summary)
			return nil
		})
}

func (s *cycleWorkflowSuite) ready(ok bool) {
	s.env.OnActivity(prepareActivityName, mock.Anything, mock.Anything).Return(ok, nil)
}

func (s *cycleWorkflowSuite) onStage(fn func(StageInput) StageResult) {
	s.env.OnActivity(stageActivityName, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in StageInput) (StageResult, error) {
			s.stages.Add(1)
			return fn(in), nil
		})
}

func (s *cycleWorkflowSuite) run(e Entity) CycleResult {
	s.env.ExecuteWorkflow(cycleWorkflowName, CycleInput{Entity: e})
	s.Require().True(s.env.IsWorkflowCompleted())
	s.Require().NoError(s.env.GetWorkflowError())
	var result CycleResult
	s.Require().NoError(s.env.GetWorkflowResult(&result))
	return result
}

func (s *cycleWorkflowSuite) TestMergesStageChangesAndPublishesOnce() {
	org := Entity{Kind: KindOrganization, ID: 5}
	s.ready(true)
	s.onStage(func(in StageInput) StageResult {
		switch in.Stage {
		case StageDetails:
			return StageResult{Stage: in.Stage, Changes: changes.Of(changes.Organizations, 5)}
		case StageProjects:
			return StageResult{Stage: in.Stage, Changes: changes.Of(changes.Projects, 70, 71)}
		case StageWebhook:
			return StageResult{Stage: in.Stage, Changes: changes.Of(changes.Webhooks, 5)}
		}
		return StageResult{Stage: in.Stage, Fresh: true}
	})

	result := s.run(org)
	s.Equal(int32(4), s.stages.Load())
	s.Len(result.Stages, 4)
	s.False(result.Deactivate)

	want := changes.Of(changes.Organizations, 5)
	want.Add(changes.Projects, 70, 71)
	want.Add(changes.Webhooks, 5)
	s.True(want.Equal(result.Changes), "got %s", result.Changes)
	s.Require().Len(s.published, 1)
	s.True(want.Equal(s.published[0]))
}

func (s *cycleWorkflowSuite) TestPoolEmptyDefersRemainingStages() {
	user := Entity{Kind: KindUser, ID: 7}
	s.ready(true)
	s.onStage(func(in StageInput) StageResult {
		if in.Stage == StageOrganizations {
			return StageResult{Stage: in.Stage, PoolEmpty: true}
		}
		return StageResult{Stage: in.Stage, Changes: changes.Of(changes.Accounts, 7)}
	})

	result := s.run(user)
	s.Equal(int32(2), s.stages.Load())
	s.Require().Len(result.Stages, 2)
	s.True(result.Stages[1].PoolEmpty)
	s.Require().Len(s.published, 1)
	s.Equal([]int64{7}, s.published[0].IDs(changes.Accounts))
}

func (s *cycleWorkflowSuite) TestUnchangedCyclePublishesNothing() {
	s.ready(true)
	s.onStage(func(in StageInput) StageResult { return StageResult{Stage: in.Stage, Fresh: true} })

	result := s.run(Entity{Kind: KindUser, ID: 7})
	s.True(result.Changes.IsEmpty())
	s.Empty(s.published)
}

func (s *cycleWorkflowSuite) TestNoCredentialsRequestsDeactivation() {
	s.ready(false)
	s.onStage(func(in StageInput) StageResult { return StageResult{Stage: in.Stage} })

	result := s.run(Entity{Kind: KindOrganization, ID: 5})
	s.True(result.Deactivate)
	s.Zero(s.stages.Load())
}

func TestCycleWorkflowRejectsInvalidEntity(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflowWithOptions(EntityCycleWorkflow, workflow.RegisterOptions{Name: cycleWorkflowName})

	env.ExecuteWorkflow(cycleWorkflowName, CycleInput{Entity: Entity{Kind: "team", ID: 1}})
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
}
