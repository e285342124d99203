package saga

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
	"github.com/fairyhunter13/mahavishnu/internal/usecase"
)

// RolloutType is the built-in saga type for transactional multi-repo
// rollouts: run a task across repos, verify the aggregate, and on failure
// undo with a compensating task.
const RolloutType = "rollout"

// Rollout state keys supplied by the caller.
//
//	task              — the task to execute (domain.Task shape)
//	repos             — repository paths
//	engine            — engine adapter name
//	compensation_task — optional task run against succeeded repos on unwind
const (
	keyTask         = "task"
	keyRepos        = "repos"
	keyEngine       = "engine"
	keyCompensation = "compensation_task"
)

// RolloutDefinition builds the rollout saga over the workflow engine.
func RolloutDefinition(engine *usecase.WorkflowService) Definition {
	return Definition{
		Type: RolloutType,
		Steps: []domain.SagaStep{
			{
				Name:           "prepare",
				IdempotencyKey: "prepare-v1",
				Execute: func(_ domain.Context, state domain.SagaState) (domain.SagaState, error) {
					if _, _, _, err := rolloutInput(state); err != nil {
						return nil, err
					}
					return domain.SagaState{"prepared_at": time.Now().UTC().Format(time.RFC3339)}, nil
				},
				Compensate: func(domain.Context, domain.SagaState) error { return nil },
			},
			{
				Name:           "execute",
				IdempotencyKey: "execute-v1",
				Execute: func(ctx domain.Context, state domain.SagaState) (domain.SagaState, error) {
					task, repos, eng, err := rolloutInput(state)
					if err != nil {
						return nil, err
					}
					w, err := engine.Execute(ctx, task, repos, eng, 0)
					if err != nil {
						return nil, err
					}
					if w.Status == domain.WorkflowFailure {
						return nil, fmt.Errorf("op=saga.rollout: workflow %s failed on every repo: %w", w.ID, domain.ErrSagaStepFailed)
					}
					return domain.SagaState{
						"workflow_id":      w.ID,
						"workflow_status":  string(w.Status),
						"successful_repos": w.SuccessfulRepos,
					}, nil
				},
				Compensate: func(ctx domain.Context, state domain.SagaState) error {
					comp, repos, eng, ok := rolloutCompensation(state)
					if !ok {
						return nil
					}
					_, err := engine.Execute(ctx, comp, repos, eng, 0)
					return err
				},
			},
			{
				Name:           "verify",
				IdempotencyKey: "verify-v1",
				Execute: func(_ domain.Context, state domain.SagaState) (domain.SagaState, error) {
					exec, _ := state["execute"].(map[string]any)
					if exec == nil {
						return nil, fmt.Errorf("op=saga.rollout: no execution record: %w", domain.ErrSagaStepFailed)
					}
					if exec["workflow_status"] == string(domain.WorkflowPartial) {
						return nil, fmt.Errorf("op=saga.rollout: partial rollout rejected: %w", domain.ErrSagaStepFailed)
					}
					return domain.SagaState{"verified_at": time.Now().UTC().Format(time.RFC3339)}, nil
				},
				Compensate: func(domain.Context, domain.SagaState) error { return nil },
			},
		},
	}
}

func rolloutInput(state domain.SagaState) (domain.Task, []string, string, error) {
	var task domain.Task
	if err := restate(state[keyTask], &task); err != nil {
		return domain.Task{}, nil, "", fmt.Errorf("op=saga.rollout: task: %w", domain.ErrValidation)
	}
	var repos []string
	if err := restate(state[keyRepos], &repos); err != nil || len(repos) == 0 {
		return domain.Task{}, nil, "", fmt.Errorf("op=saga.rollout: repos: %w", domain.ErrValidation)
	}
	eng, _ := state[keyEngine].(string)
	if eng == "" {
		return domain.Task{}, nil, "", fmt.Errorf("op=saga.rollout: engine: %w", domain.ErrValidation)
	}
	return task, repos, eng, nil
}

// rolloutCompensation resolves the compensating task and the repos it must
// touch: only repos the execute step actually changed.
func rolloutCompensation(state domain.SagaState) (domain.Task, []string, string, bool) {
	var comp domain.Task
	if err := restate(state[keyCompensation], &comp); err != nil || comp.Type == "" {
		return domain.Task{}, nil, "", false
	}
	eng, _ := state[keyEngine].(string)
	exec, _ := state["execute"].(map[string]any)
	if eng == "" || exec == nil {
		return domain.Task{}, nil, "", false
	}
	var repos []string
	if err := restate(exec["successful_repos"], &repos); err != nil || len(repos) == 0 {
		return domain.Task{}, nil, "", false
	}
	return comp, repos, eng, true
}

// restate converts a decoded-JSON value into a typed destination.
func restate(v any, dst any) error {
	if v == nil {
		return fmt.Errorf("missing value")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
