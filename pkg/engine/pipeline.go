package engine

import (
	"errors"
	"fmt"
	"sort"
)

// DefaultStageID is used when a pipeline does not name its stage.
const DefaultStageID = "default"

// Pipeline is an ordered set of change units.
type Pipeline struct {
	StageID string
	Tasks   []Task
}

// NewPipeline returns a pipeline with its tasks sorted by order, then id.
func NewPipeline(stageID string, tasks ...Task) *Pipeline {
	if stageID == "" {
		stageID = DefaultStageID
	}
	p := &Pipeline{StageID: stageID, Tasks: append([]Task(nil), tasks...)}
	p.sort()
	return p
}

func (p *Pipeline) sort() {
	sort.SliceStable(p.Tasks, func(i, j int) bool {
		if p.Tasks[i].Order != p.Tasks[j].Order {
			return p.Tasks[i].Order < p.Tasks[j].Order
		}
		return p.Tasks[i].ID < p.Tasks[j].ID
	})
}

// Task returns the task with the given id.
func (p *Pipeline) Task(id string) (*Task, bool) {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i], true
		}
	}
	return nil, false
}

// Validate checks the pipeline against the registered target systems. All
// problems are reported together as one configuration error.
func (p *Pipeline) Validate(targets *TargetRegistry) error {
	var errs []error
	ids := make(map[string]bool, len(p.Tasks))
	orders := make(map[string]string, len(p.Tasks))

	for i := range p.Tasks {
		t := &p.Tasks[i]

		if t.ID == "" {
			errs = append(errs, fmt.Errorf("task %d has empty id", i))
			continue
		}
		if ids[t.ID] {
			errs = append(errs, configErr(ErrCodeDuplicateID, t.ID, "duplicate task id"))
		}
		ids[t.ID] = true

		if t.Order == "" {
			errs = append(errs, fmt.Errorf("task %s has empty order", t.ID))
		} else if other, dup := orders[t.Order]; dup && other != t.ID {
			errs = append(errs, configErr(ErrCodeDuplicateOrder, t.ID,
				fmt.Sprintf("order %s already used by %s", t.Order, other)))
		} else {
			orders[t.Order] = t.ID
		}

		if t.Apply == nil {
			errs = append(errs, fmt.Errorf("task %s has no apply operation", t.ID))
		}
		if err := t.Recovery.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
		}
		if t.Timeout < 0 {
			errs = append(errs, fmt.Errorf("task %s has negative timeout", t.ID))
		}

		if targets == nil {
			continue
		}
		target, ok := targets.Get(t.TargetSystemID)
		if !ok {
			errs = append(errs, configErr(ErrCodeUnknownTargetSystem, t.ID,
				fmt.Sprintf("unknown target system %q", t.TargetSystemID)))
			continue
		}
		if _, ok := target.(Transactor); t.Transactional && !ok {
			errs = append(errs, configErr(ErrCodeNotTransactional, t.ID,
				fmt.Sprintf("target system %s does not support transactions", t.TargetSystemID)))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return NewConfigurationError("invalid pipeline", errors.Join(errs...)).
		WithCode(ErrCodeValidation).
		WithDetail("problems", len(errs))
}

func configErr(code, changeID, msg string) error {
	return NewConfigurationError(msg, nil).WithCode(code).WithChange(changeID)
}
