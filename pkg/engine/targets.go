package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/changeflow/changeflow/pkg/audit"
)

// TargetRegistry holds the target systems known to a runner.
type TargetRegistry struct {
	targets map[string]TargetSystem
}

// NewTargetRegistry creates a registry with the given target systems.
// It panics on duplicate ids, like http.ServeMux does on duplicate patterns.
func NewTargetRegistry(targets ...TargetSystem) *TargetRegistry {
	r := &TargetRegistry{targets: make(map[string]TargetSystem, len(targets))}
	for _, t := range targets {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a target system.
func (r *TargetRegistry) Register(t TargetSystem) error {
	if t.ID() == "" {
		return fmt.Errorf("target system has empty id")
	}
	if _, exists := r.targets[t.ID()]; exists {
		return fmt.Errorf("target system %s already registered", t.ID())
	}
	r.targets[t.ID()] = t
	return nil
}

// Get returns a target system by id.
func (r *TargetRegistry) Get(id string) (TargetSystem, bool) {
	t, ok := r.targets[id]
	return t, ok
}

// IDs returns the registered ids, sorted.
func (r *TargetRegistry) IDs() []string {
	ids := make([]string, 0, len(r.targets))
	for id := range r.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Marks collects the outstanding ongoing marks of every target system.
func (r *TargetRegistry) Marks(ctx context.Context) ([]audit.Mark, error) {
	var marks []audit.Mark
	for _, id := range r.IDs() {
		m, err := r.targets[id].Marker().ListAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list marks of target system %s: %w", id, err)
		}
		for _, mk := range m {
			if mk.TargetSystemID == "" {
				mk.TargetSystemID = id
			}
			marks = append(marks, mk)
		}
	}
	return marks, nil
}

// recoveryFor returns the recovery strategy that applies to task.
func (r *TargetRegistry) recoveryFor(task *Task) audit.RecoveryStrategy {
	if task.Recovery != "" {
		return task.Recovery
	}
	if r != nil {
		if t, ok := r.targets[task.TargetSystemID]; ok && t.Recovery() != "" {
			return t.Recovery()
		}
	}
	return audit.RecoveryManualIntervention
}
