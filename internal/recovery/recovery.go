// Package recovery restores work interrupted by a restart. Components
// register with a Manager, which runs them once at startup before the
// webhook server accepts traffic.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable is a component that can restore its state at startup.
type Recoverable interface {
	// Name identifies the component in logs.
	Name() string
	// RecoverState restores whatever the component left unfinished.
	RecoverState(ctx context.Context) error
}

// Manager orchestrates recovery of all registered components.
type Manager struct {
	recoverables []Recoverable
}

// NewManager creates an empty recovery manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a component to recover.
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll runs every registered component. A failing component does not
// stop the others; the returned error counts the failures.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.recoverables))

	recovered, failed := 0, 0
	for _, r := range m.recoverables {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("recovery cancelled: %w", err)
		}
		if err := r.RecoverState(ctx); err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "component", r.Name(), "error", err)
			failed++
			continue
		}
		recovered++
	}

	slog.Info("Manager.RecoverAll: recovery completed", "recovered", recovered, "errors", failed)
	if failed > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", failed, len(m.recoverables))
	}
	return nil
}
