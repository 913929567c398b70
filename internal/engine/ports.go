package engine

import (
	"context"
	"log"

	"conveyor/internal/domain"
)

// RoleResolver finds professionals eligible for a task role.
type RoleResolver interface {
	FindEligible(ctx context.Context, role string) ([]domain.Professional, error)
}

// Notifier delivers fire-and-forget notifications to actors. Failures are
// logged by implementations and never surface to orchestration.
type Notifier interface {
	Notify(actorID, event string, payload map[string]any)
}

// MilestoneSubscriber receives milestone-completion events after the
// triggering update commits. Returned warnings are reported to the caller.
type MilestoneSubscriber interface {
	MilestoneCompleted(ctx context.Context, milestoneID string) []string
}

// LogNotifier writes notifications to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(actorID, event string, payload map[string]any) {
	log.Printf("notify %s: %s %v", actorID, event, payload)
}
