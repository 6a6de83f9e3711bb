// Package flow is the Flow/Status Adapter (spec.md §6): bidirectional glue between the core
// and the home-automation platform's Flow card registry. It never holds a back-reference to
// the app - callers pass the app's capabilities in at registration time, per spec.md §9's
// "Cyclic references" design note.
package flow

import "context"

// ActionCard is the run-listener half of a Flow action card.
type ActionCard interface {
	RegisterRunListener(fn func(ctx context.Context, args map[string]any) (any, error))
}

// ConditionCard is the run-listener half of a Flow condition card.
type ConditionCard interface {
	RegisterRunListener(fn func(ctx context.Context, args map[string]any) (bool, error))
}

// TriggerCard both accepts a run listener (for filtering which trigger firings actually
// notify the user) and can itself be fired with tokens/state.
type TriggerCard interface {
	RegisterRunListener(fn func(ctx context.Context, args, state map[string]any) (bool, error))
	Trigger(tokens, state map[string]any) error
}

// Registry is the subset of the platform's Flow card registry this adapter needs:
// `getActionCard`/`getConditionCard`/`getTriggerCard` by card ID, per spec.md §6.
type Registry interface {
	GetActionCard(id string) ActionCard
	GetConditionCard(id string) ConditionCard
	GetTriggerCard(id string) TriggerCard
}
