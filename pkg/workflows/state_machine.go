package workflows

// StateMachine enforces forward-only status transitions
type StateMachine[S comparable] struct {
	allowedTransitions map[S][]S
}

// NewStateMachine creates a new state machine with allowed transitions
func NewStateMachine[S comparable](transitions map[S][]S) *StateMachine[S] {
	return &StateMachine[S]{allowedTransitions: transitions}
}

// CanTransition checks if a status transition is allowed
func (sm *StateMachine[S]) CanTransition(from, to S) bool {
	for _, allowedTo := range sm.allowedTransitions[from] {
		if allowedTo == to {
			return true
		}
	}
	return false
}

// GetAllowedTransitions returns the allowed next statuses for a given status
func (sm *StateMachine[S]) GetAllowedTransitions(from S) []S {
	allowed, exists := sm.allowedTransitions[from]
	if !exists {
		return []S{}
	}
	return allowed
}

// IsTerminal reports whether no transition leaves the status
func (sm *StateMachine[S]) IsTerminal(status S) bool {
	return len(sm.allowedTransitions[status]) == 0
}

// Reachable reports whether to can be reached from from in zero or more steps
func (sm *StateMachine[S]) Reachable(from, to S) bool {
	seen := map[S]bool{from: true}
	queue := []S{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			return true
		}
		for _, next := range sm.allowedTransitions[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}
