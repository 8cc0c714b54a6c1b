package model

import "fmt"

// Event drives a QueueEntry through its replay lifecycle.
type Event string

const (
	EventStart         Event = "start"
	EventSucceed       Event = "succeed"
	EventFailTransient Event = "fail_transient"
	EventFailPermanent Event = "fail_permanent"
	// EventRetry is a manual reset of a failed entry.
	EventRetry Event = "retry"
	// EventRecover returns an abandoned in-flight entry to pending.
	EventRecover Event = "recover"
)

// Allowed transitions:
//
//	pending --start--> syncing --succeed--> synced
//	                   syncing --fail_*---> failed --start--> syncing
//	                   syncing --recover--> pending
//	                                        failed --retry--> pending
var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventStart: StatusSyncing,
	},
	StatusSyncing: {
		EventSucceed:       StatusSynced,
		EventFailTransient: StatusFailed,
		EventFailPermanent: StatusFailed,
		EventRecover:       StatusPending,
	},
	StatusFailed: {
		EventStart: StatusSyncing,
		EventRetry: StatusPending,
	},
}

// Transition returns the status reached from `from` on `ev`.
func Transition(from Status, ev Event) (Status, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, from, ev)
}

// Allows reports whether any event moves an entry from `from` to `to`.
func Allows(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
