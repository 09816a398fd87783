// Package event defines the kernel's generic process-control event IPC
// (spec.md §4.9): the events a task can publish or subscribe to, decoupled
// from any one ABI's signal numbering.
package event

import "fmt"

// Kind is a generic event the kernel or another task may raise against a
// task. The Linux ABI maps these to POSIX signal numbers (signalmap.go);
// the XV6 ABI has no signal layer and mostly ignores them.
type Kind int

const (
	Terminate Kind = iota
	Kill
	Stop
	Continue
	ChildExit
	PipeBroken
	Alarm
	IoReady
	// User carries an ABI-defined sub-number in Event.UserNum (spec.md §4.9
	// "User(n)").
	User
)

func (k Kind) String() string {
	switch k {
	case Terminate:
		return "Terminate"
	case Kill:
		return "Kill"
	case Stop:
		return "Stop"
	case Continue:
		return "Continue"
	case ChildExit:
		return "ChildExit"
	case PipeBroken:
		return "PipeBroken"
	case Alarm:
		return "Alarm"
	case IoReady:
		return "IoReady"
	case User:
		return "User"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is one instance of a Kind raised against a target task.
type Event struct {
	Kind    Kind
	UserNum int   // meaningful only when Kind == User
	Source  uint64 // originating task id, 0 for kernel-raised events
}
