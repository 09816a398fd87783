package event

// fixedSignalMap is the event-to-signal translation table for generic
// Kinds (spec.md §4.9), reproduced from original_source's
// ipc/event_objects.rs mapping. Signal numbers follow the POSIX numbering
// spec.md §4.9 restricts signal ids to (1..31).
var fixedSignalMap = map[Kind]int{
	Terminate:  15, // SIGTERM
	Kill:       9,  // SIGKILL, uncatchable (spec.md §4.9)
	Stop:       19, // SIGSTOP, uncatchable
	Continue:   18, // SIGCONT
	ChildExit:  17, // SIGCHLD
	PipeBroken: 13, // SIGPIPE
	Alarm:      14, // SIGALRM
	IoReady:    29, // SIGIO
}

// userSignalBase is the offset applied to Kind == User's UserNum to land
// on a concrete signal number: a Event{Kind: User, UserNum: n} maps to
// signal n+userSignalBase. Spec.md §8 scenario 6 posts "User(10-32)" to
// reach signal 10, i.e. UserNum = 10-userSignalBase.
const userSignalBase = 32

// ToSignal translates an Event to a POSIX signal id, if the kernel's fixed
// table covers it.
func (e Event) ToSignal() (int, bool) {
	if e.Kind == User {
		return e.UserNum + userSignalBase, true
	}
	if sig, ok := fixedSignalMap[e.Kind]; ok {
		return sig, true
	}
	return 0, false
}

// FromUserSignal builds the User event that maps to the given signal
// number via ToSignal.
func FromUserSignal(signal int) Event {
	return Event{Kind: User, UserNum: signal - userSignalBase}
}
