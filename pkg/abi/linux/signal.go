package linux

import (
	"sync"

	"github.com/scarlet-project/scarlet/pkg/event"
)

// Signal is a POSIX signal number, 1..31 (spec.md §4.9).
type Signal int

const (
	SIGHUP  Signal = 1
	SIGINT  Signal = 2
	SIGQUIT Signal = 3
	SIGILL  Signal = 4
	SIGTRAP Signal = 5
	SIGABRT Signal = 6
	SIGBUS  Signal = 7
	SIGFPE  Signal = 8
	SIGKILL Signal = 9
	SIGUSR1 Signal = 10
	SIGSEGV Signal = 11
	SIGUSR2 Signal = 12
	SIGPIPE Signal = 13
	SIGALRM Signal = 14
	SIGTERM Signal = 15
	// 16 (SIGSTKFLT) has no fixed event.Kind mapping; reachable only via a
	// direct rt_sigaction/kill on the number itself.
	SIGCHLD  Signal = 17
	SIGCONT  Signal = 18
	SIGSTOP  Signal = 19
	SIGTSTP  Signal = 20
	SIGTTIN  Signal = 21
	SIGTTOU  Signal = 22
	SIGURG   Signal = 23
	SIGXCPU  Signal = 24
	SIGXFSZ  Signal = 25
	SIGVTALRM Signal = 26
	SIGPROF  Signal = 27
	SIGWINCH Signal = 28
	SIGIO    Signal = 29
	SIGPWR   Signal = 30
	SIGSYS   Signal = 31
)

// Action is a signal's disposition.
type Action int

const (
	ActionDefault Action = iota
	ActionTerminate
	ActionForceTerminate
	ActionIgnore
	ActionStop
	ActionContinue
	ActionCustom
)

// defaultAction is the concrete per-signal default disposition table
// (spec.md §4.9 names the mechanism; the table itself is supplemented from
// original_source's abi/linux/riscv64/signal.rs).
func defaultAction(sig Signal) Action {
	switch sig {
	case SIGKILL:
		return ActionForceTerminate
	case SIGCHLD, SIGURG, SIGWINCH:
		return ActionIgnore
	case SIGCONT:
		return ActionContinue
	case SIGSTOP, SIGTSTP, SIGTTIN, SIGTTOU:
		return ActionStop
	default:
		return ActionTerminate
	}
}

// Disposition is one entry of a task's signal handler table: an Action,
// plus the user handler address when Action is ActionCustom.
type Disposition struct {
	Action  Action
	Handler uintptr
	Mask    uint64
}

// SignalState is a Linux-ABI task's full signal posture: per-signal
// disposition, blocked mask and pending mask (spec.md §4.9).
type SignalState struct {
	mu      sync.Mutex
	handlers map[Signal]Disposition
	blocked  uint64
	pending  uint64
}

// NewSignalState returns a state with every signal at its default
// disposition, nothing blocked or pending.
func NewSignalState() *SignalState {
	return &SignalState{handlers: make(map[Signal]Disposition)}
}

// Clone returns a copy for a forked child: handler table and blocked mask
// are inherited, pending signals are not (a child starts with a clean
// slate, matching POSIX fork semantics).
func (s *SignalState) Clone() *SignalState {
	s.mu.Lock()
	defer s.mu.Unlock()

	handlers := make(map[Signal]Disposition, len(s.handlers))
	for sig, d := range s.handlers {
		handlers[sig] = d
	}
	return &SignalState{handlers: handlers, blocked: s.blocked}
}

func bit(sig Signal) uint64 { return 1 << uint(sig-1) }

// SetDisposition installs d for sig. SIGKILL and SIGSTOP cannot be caught,
// ignored or blocked (spec.md §4.9); the call is silently dropped for
// them, matching sigaction(2)'s EINVAL-free historical behavior of simply
// not changing anything observable.
func (s *SignalState) SetDisposition(sig Signal, d Disposition) {
	if sig == SIGKILL || sig == SIGSTOP {
		return
	}
	s.mu.Lock()
	s.handlers[sig] = d
	s.mu.Unlock()
}

// Disposition returns sig's current disposition, defaulting to its fixed
// default action when never explicitly set.
func (s *SignalState) Disposition(sig Signal) Disposition {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.handlers[sig]; ok {
		return d
	}
	return Disposition{Action: defaultAction(sig)}
}

// SetBlocked replaces the blocked mask wholesale (SIG_SETMASK), except
// SIGKILL/SIGSTOP, which can never be blocked.
func (s *SignalState) SetBlocked(mask uint64) {
	s.mu.Lock()
	s.blocked = mask &^ (bit(SIGKILL) | bit(SIGSTOP))
	s.mu.Unlock()
}

// Block ORs signals into the blocked mask (SIG_BLOCK / how=0).
func (s *SignalState) Block(mask uint64) {
	s.mu.Lock()
	s.blocked |= mask &^ (bit(SIGKILL) | bit(SIGSTOP))
	s.mu.Unlock()
}

// Unblock clears signals from the blocked mask (SIG_UNBLOCK / how=1).
func (s *SignalState) Unblock(mask uint64) {
	s.mu.Lock()
	s.blocked &^= mask
	s.mu.Unlock()
}

// Blocked returns the current blocked mask (SIG_SETMASK / how=2's oldset).
func (s *SignalState) Blocked() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

// Raise marks sig pending, the generic kernel event IPC's delivery point
// into this ABI's signal model (spec.md §4.9's "generic events ... map to
// signal ids via a fixed table").
func (s *SignalState) Raise(sig Signal) {
	s.mu.Lock()
	s.pending |= bit(sig)
	s.mu.Unlock()
}

// RaiseEvent translates a generic event.Event via event.ToSignal and
// raises the resulting signal, if the event maps to one.
func (s *SignalState) RaiseEvent(e event.Event) {
	if sig, ok := e.ToSignal(); ok {
		s.Raise(Signal(sig))
	}
}

// NextDeliverable returns the lowest-numbered pending-and-unblocked
// signal, clearing it from pending, ready for delivery (spec.md §4.9: "the
// next deliverable signal is the lowest-numbered pending and unblocked
// id").
func (s *SignalState) NextDeliverable() (Signal, Disposition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deliverable := s.pending &^ s.blocked
	if deliverable == 0 {
		return 0, Disposition{}, false
	}
	for sig := Signal(1); sig <= 31; sig++ {
		if deliverable&bit(sig) != 0 {
			s.pending &^= bit(sig)
			d, ok := s.handlers[sig]
			if !ok {
				d = Disposition{Action: defaultAction(sig)}
			}
			return sig, d, true
		}
	}
	return 0, Disposition{}, false
}
