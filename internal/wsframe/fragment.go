package wsframe

import (
	"errors"
	"fmt"

	"github.com/eapache/queue"
)

// DefaultFragmentLimit caps the number of frames one fragmented message may
// span. Exceeding it is a protocol violation, not silent truncation.
const DefaultFragmentLimit = 50

var (
	// ErrFragmentSequence reports an invalid fragmentation sequence: a
	// continuation frame without an initial fragment, or a non-continuation
	// opcode inside an in-progress sequence.
	ErrFragmentSequence = errors.New("invalid fragmented message")
	// ErrFragmentOverflow reports a fragmented message exceeding the frame cap.
	ErrFragmentOverflow = errors.New("fragmented message too long")
)

// Assembler coalesces a run of continuation frames into one logical message.
// At most one fragmented message is in flight per logical stream; the pending
// frames are discarded the instant a violation is detected or the final
// fragment arrives.
type Assembler struct {
	limit   int
	pending *queue.Queue
}

// NewAssembler creates an assembler with the given fragment cap. A
// non-positive limit selects DefaultFragmentLimit.
func NewAssembler(limit int) *Assembler {
	if limit <= 0 {
		limit = DefaultFragmentLimit
	}
	return &Assembler{limit: limit}
}

// Push feeds one non-control frame through the state machine. It returns
// (message, true) when a complete logical message is available: either the
// frame itself for an unfragmented message, or the synthesized concatenation
// of a finished fragment run carrying the first fragment's opcode and
// compression marker with FIN forced. It returns (_, false) while a sequence
// is accumulating. Violations discard the pending sequence and return an
// error wrapping ErrFragmentSequence or ErrFragmentOverflow.
func (a *Assembler) Push(f Frame) (Frame, bool, error) {
	if f.Opcode.IsControl() {
		return f, true, nil
	}

	if !f.Fin {
		if a.pending == nil {
			if f.Opcode == OpContinuation {
				return Frame{}, false, fmt.Errorf("%w: continuation frame without initial fragment", ErrFragmentSequence)
			}
			a.pending = queue.New()
		} else if f.Opcode != OpContinuation {
			a.Reset()
			return Frame{}, false, fmt.Errorf("%w: opcode %d inside fragment sequence", ErrFragmentSequence, f.Opcode)
		}
		a.pending.Add(f)
		if a.pending.Length() > a.limit {
			a.Reset()
			return Frame{}, false, fmt.Errorf("%w: more than %d frames", ErrFragmentOverflow, a.limit)
		}
		return Frame{}, false, nil
	}

	if a.pending == nil {
		return f, true, nil
	}
	if f.Opcode != OpContinuation {
		a.Reset()
		return Frame{}, false, fmt.Errorf("%w: opcode %d on final fragment", ErrFragmentSequence, f.Opcode)
	}
	a.pending.Add(f)

	size := 0
	for i := 0; i < a.pending.Length(); i++ {
		size += len(a.pending.Get(i).(Frame).Payload)
	}
	payload := make([]byte, 0, size)
	for i := 0; i < a.pending.Length(); i++ {
		payload = append(payload, a.pending.Get(i).(Frame).Payload...)
	}

	first := a.pending.Peek().(Frame)
	a.Reset()
	return Frame{
		Direction: first.Direction,
		Fin:       true,
		Rsv1:      first.Rsv1,
		Opcode:    first.Opcode,
		Payload:   payload,
	}, true, nil
}

// Reset discards any in-progress fragment sequence so a later message can
// start cleanly.
func (a *Assembler) Reset() { a.pending = nil }

// Accumulating reports whether a fragmented message is in flight.
func (a *Assembler) Accumulating() bool { return a.pending != nil }
