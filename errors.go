package fidget

import "errors"

var (
	// ErrFrameIndeterminate reports a function whose stack frame cannot be
	// recovered: it adjusts the stack pointer by a non-constant amount, jumps
	// into another function, or could not be lifted.
	ErrFrameIndeterminate = errors.New("frame indeterminate")

	// ErrUnsupported reports an IR construct or a request the analysis has no
	// handler for.
	ErrUnsupported = errors.New("unsupported")

	// ErrUsage reports inconsistent lifted code, such as reading a temporary
	// before it was written.
	ErrUsage = errors.New("inconsistent IR")
)
