package fidget

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/maxgio92/fidget/arch"
	"github.com/maxgio92/fidget/config"
)

// Result holds the frames recovered by a run.
type Result struct {
	// Frames maps frame names to frames.
	Frames map[string]*Frame `json:"frames"`
	// StackFrames maps function addresses to frame names.
	StackFrames map[uint64]string `json:"stack_frames"`
}

// Frame returns the frame of the function at addr.
func (r *Result) Frame(addr uint64) (*Frame, bool) {
	name, ok := r.StackFrames[addr]
	if !ok {
		return nil, false
	}
	return r.Frames[name], true
}

// Analysis recovers the stack frames of the functions of a program.
type Analysis struct {
	program Program
	image   Image
	lifter  Lifter
	arch    *arch.Arch
	cfg     *config.Config
	locator Locator
	logger  *config.LogGroup

	functions []uint64
	explicit  bool
}

// Option configures an Analysis.
type Option func(*Analysis)

// WithFunctions restricts the analysis to the functions at addrs.
func WithFunctions(addrs ...uint64) Option {
	return func(an *Analysis) {
		an.functions = append(an.functions, addrs...)
		an.explicit = true
	}
}

// WithLocator sets the locator resolving literals to instruction fields.
// Without one every literal is reported as a fixed constant.
func WithLocator(l Locator) Option {
	return func(an *Analysis) { an.locator = l }
}

// WithLogger sets the logger.
func WithLogger(l *config.LogGroup) Option {
	return func(an *Analysis) { an.logger = l }
}

// New returns an analysis of program for the architecture a. A nil cfg
// uses the defaults.
func New(program Program, image Image, lifter Lifter, a *arch.Arch, cfg *config.Config, opts ...Option) (*Analysis, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if cfg.ChaseStructs {
		return nil, fmt.Errorf("%w: chasing structures is not implemented", ErrUnsupported)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	an := &Analysis{
		program: program,
		image:   image,
		lifter:  lifter,
		arch:    a,
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(an)
	}
	if an.logger == nil {
		an.logger = config.NewLogGroup(cfg)
	}
	return an, nil
}

// Run analyzes every eligible function. Functions whose frame cannot be
// recovered are logged and left out of the result; only cancellation of ctx
// fails the run.
func (an *Analysis) Run(ctx context.Context) (*Result, error) {
	functions := an.functions
	if !an.explicit {
		functions = EligibleFunctions(an.program, an.image, an.arch, an.logger)
	}
	an.logger.Infof("analyzing %d functions with %d workers", len(functions), an.cfg.Workers)

	res := &Result{
		Frames:      make(map[string]*Frame),
		StackFrames: make(map[uint64]string),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(an.cfg.Workers)
	for i, fn := range functions {
		if gctx.Err() != nil {
			break
		}
		region := RegionID(i + 1)
		g.Go(func() error {
			frame, err := an.analyze(gctx, fn, region)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				an.report(fn, err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			res.Frames[frame.Name] = frame
			res.StackFrames[fn] = frame.Name
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	an.logger.Infof("recovered %d of %d frames", len(res.Frames), len(functions))
	return res, nil
}

// AnalyzeFunction recovers the frame of the single function at addr.
func (an *Analysis) AnalyzeFunction(ctx context.Context, addr uint64) (*Frame, error) {
	return an.analyze(ctx, addr, 1)
}

func (an *Analysis) report(fn uint64, err error) {
	name := fmt.Sprintf("%#x", fn)
	if f, ok := an.program.Function(fn); ok {
		name = fmt.Sprintf("%s (%#x)", f.Name, fn)
	}
	switch {
	case errors.Is(err, ErrFrameIndeterminate):
		an.logger.Warnf("no frame for %s: %v", name, err)
	default:
		an.logger.Errorf("analysis of %s failed: %v", name, err)
	}
}
