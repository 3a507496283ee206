// Command fidget recovers the stack frames of the functions of an ELF binary
// and prints them with the instruction fields that encode them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/maxgio92/fidget"
	"github.com/maxgio92/fidget/arch"
	"github.com/maxgio92/fidget/cfg"
	"github.com/maxgio92/fidget/config"
	"github.com/maxgio92/fidget/internal/formatutil"
	"github.com/maxgio92/fidget/internal/funcutil"
	"github.com/maxgio92/fidget/lift"
	"github.com/maxgio92/fidget/loader"
)

// functionList collects -func values: addresses or symbol names.
type functionList []string

func (f *functionList) String() string { return strings.Join(*f, ",") }

func (f *functionList) Set(v string) error {
	*f = append(*f, v)
	return nil
}

var (
	configPath = flag.String("config", "", "Config file path for the analysis")
	jsonOutput = flag.Bool("json", false, "Print the result as JSON")
	workers    = flag.Int("workers", 0, "Number of functions analyzed concurrently (overrides the config)")
	verbose    = flag.Bool("v", false, "Verbose logging (debug level)")
	archName   = flag.String("arch", "", "Expected architecture of the binary, one of: "+strings.Join(arch.Names(), ", "))
	functions  functionList
)

func init() {
	flag.Var(&functions, "func", "Analyze only this function, by address or symbol name (repeatable)")
}

const usage = ` Recover the stack frames of the functions of an ELF binary.
Usage:
    fidget [options] <binary>
Examples:
% fidget -config config.yaml -func main ./a.out
% fidget -arch arm64 -json ./a.out
Options:
`

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		_, _ = fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
		os.Exit(2)
	}
	formatutil.Init()

	c := config.NewDefault()
	if *configPath != "" {
		var err error
		c, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, formatutil.Error.Render(err.Error()))
			os.Exit(1)
		}
	}
	// Config may register descriptors, so names are checked after loading it.
	if *archName != "" {
		if _, err := arch.Lookup(*archName); err != nil {
			fmt.Fprintln(os.Stderr, formatutil.Error.Render(fmt.Sprintf("%v (known: %s)", err, strings.Join(arch.Names(), ", "))))
			os.Exit(2)
		}
	}
	if *workers > 0 {
		c.Workers = *workers
	}
	if *verbose {
		c.LogLevel = int(config.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, flag.Arg(0), c); err != nil {
		fmt.Fprintln(os.Stderr, formatutil.Error.Render(err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, path string, c *config.Config) error {
	logger := config.NewLogGroup(c)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("could not open binary: %w", err)
	}
	defer f.Close()
	bin, err := loader.Open(f)
	if err != nil {
		return err
	}
	a := bin.Arch()
	if err := checkArch(*archName, a); err != nil {
		return err
	}
	if bin.Stripped() {
		logger.Warnf("%s has no symbols, function starts come from prologue detection", path)
	}

	l, err := lift.New(a, bin)
	if err != nil {
		return err
	}
	loc, err := lift.NewLocator(a, bin)
	if err != nil {
		return err
	}

	symbols := bin.Symbols()
	hooked := make(map[uint64]string)
	for _, s := range symbols {
		if c.IsSimulated(s.Name) {
			hooked[s.Addr] = s.Name
		}
	}
	starts := funcutil.Map(symbols, func(s loader.Symbol) cfg.Start {
		return cfg.Start{Addr: s.Addr, Name: s.Name}
	})
	g, err := cfg.Recover(ctx, l, starts, bin.Entry(), cfg.Options{
		MaxBlockSize: c.MaxBlockSize,
		Hooked:       hooked,
		Mapped:       bin.IsExecutable,
		IsPLT:        bin.IsPLT,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	opts := []fidget.Option{fidget.WithLocator(loc), fidget.WithLogger(logger)}
	if len(functions) > 0 {
		addrs, err := resolve(functions, symbols)
		if err != nil {
			return err
		}
		opts = append(opts, fidget.WithFunctions(addrs...))
	}
	an, err := fidget.New(g, bin, l, a, c, opts...)
	if err != nil {
		return err
	}
	res, err := an.Run(ctx)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"binary": path,
		"arch":   a.Name,
		"frames": len(res.Frames),
	}).Debug("analysis complete")

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printResult(g, res)
	return nil
}

// checkArch fails when the binary is not of the architecture named by want.
// An empty want accepts any.
func checkArch(want string, got *arch.Arch) error {
	if want == "" || want == got.Name {
		return nil
	}
	return fmt.Errorf("binary is %s, expected %s", got.Name, want)
}

// resolve turns -func values into addresses. A value that does not parse as
// a number is looked up in the symbol table.
func resolve(values []string, symbols []loader.Symbol) ([]uint64, error) {
	out := make([]uint64, 0, len(values))
	for _, v := range values {
		if addr, err := strconv.ParseUint(v, 0, 64); err == nil {
			out = append(out, addr)
			continue
		}
		matches := funcutil.Filter(symbols, func(s loader.Symbol) bool { return s.Name == v })
		if len(matches) == 0 {
			return nil, errors.New("no function named " + strconv.Quote(v))
		}
		out = append(out, matches[0].Addr)
	}
	return out, nil
}

func printResult(g *cfg.Graph, res *fidget.Result) {
	for _, addr := range funcutil.SortedKeys(res.StackFrames) {
		frame := res.Frames[res.StackFrames[addr]]
		name := frame.Name
		if fn, ok := g.Function(addr); ok {
			name = fn.Name
		}
		fmt.Printf("%s %s %s bytes\n",
			formatutil.Header.Render(name),
			formatutil.Faint.Render(fmt.Sprintf("%#x", addr)),
			formatutil.Number.Render(strconv.FormatUint(frame.Size, 10)))
		for _, v := range frame.Variables {
			flags := v.Flags.String()
			if v.Flags&fidget.AccessPointer != 0 {
				flags = formatutil.Warning.Render(flags)
			}
			fmt.Printf("  %s %s %s\n",
				formatutil.Number.Render(fmt.Sprintf("%6d", v.Offset)),
				flags,
				formatutil.Faint.Render(fmt.Sprintf("x%d", v.Count)))
		}
		for _, p := range frame.Allocs() {
			fmt.Printf("  %s %s\n",
				formatutil.Name.Render(fmt.Sprintf("alloc %d at %#x", p.Value, p.Insn)),
				formatutil.Faint.Render(locations(p.Locations)))
		}
	}
}

func locations(locs []fidget.Location) string {
	return strings.Join(funcutil.Map(locs, fidget.Location.String), ", ")
}
