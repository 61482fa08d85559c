package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
)

// CCModeFlag names the four concurrency-control modes a scenario run
// can select, mirroring spec §6's -R flag.
type CCModeFlag string

const (
	ccNoUndo CCModeFlag = "noundo"
	ccTs     CCModeFlag = "ts"
	cc2pl    CCModeFlag = "2pl"
	cc2plExt CCModeFlag = "2pl-ext"
)

// BatchMode selects what -b bounds a cycle loop by, spec §6's -b flag.
type BatchMode string

const (
	batchCycles BatchMode = "cycles"
	batchTime   BatchMode = "time"
)

// LoopMode selects where -b applies, spec §6's -L flag.
type LoopMode string

const (
	loopInner LoopMode = "inner"
	loopOuter LoopMode = "outer"
)

// Config is the parsed command line for one txtest run, following the
// flags spec §6 assigns to the CLI harness: -t<nthreads> -c<cycles>
// -I<tx-cycles> -b{cycles|time} -L{inner|outer} -n<num> -o<off>
// -v<level> -N -R{noundo|ts|2pl|2pl-ext}.
type Config struct {
	NThreads  int
	Cycles    int
	TxCycles  int
	Batch     BatchMode
	Loop      LoopMode
	Num       int
	Off       int64
	Verbosity int
	NoCleanup bool
	CCMode    CCModeFlag

	ScenarioFile string
	TAPPath      string
}

// DefaultConfig mirrors the teacher's Default...Options constructors: a
// plain struct literal, not functional options.
func DefaultConfig() Config {
	return Config{
		NThreads:  4,
		Cycles:    100,
		TxCycles:  1,
		Batch:     batchCycles,
		Loop:      loopInner,
		Num:       24,
		Off:       0,
		Verbosity: 0,
		CCMode:    cc2pl,
	}
}

// ParseFlags parses argv (excluding argv[0]) into a Config, starting
// from DefaultConfig's values.
func ParseFlags(argv []string) (Config, error) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet("txtest", flag.ContinueOnError)

	fs.IntVarP(&cfg.NThreads, "threads", "t", cfg.NThreads, "number of worker goroutines")
	fs.IntVarP(&cfg.Cycles, "cycles", "c", cfg.Cycles, "transaction cycles per thread")
	fs.IntVarP(&cfg.TxCycles, "tx-cycles", "I", cfg.TxCycles, "operations per transaction (parsed; not used by the scenario)")
	batch := fs.StringP("batch", "b", string(cfg.Batch), "bound cycles by {cycles|time} (validated; not used by the scenario)")
	loop := fs.StringP("loop", "L", string(cfg.Loop), "apply -b to {inner|outer} loop")
	fs.IntVarP(&cfg.Num, "num", "n", cfg.Num, "bytes per read/write op")
	fs.Int64VarP(&cfg.Off, "off", "o", cfg.Off, "base file offset (parsed; not used by the scenario)")
	fs.CountVarP(&cfg.Verbosity, "verbose", "v", "increase log verbosity (counted; nothing is logged)")
	fs.BoolVarP(&cfg.NoCleanup, "no-cleanup", "N", false, "keep scratch files after the run")
	ccmode := fs.StringP("ccmode", "R", string(cfg.CCMode), "concurrency control {noundo|ts|2pl|2pl-ext}")
	fs.StringVar(&cfg.ScenarioFile, "scenarios", "", "optional hujson scenario profile file")
	fs.StringVar(&cfg.TAPPath, "tap", "", "write TAP13 output to this path instead of stdout")

	if err := fs.Parse(argv); err != nil {
		return cfg, err
	}

	cfg.Batch = BatchMode(*batch)
	cfg.Loop = LoopMode(*loop)
	cfg.CCMode = CCModeFlag(*ccmode)

	switch cfg.Batch {
	case batchCycles, batchTime:
	default:
		return cfg, fmt.Errorf("invalid -b value %q", *batch)
	}
	switch cfg.Loop {
	case loopInner, loopOuter:
	default:
		return cfg, fmt.Errorf("invalid -L value %q", *loop)
	}
	switch cfg.CCMode {
	case ccNoUndo, ccTs, cc2pl, cc2plExt:
	default:
		return cfg, fmt.Errorf("invalid -R value %q", *ccmode)
	}

	return cfg, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
