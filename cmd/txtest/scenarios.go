package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	"github.com/tailscale/hujson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/txposix/txposix"
	"github.com/txposix/txposix/internal/tap"
)

// ScenarioProfile is one named entry of an optional -scenarios file,
// letting a batch of test configurations be checked into a repo and
// diffed in review (SPEC_FULL.md §1, ambient config surface).
type ScenarioProfile struct {
	Name   string `json:"name"`
	Config Config `json:"config"`
}

// LoadScenarios parses a hujson (JSON-with-comments) scenario file into
// a list of named profiles.
func LoadScenarios(path string) ([]ScenarioProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("parse scenario file: %w", err)
	}
	var profiles []ScenarioProfile
	if err := json.Unmarshal(std, &profiles); err != nil {
		return nil, fmt.Errorf("decode scenario file: %w", err)
	}
	return profiles, nil
}

func ccModeOf(f CCModeFlag) txposix.CCMode {
	switch f {
	case ccNoUndo:
		return txposix.CCNoUndo
	case ccTs:
		return txposix.CCTs
	case cc2plExt:
		return txposix.CC2plExt
	default:
		return txposix.CC2pl
	}
}

// RunResult summarises one scenario's outcome for TAP reporting.
type RunResult struct {
	Commits   uint64
	Conflicts uint64
	Restarts  uint64
	Err       error
}

// RunRandomReadWrite implements spec §8 scenario 1: nthreads goroutines
// each run cycles iterations against the same file; each iteration
// preads num bytes at a random offset within [0, fileSize-num) in one
// transaction and pwrites the same bytes back at that offset in a
// second transaction. It reports the first error and the engine's
// counters; it does not check the file size or the records' content.
//
// errgroup fans out the worker goroutines (one per -t); when -L outer
// is selected, each pread transaction holds one unit of a semaphore
// whose weight equals the thread count.
func RunRandomReadWrite(ctx context.Context, cfg Config, engine *txposix.Engine, path string, fileSize int64) RunResult {
	var sem *semaphore.Weighted
	if cfg.Loop == loopOuter {
		sem = semaphore.NewWeighted(int64(cfg.NThreads))
	}

	g, gctx := errgroup.WithContext(ctx)
	for t := 0; t < cfg.NThreads; t++ {
		g.Go(func() error {
			handle, err := engine.NewHandle()
			if err != nil {
				return err
			}
			defer handle.Close()

			fd, err := unix.Open(path, unix.O_RDWR, 0)
			if err != nil {
				return err
			}
			defer unix.Close(fd)

			rng := rand.New(rand.NewSource(rand.Int63()))
			for c := 0; c < cfg.Cycles; c++ {
				if sem != nil {
					if err := sem.Acquire(gctx, 1); err != nil {
						return err
					}
				}
				off := rng.Int63n(fileSize - int64(cfg.Num))
				buf := make([]byte, cfg.Num)

				err := handle.Run(func(tx *txposix.Tx) error {
					if _, err := txposix.Pread(tx, fd, buf, off); err != nil {
						return err
					}
					return nil
				})
				if sem != nil {
					sem.Release(1)
				}
				if err != nil {
					return err
				}

				err = handle.Run(func(tx *txposix.Tx) error {
					_, err := txposix.Pwrite(tx, fd, buf, off)
					return err
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()
	stats := engine.Stats()
	return RunResult{Commits: stats.Commits, Conflicts: stats.Conflicts, Restarts: stats.Restarts, Err: err}
}

// ReportResult appends one RunResult as a TAP test case.
func ReportResult(report *tap.Report, name string, r RunResult) {
	if r.Err != nil {
		report.Add(false, fmt.Sprintf("%s: %v", name, r.Err))
		return
	}
	report.Add(true, fmt.Sprintf("%s: %d commits, %d conflicts, %d restarts", name, r.Commits, r.Conflicts, r.Restarts))
}
