// Command txtest is the CLI test harness described in spec §6 as an
// external collaborator of the transaction engine: it drives concurrent
// transactional workloads against a scratch file and reports results in
// TAP13 format. It is a thin translation over the core engine, not part
// of the core itself.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/txposix/txposix"
	"github.com/txposix/txposix/internal/tap"
)

func main() {
	cfg, err := ParseFlags(os.Args[1:])
	if err != nil {
		fatalf("txtest: %v", err)
	}

	if cfg.ScenarioFile != "" {
		runFromScenarioFile(cfg)
		return
	}

	report := &tap.Report{}
	runOne(report, "random-read-write", cfg)
	finish(report, cfg)
}

func runFromScenarioFile(cfg Config) {
	profiles, err := LoadScenarios(cfg.ScenarioFile)
	if err != nil {
		fatalf("txtest: %v", err)
	}
	report := &tap.Report{}
	for _, p := range profiles {
		runOne(report, p.Name, p.Config)
	}
	finish(report, cfg)
}

func runOne(report *tap.Report, name string, cfg Config) {
	const fileSize = 1 << 20 // 1 MiB, matching spec §8 scenario 1

	f, err := os.CreateTemp("", "txtest-*.dat")
	if err != nil {
		report.Add(false, fmt.Sprintf("%s: create scratch file: %v", name, err))
		return
	}
	path := f.Name()
	if !cfg.NoCleanup {
		defer os.Remove(path)
	}
	if err := f.Truncate(fileSize); err != nil {
		f.Close()
		report.Add(false, fmt.Sprintf("%s: truncate scratch file: %v", name, err))
		return
	}
	f.Close()

	opts := txposix.DefaultEngineOptions()
	opts.DefaultCC = ccModeOf(cfg.CCMode)
	engine := txposix.NewEngine(opts)
	defer engine.Close()

	result := RunRandomReadWrite(context.Background(), cfg, engine, path, fileSize)
	ReportResult(report, name, result)
}

func finish(report *tap.Report, cfg Config) {
	ok := report.Passed()

	if cfg.TAPPath != "" {
		if err := report.WriteFile(cfg.TAPPath); err != nil {
			fatalf("txtest: writing TAP report: %v", err)
		}
	} else {
		report.WriteTo(os.Stdout)
	}

	if !ok {
		os.Exit(1)
	}
}
