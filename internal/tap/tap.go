// Package tap writes Test Anything Protocol (TAP13) output for the
// txtest CLI harness (txposix's external collaborator, spec §6).
package tap

import (
	"bytes"
	"fmt"
	"io"

	"github.com/natefinch/atomic"
)

// Result is one reported test outcome.
type Result struct {
	OK          bool
	Description string
	Directive   string // "TODO" / "SKIP", or empty
}

// Report accumulates Results and renders them as a TAP13 document.
type Report struct {
	results []Result
}

// Add records one result.
func (r *Report) Add(ok bool, description string) {
	r.results = append(r.results, Result{OK: ok, Description: description})
}

// AddSkip records a skipped test, which always counts as passing.
func (r *Report) AddSkip(description, reason string) {
	r.results = append(r.results, Result{OK: true, Description: description, Directive: "SKIP " + reason})
}

// Passed reports whether every recorded result passed.
func (r *Report) Passed() bool {
	for _, res := range r.results {
		if !res.OK {
			return false
		}
	}
	return true
}

// WriteTo renders the report as TAP13 to w.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.WriteString("TAP version 13\n")
	fmt.Fprintf(&buf, "1..%d\n", len(r.results))
	for i, res := range r.results {
		status := "ok"
		if !res.OK {
			status = "not ok"
		}
		if res.Directive != "" {
			fmt.Fprintf(&buf, "%s %d - %s # %s\n", status, i+1, res.Description, res.Directive)
		} else {
			fmt.Fprintf(&buf, "%s %d - %s\n", status, i+1, res.Description)
		}
	}
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// WriteFile atomically replaces path with the report's TAP13 rendering,
// so a harness crash mid-write never leaves a half-written file for a
// CI consumer to parse (grounded in the pack's atomic-replace
// convention for on-disk report files).
func (r *Report) WriteFile(path string) error {
	var buf bytes.Buffer
	if _, err := r.WriteTo(&buf); err != nil {
		return err
	}
	return atomic.WriteFile(path, &buf)
}
