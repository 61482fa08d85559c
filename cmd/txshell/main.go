// Command txshell is an interactive line-editing REPL that builds a
// *txposix.Engine from its -r/-R flags and inspects that engine's
// lock-manager snapshot and counters (spec §9's diagnostics are
// otherwise just EngineStats).
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"

	"github.com/txposix/txposix"
)

func main() {
	recSize := pflag.IntP("rec-size", "r", 4096, "record size for the inspected engine's range-lock maps")
	ccmode := pflag.StringP("ccmode", "R", "2pl", "default concurrency control {noundo|ts|2pl|2pl-ext}")
	pflag.Parse()

	opts := txposix.DefaultEngineOptions()
	opts.RecSize = *recSize
	switch *ccmode {
	case "noundo":
		opts.DefaultCC = txposix.CCNoUndo
	case "ts":
		opts.DefaultCC = txposix.CCTs
	case "2pl-ext":
		opts.DefaultCC = txposix.CC2plExt
	default:
		opts.DefaultCC = txposix.CC2pl
	}

	engine := txposix.NewEngine(opts)
	defer engine.Close()

	shell := &Shell{engine: engine}
	if err := shell.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Shell holds the REPL state bound to one inspected engine.
type Shell struct {
	engine *txposix.Engine
	liner  *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".txshell_history")
}

// Run starts the read-eval-print loop.
func (s *Shell) Run() error {
	s.liner = liner.NewLiner()
	defer s.liner.Close()

	s.liner.SetCtrlCAborts(true)
	s.liner.SetCompleter(s.completer)

	if f, err := os.Open(historyFile()); err == nil {
		s.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Println("txshell - transaction engine inspector")
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := s.liner.Prompt("txshell> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			s.saveHistory()
			return nil

		case "help", "?":
			s.printHelp()

		case "stats":
			s.cmdStats()

		case "locks":
			s.cmdLocks()

		case "owner":
			s.cmdOwner(args)

		case "clear", "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	s.saveHistory()
	return nil
}

func (s *Shell) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			s.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (s *Shell) completer(line string) []string {
	commands := []string{"stats", "locks", "owner", "clear", "cls", "help", "exit", "quit", "q"}
	var completions []string
	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}
	return completions
}

func (s *Shell) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  stats              Show engine-wide commit/restart/conflict counters")
	fmt.Println("  locks              Show lock manager snapshot (owners, irrevocability token)")
	fmt.Println("  owner <index>      Show how many owner slots are in use (the index is not looked up)")
	fmt.Println("  clear / cls        Clear the screen")
	fmt.Println("  help               Show this help")
	fmt.Println("  exit / quit / q    Exit")
}

func (s *Shell) cmdStats() {
	st := s.engine.Stats()
	fmt.Printf("commits=%d restarts=%d irrevocable_upgrades=%d conflicts=%d irrecoverable=%d open_files=%d\n",
		st.Commits, st.Restarts, st.IrrevocableUpgrades, st.Conflicts, st.Irrecoverable, st.OpenFiles)
}

func (s *Shell) cmdLocks() {
	snap := s.engine.LockManagerSnapshot()
	fmt.Printf("registered_owners=%d free_slots=%d active_revocable=%d exclusive_owner=",
		snap.RegisteredOwners, snap.FreeSlots, snap.ActiveRevocable)
	if snap.ExclusiveOwner < 0 {
		fmt.Println("none")
	} else {
		fmt.Println(snap.ExclusiveOwner)
	}
}

func (s *Shell) cmdOwner(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: owner <index>")
		return
	}
	snap := s.engine.LockManagerSnapshot()
	fmt.Printf("registered owner slots in use: %d (capacity %d)\n", snap.RegisteredOwners, txposix.MaxOwners)
}
