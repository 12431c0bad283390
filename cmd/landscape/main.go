package main

import (
	"fmt"
	"os"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"serve": true, "mcp": true, "stats": true,
	"export": true, "import": true,
	"help": true,
}

// isCLIMode determines if we should run a subcommand vs the default MCP server.
func isCLIMode() bool {
	if len(os.Args) < 2 {
		return false // No args → MCP server
	}
	arg := os.Args[1]
	if cliCommands[arg] {
		return true
	}
	// Global flags (--dir, --help, --version) → CLI
	return len(arg) > 1 && arg[0] == '-'
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
   _                 _
  | | __ _ _ __   __| |___  ___ __ _ _ __   ___
  | |/ _' | '_ \ / _' / __|/ __/ _' | '_ \ / _ \
  | | (_| | | | | (_| \__ \ (_| (_| | |_) |  __/
  |_|\__,_|_| |_|\__,_|___/\___\__,_| .__/ \___|
                                    |_|
  Energy landscape exploration coordinator

  Usage: landscape <command> [options]
         landscape --help

  MCP server mode requires piped input.`)
}

func main() {
	// No args + interactive terminal → show banner and exit
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	args := os.Args
	if !isCLIMode() {
		// Unknown argument + terminal → show error (don't start MCP server)
		if len(os.Args) >= 2 && isTerminal() {
			fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
			fmt.Fprintf(os.Stderr, "Run 'landscape --help' for usage.\n")
			os.Exit(1)
		}
		// MCP server mode (default)
		args = []string{os.Args[0], "mcp"}
	}

	app := newCLIApp()
	if err := app.Run(args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
