// Command mpt-log is a tool for viewing and analyzing protocol log files.
//
// Log files are created by mpt-test and mpt-console with the -protocol-log
// flag.
//
// Usage:
//
//	mpt-log <command> [flags] <file.mlog>
//
// Commands:
//
//	view        View log file in human-readable format
//	transcript  Print the exchanged lines as a C:/S: transcript
//	export      Export log file to JSON or CSV format
//	filter      Filter log file and write to new file
//	stats       Show statistics about the log file
//
// Examples:
//
//	# View all events
//	mpt-log view run.mlog
//
//	# View only the test body of one script
//	mpt-log view -script IMAP-LOGIN-001 -phase TEST_BODY run.mlog
//
//	# Print what one session sent and received
//	mpt-log transcript -session 6f1c2d3e run.mlog
//
//	# Export to JSONL
//	mpt-log export -format jsonl run.mlog
//
//	# Keep only errors and save to new file
//	mpt-log filter -category error -o errors.mlog run.mlog
//
//	# Show statistics
//	mpt-log stats run.mlog
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mash-protocol/mpt/cmd/mpt-log/commands"
)

const usage = `mpt-log - Protocol Log Analyzer

Usage:
  mpt-log <command> [flags] <file.mlog>

Commands:
  view        View log file in human-readable format
  transcript  Print the exchanged lines as a C:/S: transcript
  export      Export log file to JSON or CSV format
  filter      Filter log file and write to new file
  stats       Show statistics about the log file

Use "mpt-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "transcript":
		runTranscript(args)
	case "export":
		runExport(args)
	case "filter":
		runFilter(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

// filterFlags registers the filter flags shared by view, transcript and
// filter on fs.
func filterFlags(fs *flag.FlagSet, withCategory bool) *commands.FilterOptions {
	opts := &commands.FilterOptions{}
	fs.StringVar(&opts.SessionID, "session", "", "Filter by session ID")
	fs.StringVar(&opts.ScriptID, "script", "", "Filter by script ID")
	fs.StringVar(&opts.Phase, "phase", "", "Filter by phase (SETUP, TEST_BODY, TEARDOWN)")
	fs.StringVar(&opts.TimeStart, "time-start", "", "Filter by start time (RFC3339)")
	fs.StringVar(&opts.TimeEnd, "time-end", "", "Filter by end time (RFC3339)")
	fs.StringVar(&opts.Direction, "direction", "", "Filter by direction (in, out)")
	if withCategory {
		fs.StringVar(&opts.Category, "category", "", "Filter by category (line, continuation, state, error)")
	}
	return opts
}

func parseArgs(fs *flag.FlagSet, args []string) string {
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: log file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func runView(args []string) {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `mpt-log view - View log file in human-readable format

Usage:
  mpt-log view [flags] <file.mlog>

Flags:
`)
		fs.PrintDefaults()
	}

	opts := filterFlags(fs, true)
	path := parseArgs(fs, args)

	filter, err := commands.BuildFilter(*opts)
	if err != nil {
		fail(err)
	}

	if err := commands.RunView(path, filter, os.Stdout); err != nil {
		fail(err)
	}
}

func runTranscript(args []string) {
	fs := flag.NewFlagSet("transcript", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `mpt-log transcript - Print the exchanged lines as a C:/S: transcript

Usage:
  mpt-log transcript [flags] <file.mlog>

Flags:
`)
		fs.PrintDefaults()
	}

	opts := filterFlags(fs, false)
	path := parseArgs(fs, args)

	filter, err := commands.BuildFilter(*opts)
	if err != nil {
		fail(err)
	}

	if err := commands.RunTranscript(path, filter, os.Stdout); err != nil {
		fail(err)
	}
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `mpt-log export - Export log file to JSON or CSV format

Usage:
  mpt-log export [flags] <file.mlog>

Flags:
`)
		fs.PrintDefaults()
	}

	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")
	path := parseArgs(fs, args)

	if err := commands.RunExport(path, *format, *output, os.Stdout); err != nil {
		fail(err)
	}
}

func runFilter(args []string) {
	fs := flag.NewFlagSet("filter", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `mpt-log filter - Filter log file and write to new file

Usage:
  mpt-log filter [flags] <file.mlog>

Flags:
`)
		fs.PrintDefaults()
	}

	output := fs.String("o", "", "Output file (required)")
	opts := filterFlags(fs, true)
	path := parseArgs(fs, args)

	if *output == "" {
		fmt.Fprintln(os.Stderr, "Error: output file (-o) required")
		fs.Usage()
		os.Exit(1)
	}

	n, err := commands.RunFilter(path, *output, *opts)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Filtered %d events to %s\n", n, *output)
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `mpt-log stats - Show statistics about the log file

Usage:
  mpt-log stats <file.mlog>

`)
	}

	path := parseArgs(fs, args)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fail(err)
	}
}
