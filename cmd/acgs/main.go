package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dislovemartin/ACGS-sub005/pkg/config"
)

const version = "0.3.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "scan":
		return runScanCmd(args[2:], stdout, stderr)
	case "resolve":
		return runResolveCmd(args[2:], stdout, stderr)
	case "decide":
		return runDecideCmd(args[2:], stdout, stderr)
	case "list":
		return runListCmd(args[2:], stdout, stderr)
	case "trace":
		return runTraceCmd(args[2:], stdout, stderr)
	case "report":
		return runReportCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "archive":
		return runArchiveCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "acgs %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorRed   = "\033[31m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sACGS Conflict Pipeline %s%s\n", ColorBold+ColorBlue, "v"+version, ColorReset)
	_, _ = fmt.Fprintf(w, "%sDetect, resolve and escalate principle conflicts.%s\n", ColorGray, ColorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	_, _ = fmt.Fprintln(w, "  acgs <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "PIPELINE")
	printCommand(w, "serve", "Run workers and the escalation monitor (--principles)")
	printCommand(w, "scan", "Run one detection scan (--principles, --ids)")
	printCommand(w, "resolve", "Resolve one conflict automatically (--id)")
	printCommand(w, "decide", "Record a human decision (--id, --decision, --actor)")

	printSection(w, "AUDIT")
	printCommand(w, "list", "List conflict records (--status)")
	printCommand(w, "trace", "Print a conflict's resolution trace (--id)")
	printCommand(w, "report", "Print the performance report")
	printCommand(w, "verify", "Verify the audit hash chain")
	printCommand(w, "archive", "Export the audit chain to the archive store (--from)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// commonFlags are shared by every command that opens the pipeline.
type commonFlags struct {
	configPath     string
	principlesPath string
	actor          string
	jsonOutput     bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", os.Getenv("ACGS_CONFIG"), "Path to the YAML config file")
	fs.StringVar(&c.principlesPath, "principles", "", "Principle document (YAML or JSON)")
	fs.StringVar(&c.actor, "actor", "", "Actor id recorded in the audit log")
	fs.BoolVar(&c.jsonOutput, "json", false, "Output result as JSON")
}

// open loads config and wires the pipeline. Errors are reported on stderr.
func (c *commonFlags) open(ctx context.Context, stderr io.Writer) (*runtime, bool) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, false
	}
	rt, err := newRuntime(ctx, cfg, cfg.Log.NewLogger(stderr))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, false
	}
	if c.principlesPath != "" {
		n, err := rt.loadPrinciples(c.principlesPath)
		if err != nil {
			_ = rt.Close()
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return nil, false
		}
		rt.logger.Debug("principles loaded", "count", n, "path", c.principlesPath)
	}
	return rt, true
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
