// Codetravail answers French labor-law questions on Telegram and by
// email with a fine-tuned language model served by an inference server.
//
// Usage:
//
//	codetravail [run] --mode telegram|email|both   Start the bots
//	codetravail run --check                        Validate and probe, then exit
//	codetravail health [--json]                    One-shot health check
//	codetravail monitor [--json] [--continuous]    Resource monitor
//	codetravail version                            Build information
//	codetravail init [dir]                         Example .env and config.yaml
//
// Settings come from the environment, an optional .env file and an
// optional YAML file (see [config.Load]).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/colonylab/codetravail-bot/internal/buildinfo"
)

func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		if !errors.Is(err, errUnhealthy) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		os.Exit(1)
	}
}

// errUnhealthy makes health and monitor exit with status 1 after they
// have printed their own report.
var errUnhealthy = errors.New("unhealthy")

// options are the parsed command line. Flags may appear before or
// after the command.
type options struct {
	command    string
	configPath string
	envFile    string
	mode       string
	outputFmt  string
	check      bool
	debug      bool
	json       bool
	continuous bool
	interval   time.Duration
	// dir is the init target.
	dir string
}

// run parses args by hand so tests can call it concurrently without
// the flag package's globals.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	opts := options{mode: "telegram", outputFmt: "text", interval: 60 * time.Second}

	// value returns the flag's value from "-flag=v" or the next arg.
	value := func(i *int) (string, error) {
		if _, v, ok := strings.Cut(args[*i], "="); ok {
			return v, nil
		}
		if *i+1 >= len(args) {
			return "", fmt.Errorf("flag %s needs a value", args[*i])
		}
		*i++
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, _, _ := strings.Cut(arg, "=")
		// Accept -flag and --flag alike.
		if strings.HasPrefix(name, "--") {
			name = name[1:]
		}
		var err error
		switch name {
		case "-config":
			opts.configPath, err = value(&i)
		case "-env":
			opts.envFile, err = value(&i)
		case "-mode":
			opts.mode, err = value(&i)
		case "-o", "-output":
			opts.outputFmt, err = value(&i)
		case "-interval":
			var v string
			if v, err = value(&i); err == nil {
				opts.interval, err = parseInterval(v)
			}
		case "-check":
			opts.check = true
		case "-debug":
			opts.debug = true
		case "-json":
			opts.json = true
		case "-continuous":
			opts.continuous = true
		case "-h", "-help":
			return printUsage(stdout)
		default:
			if strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unknown flag: %s", arg)
			}
			switch {
			case opts.command == "":
				opts.command = arg
			case opts.command == "init" && opts.dir == "":
				opts.dir = arg
			default:
				return fmt.Errorf("unexpected argument: %s", arg)
			}
		}
		if err != nil {
			return err
		}
	}

	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch opts.command {
	case "", "run":
		return runBot(ctx, stdout, stderr, opts)
	case "health":
		return runHealth(ctx, stdout, opts)
	case "monitor":
		return runMonitor(ctx, stdout, opts)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "init":
		dir := opts.dir
		if dir == "" {
			dir = "."
		}
		return runInit(stdout, dir)
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", opts.command)
	}
}

// parseInterval accepts plain seconds ("30") or a Go duration ("2m").
func parseInterval(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("interval must be positive, got %d", n)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	return d, nil
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Codetravail - Code du Travail question bots")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: codetravail [flags] [command]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run          Start the bots (default)")
	fmt.Fprintln(w, "  health       Check the running bot and the host, exit 1 when unhealthy")
	fmt.Fprintln(w, "  monitor      Show resource usage and alerts")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w, "  init [dir]   Write example .env and config.yaml, create logs/ and data/")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  --mode <m>         telegram (default), email or both")
	fmt.Fprintln(w, "  --check            Validate configuration and probe services, then exit")
	fmt.Fprintln(w, "  --debug            Debug logging")
	fmt.Fprintln(w, "  --json             health: write health_report.json; monitor: JSON output")
	fmt.Fprintln(w, "  --continuous       monitor: refresh until interrupted")
	fmt.Fprintln(w, "  --interval <n>     monitor: seconds between refreshes (default 60)")
	fmt.Fprintln(w, "  -config <path>     YAML config file (default: auto-discover)")
	fmt.Fprintln(w, "  -env <path>        dotenv file (default: .env)")
	fmt.Fprintln(w, "  -o, --output fmt   version output: text (default) or json")
	return nil
}
