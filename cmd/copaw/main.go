// CoPaw is a conversational assistant whose long conversations are kept
// within the model's context window by summarizing older messages.
//
// Configuration is loaded from a single YAML file discovered automatically
// (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	copaw chat [-session id]        Chat on the console
//	copaw checkpoints [list]        List saved snapshots
//	copaw checkpoints prune <keep>  Delete all but the newest snapshots
//	copaw init [dir]                Write a starter config and persona
//	copaw version                   Print version and build information
//	copaw -o json version           Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/zhijianma/copaw/internal/buildinfo"
	"github.com/zhijianma/copaw/internal/config"
)

// main builds the OS environment and hands off to run, which keeps
// os.Exit and the standard streams out of the testable code.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Cancelling ctx ends a chat session
// gracefully. Arguments are parsed by hand so that run can be called
// concurrently from tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command == "" && args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case command == "" && strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case command == "" && (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case command == "" && strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case command == "" && strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "chat":
		sessionID := "console"
		for i := 0; i < len(cmdArgs); i++ {
			switch {
			case cmdArgs[i] == "-session" && i+1 < len(cmdArgs):
				sessionID = cmdArgs[i+1]
				i++
			case strings.HasPrefix(cmdArgs[i], "-session="):
				sessionID = strings.TrimPrefix(cmdArgs[i], "-session=")
			default:
				return fmt.Errorf("usage: copaw chat [-session id]")
			}
		}
		return runChat(ctx, stdin, stdout, stderr, configPath, sessionID)
	case "checkpoints":
		return runCheckpoints(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "CoPaw - conversational assistant with memory compaction")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: copaw [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat [-session id]        Chat on the console (default session: console)")
	fmt.Fprintln(w, "  checkpoints [list]        List saved snapshots")
	fmt.Fprintln(w, "  checkpoints prune <keep>  Delete all but the newest <keep> snapshots")
	fmt.Fprintln(w, "  init [dir]                Write starter config.yaml and persona.md (default: .)")
	fmt.Fprintln(w, "  version                   Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "In chat, these commands manage memory:")
	fmt.Fprintln(w, "  /compact /new /clear /history /compact_str /await_summary")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates, parses and validates the configuration. With no
// explicit path and no file found, built-in defaults are used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
