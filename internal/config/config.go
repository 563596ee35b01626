// Package config parses command-line and environment configuration.
package config

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultBPFObject is the compiled probe object loaded when --bpf-object is
// not given.
const DefaultBPFObject = "pgtracer.bpf.o"

// CustomAttribute holds a single custom span attribute: its name and the
// expression producing its value for each finalized query.
type CustomAttribute struct {
	Name       string
	Expression string
}

// Config holds the parsed command-line configuration.
type Config struct {
	// Pid is the PostgreSQL backend process to trace.
	Pid int
	// BPFObject is the path of the compiled probe object.
	BPFObject string
	// TraceID groups all exported query spans under one trace. A 32-char
	// hex string is used directly; anything else is hashed.
	TraceID string
	// CustomAttributes are evaluated against each finalized query.
	CustomAttributes []CustomAttribute
}

// ParseArgs parses command-line arguments and returns a Config.
// Expected format: program_name --pid <pid> [--bpf-object <path>] [--trace-id <id>] [-a name=expr]...
func ParseArgs(args []string) (*Config, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no arguments provided")
	}

	programName := args[0]
	cfg := &Config{BPFObject: DefaultBPFObject}

	usage := func() error {
		return fmt.Errorf("Usage: %s --pid <pid> [--bpf-object <path>] [--trace-id <id>] [-a name=expr]...\nExample: %s --pid 12345 -a tenant='search_path'",
			programName, programName)
	}

	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--pid", "-p":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--pid requires a value")
			}
			pid, err := strconv.Atoi(args[i+1])
			if err != nil || pid <= 0 {
				return nil, fmt.Errorf("--pid requires a positive integer, got %q", args[i+1])
			}
			cfg.Pid = pid
			i++
		case "--bpf-object", "-o":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--bpf-object requires a value")
			}
			cfg.BPFObject = args[i+1]
			i++
		case "--trace-id", "-t":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--trace-id requires a value")
			}
			cfg.TraceID = args[i+1]
			i++
		case "--attr", "-a":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--attr requires a value")
			}
			attr, err := parseCustomAttribute(args[i+1])
			if err != nil {
				return nil, err
			}
			cfg.CustomAttributes = append(cfg.CustomAttributes, attr)
			i++
		default:
			return nil, usage()
		}
	}

	if cfg.Pid == 0 {
		return nil, usage()
	}

	return cfg, nil
}

// parseCustomAttribute splits a name=expr pair.
func parseCustomAttribute(s string) (CustomAttribute, error) {
	parts := strings.SplitN(s, "=", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return CustomAttribute{}, fmt.Errorf("--attr requires name=expression, got %q", s)
	}
	return CustomAttribute{Name: parts[0], Expression: parts[1]}, nil
}
