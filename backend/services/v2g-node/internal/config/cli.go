package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
)

// Usage is printed on command line errors.
const Usage = "Usage: v2g-node [-svnf] [--] interface EV|EVSE"

var ErrUsage = errors.New("usage")

// NodeRole is the side of the link this process plays. Fixed at start.
type NodeRole int

const (
	RoleEV NodeRole = iota + 1
	RoleEVSE
)

func (r NodeRole) String() string {
	switch r {
	case RoleEV:
		return "EV"
	case RoleEVSE:
		return "EVSE"
	default:
		return "unknown"
	}
}

// ParseRole accepts EV or EVSE in any case.
func ParseRole(raw string) (NodeRole, error) {
	switch {
	case strings.EqualFold(raw, "EV"):
		return RoleEV, nil
	case strings.EqualFold(raw, "EVSE"):
		return RoleEVSE, nil
	}
	return 0, fmt.Errorf("node type must be EV or EVSE, got %q", raw)
}

// CLI holds the parsed command line.
type CLI struct {
	Association  bool
	Verbose      bool
	NoTLS        bool
	FreeCharging bool
	Interface    string
	Role         NodeRole
}

// ParseCLI parses args without the program name. Short flags may be clustered
// as in -sv. Errors wrap ErrUsage.
func ParseCLI(args []string) (CLI, error) {
	var cli CLI
	fs := flag.NewFlagSet("v2g-node", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.BoolVar(&cli.Association, "s", false, "run link association before discovery")
	fs.BoolVar(&cli.Verbose, "v", false, "verbose logging")
	fs.BoolVar(&cli.NoTLS, "n", false, "do not use TLS")
	fs.BoolVar(&cli.FreeCharging, "f", false, "offer free charging")

	if err := fs.Parse(expandClusters(args)); err != nil {
		return CLI{}, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return CLI{}, fmt.Errorf("%w: interface and node type required", ErrUsage)
	}
	role, err := ParseRole(rest[1])
	if err != nil {
		return CLI{}, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	cli.Interface = rest[0]
	cli.Role = role
	return cli, nil
}

// expandClusters rewrites -svn into -s -v -n up to the first operand or "--".
func expandClusters(args []string) []string {
	out := make([]string, 0, len(args))
	for i, arg := range args {
		if arg == "--" || !strings.HasPrefix(arg, "-") || arg == "-" {
			return append(out, args[i:]...)
		}
		if len(arg) > 2 && !strings.HasPrefix(arg, "--") && !strings.Contains(arg, "=") {
			for _, r := range arg[1:] {
				out = append(out, "-"+string(r))
			}
			continue
		}
		out = append(out, arg)
	}
	return out
}
