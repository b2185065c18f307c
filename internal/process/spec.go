package process

import (
	"os/exec"
	"strings"

	"github.com/loykin/joinkeeper/internal/logger"
)

// LaunchSpec describes an external client to start detached.
type LaunchSpec struct {
	Name     string        // used for log file names
	Command  string        // command line; shell metacharacters route it through the platform shell
	Args     []string      // appended verbatim after Command
	WorkDir  string        // optional working dir
	Env      []string      // full environment; empty inherits the supervisor's
	Detached bool          // new session (Unix) or DETACHED_PROCESS (Windows)
	Log      logger.Config // optional stdout/stderr capture
}

// BuildCommand constructs an *exec.Cmd for Command. It avoids a shell when
// possible and honors an explicit "sh -c" prefix without double-wrapping.
func (s LaunchSpec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return getTrueCommand()
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(joinArgs(afterC, s.Args))
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(joinArgs(cmdStr, s.Args))
	}
	parts := strings.Fields(cmdStr)
	args := append(parts[1:], s.Args...)
	// #nosec G204
	return exec.Command(parts[0], args...)
}

func joinArgs(script string, args []string) string {
	if len(args) == 0 {
		return script
	}
	return script + " " + strings.Join(args, " ")
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script after "-c " with one pair of wrapping quotes removed.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
