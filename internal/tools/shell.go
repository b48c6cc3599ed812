package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"syscall"
	"time"
)

const defaultBashTimeout = 120 * time.Second

// defaultDenyPatterns blocks classes of command that are almost never a
// legitimate coding-agent action, as defense-in-depth alongside whatever
// container/workdir sandboxing wraps the process. Adapted from the
// teacher's internal/tools/shell.go deny table (kept in full: the bash
// tool here has no separate container layer to fall back on, so the
// regex table carries more of the load than it does for the teacher).
var defaultDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--recursive`),
	regexp.MustCompile(`\brm\s+.*--force`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b|\bformat\s`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsocat\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(mount|umount)\b`),
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`/var/run/docker\.sock|docker\.(sock|socket)`),
	regexp.MustCompile(`\b(xmrig|cpuminer|minerd|cgminer)\b`),
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`\b(killall|pkill)\b`),
	regexp.MustCompile(`^\s*env\s*$`),
	regexp.MustCompile(`\bprintenv\b`),
}

// Bash implements the bash tool: run a shell command in the session's
// working directory with a timeout, returning combined stdout/stderr.
// Matches _execute_bash's wire format exactly.
func Bash(ctx context.Context, workdir string, args map[string]interface{}) Result {
	command, _ := args["command"].(string)
	if command == "" {
		return Fail("Missing required parameter: command")
	}
	if workdir == "" {
		return Fail("No working directory set for session")
	}

	for _, pattern := range defaultDenyPatterns {
		if pattern.MatchString(command) {
			return Fail(fmt.Sprintf("command denied by safety policy: matches pattern %s", pattern.String()))
		}
	}

	timeout := defaultBashTimeout
	if t := intArg(args, "timeout", 0); t > 0 {
		timeout = time.Duration(t) * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = workdir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	output := combined.String()

	if runCtx.Err() == context.DeadlineExceeded {
		return Fail(fmt.Sprintf("Command timed out after %ds", int(timeout.Seconds())))
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return Ok(fmt.Sprintf("Command exited with code %d\n%s", exitErr.ExitCode(), output))
		}
		return Fail(fmt.Sprintf("Failed to execute command: %v", err))
	}

	if output == "" {
		output = "(no output)"
	}
	return Ok(output)
}
