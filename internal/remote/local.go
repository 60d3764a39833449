package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// LocalExecutor runs commands with /bin/sh on this host. The listener port
// lives here, so port reclaim uses it.
type LocalExecutor struct {
	Shell string
}

func (e LocalExecutor) Execute(ctx context.Context, command string) (string, error) {
	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), &CommandError{
				Command:    command,
				ExitStatus: exitErr.ExitCode(),
				Stderr:     strings.TrimSpace(stderr.String()),
			}
		}
		return stdout.String(), fmt.Errorf("run %q: %w", command, err)
	}
	return stdout.String(), nil
}
