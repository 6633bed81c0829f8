// Package runner provides the shared command-execution seam used by the
// tracker, merge engine, and auto-commit collaborators. Swapping the real
// implementation for a fake is how those packages get tested without
// shelling out.
package runner

import (
	"context"
	"os/exec"
)

// CommandRunner executes a command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Exec runs a real command via os/exec.
func Exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
