// Package device talks to the local hardware and the storage daemon: it
// enumerates disks, samples their health and removes or adds them.
package device

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/bynar/internal/model"
)

// Info identifies a local disk
type Info struct {
	DiskID        string
	DevicePath    string
	CapacityBytes uint64
	Role          model.DiskRole
}

// Prober enumerates local disks and samples their health
type Prober interface {
	Enumerate(ctx context.Context) ([]Info, error)
	Probe(ctx context.Context, disk Info) (model.HealthSummary, error)
}

// Controller takes disks out of and back into the storage cluster.
// SafeToRemove is asked before every Remove.
type Controller interface {
	SafeToRemove(ctx context.Context, disk Info) (bool, error)
	Remove(ctx context.Context, disk Info) error
	Add(ctx context.Context, disk Info) error
}

// Runner runs an external command and returns its combined output
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

// Run implements Runner
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	if r.Logger != nil {
		r.Logger.Debug("Ran command",
			zap.String("command", name+" "+strings.Join(args, " ")),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	}
	if err != nil {
		return out.Bytes(), fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out.Bytes(), nil
}
