// Package worker is the entrypoint the cluster starts for every mapper,
// reducer, finalizer, race candidate and task.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/nemanja-m/jobwire/internal/cache"
	"github.com/nemanja-m/jobwire/internal/descriptor"
	"github.com/nemanja-m/jobwire/internal/shared/config"
	"github.com/nemanja-m/jobwire/internal/shared/logging"
	"github.com/nemanja-m/jobwire/internal/tempdir"
	"github.com/nemanja-m/jobwire/pkg/algorithm"
)

const (
	exitOK         = 0
	exitFailure    = 1
	exitUnexpected = 255
)

// Run executes one worker invocation and returns the process exit code.
// Results go to stdout, diagnostics to stderr. Anything user code prints
// on os.Stdout is treated as a failure.
func Run(ctx context.Context, mode string, args []string, stdin io.Reader, stdout, stderr io.Writer, settings *config.Settings, logger logging.Logger) int {
	executor, ok := executors[mode]
	if !ok {
		fmt.Fprintf(stderr, "unknown mode %q\n", mode)
		return exitFailure
	}

	task, err := prepare(mode, args, stdin, settings)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
	if err := ctx.Err(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}

	logger.Debug("worker started", "mode", mode, "algorithm", task.Algorithm.Name(), "modulo", task.Modulo)

	capture, err := captureStdout(settings.ScratchDir())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
	output, execErr := executor.Execute(ctx, task)
	stray, err := capture.Restore()
	if err != nil {
		logger.Warn("cannot read captured output", "error", err)
	}

	if len(stray) > 0 {
		fmt.Fprintf(stderr, "Unexpected output (%s)\n", stray)
		return exitUnexpected
	}
	if execErr != nil {
		fmt.Fprintln(stderr, execErr)
		return exitFailure
	}
	if len(output) > 0 {
		if _, err := stdout.Write(output); err != nil {
			logger.Error("cannot write result", "error", err)
			return exitFailure
		}
	}
	return exitOK
}

func prepare(mode string, args []string, stdin io.Reader, settings *config.Settings) (*Task, error) {
	raw, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	payload, rest, err := descriptor.DecodePayload(raw)
	if err != nil {
		return nil, err
	}
	algo, err := algorithm.Revive(payload.Name, payload.Object)
	if err != nil {
		return nil, err
	}

	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	return &Task{
		Mode:      mode,
		Modulo:    modulo(args),
		Algorithm: algo,
		Input:     rest,
		Loader:    cache.New(payload.Cache.Address, payload.Cache.MaxSize, payload.Cache.TTL),
		Dir:       dir,
		Base:      settings.BaseDirectory,
		SplitSize: settings.SplitSizeBytes(),
	}, nil
}

// modulo is the last numeric argument, 1 when there is none.
func modulo(args []string) int {
	for i := len(args) - 1; i >= 0; i-- {
		if n, err := strconv.Atoi(args[i]); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

// inBase runs fn inside the shared base directory so relative input names
// resolve the way clients wrote them.
func inBase(base string, fn func() error) error {
	if base == "" {
		return fn()
	}
	return tempdir.InDir(base, fn)
}

// capture holds os.Stdout redirected to a scratch file.
type capture struct {
	file     *os.File
	original *os.File
}

func captureStdout(scratch string) (*capture, error) {
	f, err := os.CreateTemp(scratch, "jobwire-stdout-*")
	if err != nil {
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	c := &capture{file: f, original: os.Stdout}
	os.Stdout = f
	return c, nil
}

// Restore puts the original os.Stdout back and returns what was captured.
func (c *capture) Restore() ([]byte, error) {
	os.Stdout = c.original
	defer os.Remove(c.file.Name())
	defer c.file.Close()

	if _, err := c.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(c.file)
}
