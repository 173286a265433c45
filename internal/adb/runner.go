// Package adb invokes the external adb bridge tool and returns its raw output.
//
// The runner never interprets tool output: a device that is offline or
// missing shows up as text in Stderr with a nil error. A non-nil error always
// means the tool could not be invoked at all (see TransportError).
package adb

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocmd "github.com/go-cmd/cmd"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultBinary is looked up in $PATH when no explicit path is configured.
const DefaultBinary = "adb"

// Result is the separated output of one invocation.
type Result struct {
	Stdout string
	Stderr string
	Exit   int
}

// ErrTransport matches every TransportError under errors.Is.
var ErrTransport = errors.New("adb transport failure")

// TransportError reports that the tool could not be executed.
type TransportError struct {
	Args []string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("adb %s: %v", strings.Join(e.Args, " "), e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Client runs adb sub-commands through go-cmd.
type Client struct {
	binary string
}

// New creates a Client for the given adb binary; empty means DefaultBinary.
func New(binary string) *Client {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = DefaultBinary
	}
	return &Client{binary: binary}
}

// Binary returns the configured adb executable.
func (c *Client) Binary() string {
	return c.binary
}

// Run executes `adb -s <device> <args...>` and waits for completion.
func (c *Client) Run(ctx context.Context, device string, args ...string) (Result, error) {
	argv, err := targetArgs(device, args)
	if err != nil {
		return Result{}, err
	}
	return c.exec(ctx, argv)
}

// RunInstall executes a transfer/install sub-command and returns the tool's
// verdict: `Success` or a failure reason. Progress lines are dropped.
func (c *Client) RunInstall(ctx context.Context, device string, args ...string) (string, error) {
	argv, err := targetArgs(device, args)
	if err != nil {
		return "", err
	}
	res, err := c.exec(ctx, argv)
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		// adb prints install failures on stderr on some versions
		out = strings.TrimSpace(res.Stderr)
	}
	return installReport(out), nil
}

// installReport drops the "Performing ... Install" lines newer adb releases
// print ahead of the verdict.
func installReport(out string) string {
	kept := make([]string, 0, 2)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || (strings.HasPrefix(line, "Performing ") && strings.HasSuffix(line, "Install")) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// Devices executes `adb devices -l`.
func (c *Client) Devices(ctx context.Context) (Result, error) {
	return c.exec(ctx, []string{"devices", "-l"})
}

func targetArgs(device string, args []string) ([]string, error) {
	device = strings.TrimSpace(device)
	if device == "" {
		return nil, errors.New("adb: device id is empty")
	}
	if len(args) == 0 {
		return nil, errors.New("adb: empty command")
	}
	argv := make([]string, 0, len(args)+2)
	argv = append(argv, "-s", device)
	return append(argv, args...), nil
}

func (c *Client) exec(ctx context.Context, argv []string) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return Result{}, &TransportError{Args: argv, Err: err}
	}
	started := time.Now()
	cmd := gocmd.NewCmdOptions(gocmd.Options{Buffered: true}, c.binary, argv...)
	statusChan := cmd.Start()

	var status gocmd.Status
	select {
	case status = <-statusChan:
	case <-ctx.Done():
		_ = cmd.Stop()
		<-statusChan
		return Result{}, &TransportError{Args: argv, Err: ctx.Err()}
	}

	if status.Error != nil {
		log.Debug().Err(status.Error).Strs("args", argv).Msg("adb invocation failed")
		return Result{}, &TransportError{Args: argv, Err: status.Error}
	}
	res := Result{
		Stdout: joinLines(status.Stdout),
		Stderr: joinLines(status.Stderr),
		Exit:   status.Exit,
	}
	log.Debug().
		Strs("args", argv).
		Int("exit", res.Exit).
		Int("stdout_bytes", len(res.Stdout)).
		Int("stderr_bytes", len(res.Stderr)).
		Dur("elapsed", time.Since(started)).
		Msg("adb invocation finished")
	return res, nil
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
