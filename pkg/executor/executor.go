// Package executor performs the OS side effects behind remote commands.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"timeglass/remotectl/pkg/proto"
)

// Notifier lets the host process surface a command to the local user before it runs.
type Notifier interface {
	Notify(title, message string)
}

// Runner runs an external program and returns an error carrying its output on failure.
type Runner func(ctx context.Context, name string, args ...string) error

type Options struct {
	Logger *zap.SugaredLogger
	// GOOS defaults to runtime.GOOS.
	GOOS     string
	Runner   Runner
	Notifier Notifier
}

// OS executes LockScreen and Shutdown with the platform's own tools.
type OS struct {
	log      *zap.SugaredLogger
	goos     string
	run      Runner
	notifier Notifier
}

func New(opts Options) *OS {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}
	if opts.Runner == nil {
		opts.Runner = execRunner
	}
	return &OS{log: opts.Logger, goos: opts.GOOS, run: opts.Runner, notifier: opts.Notifier}
}

// Execute returns a human-readable success message, or an error whose text is
// the failure reason reported back to the operator.
func (e *OS) Execute(ctx context.Context, cmd proto.Command) (string, error) {
	switch cmd.Kind {
	case proto.KindLockScreen:
		e.notify("Remote control", "The screen is being locked by an administrator")
		name, args, err := LockScreenCommand(e.goos)
		if err != nil {
			return "", err
		}
		e.log.Infow("locking screen", "command_id", cmd.ID, "program", name)
		if err := e.run(ctx, name, args...); err != nil {
			return "", fmt.Errorf("lock screen failed: %w", err)
		}
		return "screen locked", nil
	case proto.KindShutdown:
		delay := cmd.DelaySeconds()
		e.notify("Remote control", fmt.Sprintf("This computer will shut down in %d seconds", delay))
		name, args, err := ShutdownCommand(e.goos, delay)
		if err != nil {
			return "", err
		}
		e.log.Infow("scheduling shutdown", "command_id", cmd.ID, "delay_seconds", delay, "program", name)
		if err := e.run(ctx, name, args...); err != nil {
			return "", fmt.Errorf("shutdown failed: %w", err)
		}
		return "shutdown scheduled", nil
	default:
		return "", fmt.Errorf("unsupported command type %q", cmd.Kind)
	}
}

func (e *OS) notify(title, msg string) {
	if e.notifier != nil {
		e.notifier.Notify(title, msg)
	}
}

// LockScreenCommand returns the program that locks the interactive session on goos.
func LockScreenCommand(goos string) (string, []string, error) {
	switch goos {
	case "windows":
		return "rundll32.exe", []string{"user32.dll,LockWorkStation"}, nil
	case "darwin":
		return "osascript", []string{"-e", `tell application "System Events" to keystroke "q" using {command down, control down}`}, nil
	case "linux":
		return "dbus-send", []string{"--type=method_call", "--dest=org.gnome.ScreenSaver", "/org/gnome/ScreenSaver", "org.gnome.ScreenSaver.Lock"}, nil
	default:
		return "", nil, fmt.Errorf("unsupported operating system: %s", goos)
	}
}

// ShutdownCommand returns the program that powers the machine off after delay
// seconds. Unix shutdown only takes minutes, so the delay is truncated.
func ShutdownCommand(goos string, delay uint64) (string, []string, error) {
	switch goos {
	case "windows":
		return "shutdown", []string{"/s", "/t", strconv.FormatUint(delay, 10)}, nil
	case "darwin", "linux":
		when := "now"
		if delay > 0 {
			when = "+" + strconv.FormatUint(delay/60, 10)
		}
		return "shutdown", []string{"-h", when}, nil
	default:
		return "", nil, fmt.Errorf("unsupported operating system: %s", goos)
	}
}

func execRunner(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err == nil {
		return nil
	}
	if msg := strings.TrimSpace(string(out)); msg != "" {
		return errors.New(msg)
	}
	return err
}
