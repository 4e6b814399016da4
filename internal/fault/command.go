package fault

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands on the local host.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Command drives a fault switch through external commands, for targets that
// expose it only on their nodes (for example through kubectl exec or ssh).
type Command struct {
	EnableArgs  []string
	DisableArgs []string
	StatusArgs  []string

	run Runner
}

// NewCommand returns a command injector. statusArgs may be empty, in which case
// a zero exit status of the enable command counts as activation.
func NewCommand(enable, disable, status []string, run Runner) (*Command, error) {
	if len(enable) == 0 {
		return nil, errors.New("fault enable command is required")
	}
	if run == nil {
		run = ExecRunner
	}
	return &Command{
		EnableArgs:  enable,
		DisableArgs: disable,
		StatusArgs:  status,
		run:         run,
	}, nil
}

func (c *Command) exec(ctx context.Context, argv []string) (string, error) {
	out, err := c.run(ctx, argv[0], argv[1:]...)
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("%s: %w: %s", argv[0], err, text)
	}
	return text, nil
}

// Status runs the status command and parses its output.
func (c *Command) Status(ctx context.Context) (bool, error) {
	if len(c.StatusArgs) == 0 {
		return false, errors.New("no fault status command configured")
	}
	out, err := c.exec(ctx, c.StatusArgs)
	if err != nil {
		return false, err
	}
	return parseEnabled(out), nil
}

// EnableDataCorruption runs the enable command unless the switch is already on.
func (c *Command) EnableDataCorruption(ctx context.Context) (bool, error) {
	if len(c.StatusArgs) > 0 {
		active, err := c.Status(ctx)
		if err != nil {
			return false, err
		}
		if active {
			return true, nil
		}
	}

	out, err := c.exec(ctx, c.EnableArgs)
	if err != nil {
		return false, err
	}
	log.Debug().Str("output", out).Msg("Fault enable command finished")

	if len(c.StatusArgs) == 0 {
		return true, nil
	}
	return c.Status(ctx)
}

// Reset runs the disable command.
func (c *Command) Reset(ctx context.Context) error {
	if len(c.DisableArgs) == 0 {
		return errors.New("no fault disable command configured")
	}
	_, err := c.exec(ctx, c.DisableArgs)
	return err
}

// parseEnabled reads the switch state from the last line of output. The line
// may be a bare word ("enabled") or key/value pairs ("corruption: enabled=false");
// the last recognised word decides, so a value always overrides its key.
func parseEnabled(out string) bool {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := strings.ToLower(strings.TrimSpace(lines[len(lines)-1]))
	fields := strings.FieldsFunc(last, func(r rune) bool {
		return r == ' ' || r == '=' || r == ':' || r == ',' || r == '\t' || r == '"'
	})

	enabled := false
	for _, field := range fields {
		switch field {
		case "enabled", "true", "1", "on", "yes":
			enabled = true
		case "disabled", "false", "0", "off", "no":
			enabled = false
		}
	}
	return enabled
}
