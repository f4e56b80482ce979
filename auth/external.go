package auth

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrNoExternalPassword is returned when the external program printed no password
var ErrNoExternalPassword = errors.New("external auth program returned no password")

// maxExternalLine bounds how much of the program's first line is read
const maxExternalLine = 4096

// waitDelay bounds how long pipes stay open after a cancelled program is killed
const waitDelay = 2 * time.Second

// Exec runs operator-supplied programs through the shell. The command text
// comes from configuration and may carry its own arguments; the identity is
// always passed as a separate positional argument and never spliced into
// the shell text.
type Exec struct {
	shell  string
	logger *zap.Logger
}

// NewExec creates an Exec using /bin/sh
func NewExec(logger *zap.Logger) *Exec {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exec{shell: "/bin/sh", logger: logger}
}

func (e *Exec) command(ctx context.Context, command string, args ...string) *exec.Cmd {
	argv := append([]string{"-c", command + ` "$@"`, "linkauth"}, args...)
	cmd := exec.CommandContext(ctx, e.shell, argv...)
	cmd.WaitDelay = waitDelay
	return cmd
}

// Password runs command with authname as its argument and returns the
// first line it prints. The exit status is not consulted: a non-empty
// first line is the only success criterion.
func (e *Exec) Password(ctx context.Context, command, authname string) (string, error) {
	cmd := e.command(ctx, command, authname)
	e.logger.Info("invoking external auth program",
		zap.String("command", command), zap.String("authname", authname))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", errors.Wrap(err, "create pipe for external auth program")
	}
	if err := cmd.Start(); err != nil {
		return "", errors.Wrap(err, "start external auth program")
	}

	reader := bufio.NewReader(io.LimitReader(stdout, maxExternalLine))
	line, readErr := reader.ReadString('\n')
	if readErr != nil && readErr != io.EOF {
		e.logger.Warn("error reading from external auth program", zap.Error(readErr))
		line = ""
	}

	// Drain so the program is not blocked writing, then reap it.
	_, _ = io.Copy(io.Discard, stdout)
	if err := cmd.Wait(); err != nil {
		e.logger.Debug("external auth program exited", zap.Error(err))
	}

	line = strings.TrimSuffix(line, "\n")
	if line == "" {
		e.logger.Info("external auth program failed", zap.String("authname", authname))
		return "", ErrNoExternalPassword
	}
	return bounded(line, MaxPassword), nil
}

// Notify runs command with "-y authname" or "-n authname". Output is
// discarded.
func (e *Exec) Notify(ctx context.Context, command, authname string, ok bool) error {
	flag := "-n"
	if ok {
		flag = "-y"
	}
	cmd := e.command(ctx, command, flag, authname)
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "run %s %s %s", command, flag, authname)
	}
	return nil
}
