package exec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	osexec "os/exec"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/kosmonaut/missionpanel/internal/domain"
)

// CommandBuilder constructs the argv for a mission/attempt pair. It is
// the one method a concrete subprocess handler must supply.
type CommandBuilder interface {
	ConstructCommand(ctx context.Context, mission *domain.Mission, attempt *domain.Attempt) ([]string, error)
}

// SubprocessRunner is a MissionRunner (see internal/panel.MissionRunner)
// that executes a mission as a child process.
// It streams stdout to Info and stderr to Warn, decoding each line from
// whatever encoding it detects rather than assuming UTF-8, and succeeds
// only if the process exits zero.
type SubprocessRunner struct {
	builder CommandBuilder
	logger  *slog.Logger
}

// NewSubprocessRunner returns a runner that builds commands with builder.
func NewSubprocessRunner(builder CommandBuilder, logger *slog.Logger) *SubprocessRunner {
	return &SubprocessRunner{builder: builder, logger: logger.With("component", "subprocess_runner")}
}

// SelectMission implements panel.MissionRunner with the default
// first-candidate policy; embed or replace this type's caller's Handler
// with a custom SelectMission if a different policy is needed.
func (r *SubprocessRunner) SelectMission(_ context.Context, candidates []*domain.Mission) (*domain.Mission, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	return candidates[0], nil
}

// ExecuteMission runs the constructed command to completion, streaming
// its output, and reports success as (exit code == 0).
func (r *SubprocessRunner) ExecuteMission(ctx context.Context, mission *domain.Mission, attempt *domain.Attempt) (bool, error) {
	argv, err := r.builder.ConstructCommand(ctx, mission, attempt)
	if err != nil {
		return false, fmt.Errorf("construct command: %w", err)
	}
	if len(argv) == 0 {
		return false, fmt.Errorf("construct command: empty argv")
	}

	cmd := osexec.CommandContext(ctx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("start: %w", err)
	}

	done := make(chan struct{}, 2)
	go func() { r.streamLines(ctx, stdout, slog.LevelInfo, "stdout"); done <- struct{}{} }()
	go func() { r.streamLines(ctx, stderr, slog.LevelWarn, "stderr"); done <- struct{}{} }()
	<-done
	<-done

	err = cmd.Wait()
	if err != nil {
		var exitErr *osexec.ExitError
		if !isExitError(err, &exitErr) {
			return false, fmt.Errorf("wait: %w", err)
		}
		return false, nil
	}
	return true, nil
}

func isExitError(err error, target **osexec.ExitError) bool {
	exitErr, ok := err.(*osexec.ExitError)
	if ok {
		*target = exitErr
	}
	return ok
}

// streamLines reads r line by line, sniffing each line's encoding, and
// logs it at level. Subprocess output is not guaranteed to be UTF-8.
func (r *SubprocessRunner) streamLines(ctx context.Context, rc io.ReadCloser, level slog.Level, stream string) {
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := decodeLine(scanner.Bytes())
		r.logger.Log(ctx, level, line, "stream", stream)
	}
}

// decodeLine best-effort decodes raw as whatever encoding
// charset.DetermineEncoding detects, falling back to the raw bytes as-is
// when detection or decoding fails.
func decodeLine(raw []byte) string {
	_, name, _ := charset.DetermineEncoding(raw, "")
	if name == "" {
		return string(raw)
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return string(raw)
	}
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(decoded)
}
