package exec

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/kosmonaut/missionpanel/internal/domain"
)

type fixedCommand struct {
	argv []string
	err  error
}

func (f fixedCommand) ConstructCommand(context.Context, *domain.Mission, *domain.Attempt) ([]string, error) {
	return f.argv, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSubprocessRunner_Success(t *testing.T) {
	runner := NewSubprocessRunner(fixedCommand{argv: []string{"/bin/echo", "hello"}}, testLogger())
	ok, err := runner.ExecuteMission(context.Background(), &domain.Mission{ID: 1}, &domain.Attempt{ID: 1})
	if err != nil {
		t.Fatalf("execute mission: %v", err)
	}
	if !ok {
		t.Fatal("expected success for exit code 0")
	}
}

func TestSubprocessRunner_NonZeroExit(t *testing.T) {
	runner := NewSubprocessRunner(fixedCommand{argv: []string{"/bin/false"}}, testLogger())
	ok, err := runner.ExecuteMission(context.Background(), &domain.Mission{ID: 1}, &domain.Attempt{ID: 1})
	if err != nil {
		t.Fatalf("expected no Go error for a clean non-zero exit, got %v", err)
	}
	if ok {
		t.Fatal("expected failure for non-zero exit code")
	}
}

func TestSubprocessRunner_ConstructCommandError(t *testing.T) {
	runner := NewSubprocessRunner(fixedCommand{err: errConstruct}, testLogger())
	_, err := runner.ExecuteMission(context.Background(), &domain.Mission{ID: 1}, &domain.Attempt{ID: 1})
	if err == nil {
		t.Fatal("expected ConstructCommand error to propagate")
	}
}

func TestDecodeLine_PassesThroughASCII(t *testing.T) {
	if got := decodeLine([]byte("plain ascii line")); got != "plain ascii line" {
		t.Fatalf("expected passthrough for ascii, got %q", got)
	}
}

var errConstruct = &constructError{"construct failed"}

type constructError struct{ msg string }

func (e *constructError) Error() string { return e.msg }
