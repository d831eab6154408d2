package proc

import (
	"context"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kokino/kokino/internal/broker/kinderr"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func newTestSupervisor() *Supervisor {
	return NewSupervisor(slog.Default(), nil)
}

func TestRunCapturesOutput(t *testing.T) {
	requireShell(t)
	s := newTestSupervisor()

	out, err := s.Run(context.Background(), "alice", "mock", Spec{
		Command: "sh",
		Args:    []string{"-c", "echo stdout-line; echo stderr-line >&2"},
		Limits:  Limits{Timeout: 10 * time.Second},
	})
	require.NoError(t, err)
	require.Equal(t, 0, out.ExitCode)
	require.Equal(t, "stdout-line\n", string(out.Stdout))
	require.Equal(t, "stderr-line\n", out.Stderr)
	require.False(t, out.LimitExceeded)
	require.False(t, out.ZombieKilled)
}

func TestNonZeroExitIsNotAnError(t *testing.T) {
	requireShell(t)
	s := newTestSupervisor()

	out, err := s.Run(context.Background(), "alice", "mock", Spec{
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
		Limits:  Limits{Timeout: 10 * time.Second},
	})
	require.NoError(t, err)
	require.Equal(t, 3, out.ExitCode)
}

func TestSpawnFailure(t *testing.T) {
	s := newTestSupervisor()

	_, err := s.Run(context.Background(), "alice", "mock", Spec{
		Command: "definitely-not-a-real-binary",
		Limits:  Limits{Timeout: time.Second},
	})
	require.True(t, kinderr.Is(err, kinderr.Upstream))
}

func TestTimeoutKillsChild(t *testing.T) {
	requireShell(t)
	s := newTestSupervisor()

	start := time.Now()
	out, err := s.Run(context.Background(), "alice", "mock", Spec{
		Command: "sh",
		Args:    []string{"-c", "sleep 30"},
		Limits:  Limits{Timeout: 300 * time.Millisecond},
	})
	require.True(t, kinderr.Is(err, kinderr.Timeout))
	require.NotNil(t, out)
	// SIGTERM plus the 5 s grace must bound the total wall time.
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestContextCancellation(t *testing.T) {
	requireShell(t)
	s := newTestSupervisor()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	_, err := s.Run(ctx, "alice", "mock", Spec{
		Command: "sh",
		Args:    []string{"-c", "sleep 30"},
		Limits:  Limits{Timeout: time.Minute},
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestMissingTimeoutRejected(t *testing.T) {
	s := newTestSupervisor()
	_, err := s.Run(context.Background(), "alice", "mock", Spec{Command: "sh"})
	require.True(t, kinderr.Is(err, kinderr.Validation))
}

func TestEnvBuilderScrubsAPIKeys(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-secret")
	t.Setenv("KOKINO_TEST_KEEP", "yes")

	env := NewEnv().Set("EXTRA_VAR", "1").Build()
	joined := strings.Join(env, "\n")
	require.NotContains(t, joined, "ANTHROPIC_API_KEY")
	require.Contains(t, joined, "KOKINO_TEST_KEEP=yes")
	require.Contains(t, joined, "EXTRA_VAR=1")
}

func TestEnvBuilderScrubIsCaseInsensitive(t *testing.T) {
	t.Setenv("My_Secret", "x")
	env := NewEnv().Scrub("MY_SECRET").Build()
	require.NotContains(t, strings.Join(env, "\n"), "My_Secret")
}
