package tasks

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthive/orchestrator/common/faults"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[INFO] %s %v", msg, keysAndValues)
}

func (l *testLogger) Error(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[ERROR] %s %v", msg, keysAndValues)
}

func (l *testLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[WARN] %s %v", msg, keysAndValues)
}

func (l *testLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[DEBUG] %s %v", msg, keysAndValues)
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("local launcher tests need a POSIX shell")
	}
}

func waitDone(t *testing.T, l *LocalLauncher, id string) Status {
	t.Helper()
	var st Status
	var err error
	require.Eventually(t, func() bool {
		st, err = l.Status(context.Background(), id)
		return err == nil && st.Done
	}, 10*time.Second, 25*time.Millisecond)
	require.NoError(t, err)
	return st
}

func TestLocalLauncherRunsToCompletion(t *testing.T) {
	requireUnix(t)
	l := NewLocalLauncher("", time.Second, &testLogger{t})

	id, err := l.Launch(context.Background(), LaunchSpec{
		TaskDefinition: "echo-agent",
		Command:        []string{"sh", "-c", "echo done"},
	})
	require.NoError(t, err)

	st := waitDone(t, l, id)
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, 0, st.ExitCode)
	assert.Empty(t, st.Reason)
}

func TestLocalLauncherInjectsAndShadowsEnv(t *testing.T) {
	requireUnix(t)
	t.Setenv("ORCH_TEST_SHADOW", "outer")
	l := NewLocalLauncher("", time.Second, &testLogger{t})

	id, err := l.Launch(context.Background(), LaunchSpec{
		TaskDefinition: "echo-agent",
		Command:        []string{"sh", "-c", `test "$JOB_ID" = job-1 && test "$ORCH_TEST_SHADOW" = inner`},
		Env: map[string]string{
			"JOB_ID":           "job-1",
			"ORCH_TEST_SHADOW": "inner",
		},
	})
	require.NoError(t, err)

	st := waitDone(t, l, id)
	assert.Equal(t, 0, st.ExitCode)
}

func TestLocalLauncherFailureKeepsLastLine(t *testing.T) {
	requireUnix(t)
	l := NewLocalLauncher("", time.Second, &testLogger{t})

	id, err := l.Launch(context.Background(), LaunchSpec{
		TaskDefinition: "echo-agent",
		Command:        []string{"sh", "-c", "echo starting; echo boom >&2; exit 3"},
	})
	require.NoError(t, err)

	st := waitDone(t, l, id)
	assert.Equal(t, 3, st.ExitCode)
	assert.Equal(t, "boom", st.Reason)
}

func TestLocalLauncherStopTerminates(t *testing.T) {
	requireUnix(t)
	l := NewLocalLauncher("", 500*time.Millisecond, &testLogger{t})

	id, err := l.Launch(context.Background(), LaunchSpec{
		TaskDefinition: "echo-agent",
		Command:        []string{"sleep", "30"},
	})
	require.NoError(t, err)

	require.NoError(t, l.Stop(context.Background(), id, "deadline exceeded"))

	st := waitDone(t, l, id)
	assert.NotEqual(t, 0, st.ExitCode)
	assert.Equal(t, "deadline exceeded", st.Reason)

	// stopping a finished task is a no-op
	require.NoError(t, l.Stop(context.Background(), id, "again"))
}

func TestLocalLauncherMissingCommand(t *testing.T) {
	requireUnix(t)
	l := NewLocalLauncher("", time.Second, &testLogger{t})

	_, err := l.Launch(context.Background(), LaunchSpec{
		TaskDefinition: "echo-agent",
		Command:        []string{"definitely-not-a-real-binary-9f3a"},
	})
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestLocalLauncherUnknownTask(t *testing.T) {
	l := NewLocalLauncher("", time.Second, &testLogger{t})

	_, err := l.Status(context.Background(), "local-nope")
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))

	err = l.Stop(context.Background(), "local-nope", "x")
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}

func TestLaunchSpecCheck(t *testing.T) {
	tests := []struct {
		name string
		spec LaunchSpec
		kind faults.Kind
	}{
		{
			name: "empty task definition",
			spec: LaunchSpec{},
			kind: faults.KindValidation,
		},
		{
			name: "task definition with shell metacharacters",
			spec: LaunchSpec{TaskDefinition: "agent;rm -rf /"},
			kind: faults.KindSecurity,
		},
		{
			name: "lowercase env key",
			spec: LaunchSpec{TaskDefinition: "agent", Env: map[string]string{"job_id": "j"}},
			kind: faults.KindSecurity,
		},
		{
			name: "env key starting with digit",
			spec: LaunchSpec{TaskDefinition: "agent", Env: map[string]string{"1JOB": "j"}},
			kind: faults.KindSecurity,
		},
		{
			name: "env value with newline",
			spec: LaunchSpec{TaskDefinition: "agent", Env: map[string]string{"JOB_ID": "j\nPATH=/tmp"}},
			kind: faults.KindSecurity,
		},
		{
			name: "command argument with control byte",
			spec: LaunchSpec{TaskDefinition: "agent", Command: []string{"run", "a\x00b"}},
			kind: faults.KindSecurity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Check()
			require.Error(t, err)
			assert.Equal(t, tt.kind, faults.KindOf(err))
		})
	}

	ok := LaunchSpec{
		TaskDefinition: "anthive-agent:42",
		Command:        []string{"run", "--fast"},
		Env:            map[string]string{"JOB_ID": "job-1", "WORKSPACE_DIR": "/work/acme/job-1"},
	}
	assert.NoError(t, ok.Check())
}
