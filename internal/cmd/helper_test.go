package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const testCwd = "/test"

type globalTestState struct {
	*GlobalState
	Cancel func()

	Stdout, Stderr *bytes.Buffer
	LoggerHook     *recordingHook

	ExpectedExitCode int
	exitCode         atomic.Int64
	exited           atomic.Bool
}

// recordingHook keeps every entry logged through the global logger.
type recordingHook struct {
	mu      sync.Mutex
	entries []logrus.Entry
}

func (h *recordingHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *recordingHook) Fire(e *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, *e)
	return nil
}

func (h *recordingHook) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := make([]string, 0, len(h.entries))
	for _, e := range h.entries {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

func newGlobalTestState(t *testing.T) *globalTestState {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testCwd, 0o755))

	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	hook := &recordingHook{}
	logger.AddHook(hook)

	ts := &globalTestState{
		Cancel:     cancel,
		Stdout:     new(bytes.Buffer),
		Stderr:     new(bytes.Buffer),
		LoggerHook: hook,
	}

	outMutex := &sync.Mutex{}
	defaultFlags := getDefaultFlags(filepath.Join(testCwd, ".config"))
	ts.GlobalState = &GlobalState{
		Ctx:          ctx,
		FS:           fs,
		Getwd:        func() (string, error) { return testCwd, nil },
		BinaryName:   "pagesync",
		CmdArgs:      []string{},
		Env:          map[string]string{},
		DefaultFlags: defaultFlags,
		Flags:        defaultFlags,
		OutMutex:     outMutex,
		Stdout:       &consoleWriter{Writer: ts.Stdout, IsTTY: false, Mutex: outMutex},
		Stderr:       &consoleWriter{Writer: ts.Stderr, IsTTY: false, Mutex: outMutex},
		Stdin:        new(bytes.Buffer),
		OSExit: func(code int) {
			ts.exitCode.Store(int64(code))
			ts.exited.Store(true)
		},
		SignalNotify:   func(chan<- os.Signal, ...os.Signal) {},
		SignalStop:     func(chan<- os.Signal) {},
		Logger:         logger,
		FallbackLogger: logger,
	}

	t.Cleanup(func() {
		if ts.exited.Load() {
			require.Equal(t, ts.ExpectedExitCode, int(ts.exitCode.Load()), "stderr: %s", ts.Stderr.String())
		}
	})
	return ts
}

func (ts *globalTestState) run(t *testing.T, args ...string) {
	t.Helper()
	ts.CmdArgs = append([]string{"pagesync"}, args...)
	newRootCommand(ts.GlobalState).execute()
	require.True(t, ts.exited.Load(), "command did not exit")
}

func (ts *globalTestState) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(testCwd, name)
	require.NoError(t, ts.FS.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(ts.FS, path, []byte(content), 0o644))
	return path
}
