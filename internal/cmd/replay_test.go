package cmd

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/pagesync/errext"
	"github.com/liuxd6825/pagesync/errext/exitcodes"
)

const frameFields = `"securityOrigin":"http://localhost","mimeType":"text/html",` +
	`"secureContextType":"SecureLocalhost","crossOriginIsolatedContextType":"NotIsolated","gatedAPIFeatures":[]`

var testRecording = strings.Join([]string{
	`{"method":"Page.frameNavigated","params":{"frame":{"id":"main","loaderId":"L1",` +
		`"url":"http://localhost/index.html",` + frameFields + `},"type":"Navigation"}}`,
	`{"id":1,"result":{}}`,
	``,
	`{"method":"Page.frameAttached","params":{"frameId":"child","parentFrameId":"main"}}`,
	`{"method":"Page.frameNavigated","params":{"frame":{"id":"child","parentId":"main","loaderId":"L2",` +
		`"name":"ads","url":"http://localhost/ads.html",` + frameFields + `},"type":"Navigation"}}`,
	`{"method":"Page.frameAttached","params":{"frameId":"gone","parentFrameId":"main"}}`,
	`{"method":"Page.frameDetached","params":{"frameId":"gone","reason":"remove"}}`,
	`{"method":"Runtime.consoleAPICalled","params":{"type":"log",` +
		`"args":[{"type":"string","value":"hello"},{"type":"number","value":5,"description":"5"}],` +
		`"executionContextId":1,"timestamp":1700000000000,"stackTrace":{"callFrames":[` +
		`{"functionName":"","scriptId":"1","url":"http://localhost/index.html","lineNumber":3,"columnNumber":12}]}}}`,
	`{"method":"Runtime.consoleAPICalled","params":{"type":"warning",` +
		`"args":[{"type":"string","value":"careful"}],"executionContextId":1,"timestamp":1700000000001}}`,
	`{"method":"Future.somethingHappened","params":{}}`,
}, "\n")

func TestReplay(t *testing.T) {
	t.Parallel()

	t.Run("prints the page state", func(t *testing.T) {
		t.Parallel()

		ts := newGlobalTestState(t)
		path := ts.writeFile(t, "session.jsonl", testRecording)
		ts.run(t, "replay", path)

		assert.Equal(t, ""+
			"frames:\n"+
			"  main http://localhost/index.html\n"+
			"    child http://localhost/ads.html (ads)\n"+
			"console: 2 messages, 0 dropped\n"+
			"  [log] hello 5 http://localhost/index.html:3:12\n"+
			"  [warning] careful\n",
			ts.Stdout.String())
	})

	t.Run("json", func(t *testing.T) {
		t.Parallel()

		ts := newGlobalTestState(t)
		path := ts.writeFile(t, "session.jsonl", testRecording)
		ts.run(t, "replay", "--json", path)

		out := ts.Stdout.String()
		require.True(t, gjson.Valid(out), out)
		assert.Equal(t, "main", gjson.Get(out, "mainFrame.id").String())
		assert.Equal(t, "ads", gjson.Get(out, "mainFrame.children.0.name").String())
		assert.Equal(t, int64(1), gjson.Get(out, "mainFrame.children.#").Int())
		assert.Equal(t, []string{"log", "warning"}, stringsOf(gjson.Get(out, "console.#.type")))
		assert.Equal(t, int64(12), gjson.Get(out, "console.0.location.columnNumber").Int())
		assert.False(t, gjson.Get(out, "console.1.location").Exists())
	})

	t.Run("console buffer size", func(t *testing.T) {
		t.Parallel()

		ts := newGlobalTestState(t)
		path := ts.writeFile(t, "session.jsonl", testRecording)
		ts.run(t, "replay", "--console-buffer-size", "1", path)

		assert.Contains(t, ts.Stdout.String(), "console: 1 messages, 1 dropped\n  [warning] careful\n")
	})

	t.Run("config file", func(t *testing.T) {
		t.Parallel()

		ts := newGlobalTestState(t)
		conf := ts.writeFile(t, "pagesync.yaml", "consoleBufferSize: 1\n")
		path := ts.writeFile(t, "session.jsonl", testRecording)
		ts.run(t, "replay", "--config", conf, path)

		assert.Contains(t, ts.Stdout.String(), "console: 1 messages, 1 dropped\n")
	})

	t.Run("environment", func(t *testing.T) {
		t.Parallel()

		ts := newGlobalTestState(t)
		ts.Env["PAGESYNC_CONSOLE_BUFFER_SIZE"] = "1"
		path := ts.writeFile(t, "session.jsonl", testRecording)
		ts.run(t, "replay", path)

		assert.Contains(t, ts.Stdout.String(), "console: 1 messages, 1 dropped\n")
	})

	t.Run("flags override the environment", func(t *testing.T) {
		t.Parallel()

		ts := newGlobalTestState(t)
		ts.Env["PAGESYNC_CONSOLE_BUFFER_SIZE"] = "1"
		path := ts.writeFile(t, "session.jsonl", testRecording)
		ts.run(t, "replay", "--console-buffer-size", "5", path)

		assert.Contains(t, ts.Stdout.String(), "console: 2 messages, 0 dropped\n")
	})

	t.Run("metrics", func(t *testing.T) {
		t.Parallel()

		ts := newGlobalTestState(t)
		path := ts.writeFile(t, "session.jsonl", testRecording)
		ts.run(t, "replay", "--metrics", path)

		out := ts.Stdout.String()
		assert.Contains(t, out, "pagesync_frames_live 2\n")
		assert.Contains(t, out, "pagesync_session_unknown_events_total 1\n")
		assert.Contains(t, out, `pagesync_console_messages_total{type="log"} 1`)
		assert.Contains(t, out, `pagesync_page_events_total{event="framedetached"} 1`)
	})

	t.Run("log console", func(t *testing.T) {
		t.Parallel()

		ts := newGlobalTestState(t)
		path := ts.writeFile(t, "session.jsonl", testRecording)
		ts.run(t, "replay", "--log-console", path)

		assert.Contains(t, ts.Stderr.String(), "source=console")
		assert.Contains(t, ts.Stderr.String(), "level=warning")
	})

	t.Run("empty recording", func(t *testing.T) {
		t.Parallel()

		ts := newGlobalTestState(t)
		path := ts.writeFile(t, "empty.jsonl", "")
		ts.run(t, "replay", path)

		assert.Equal(t, "frames:\nconsole: 0 messages, 0 dropped\n", ts.Stdout.String())
	})
}

func TestReplayErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		args     func(ts *globalTestState) []string
		exitCode exitcodes.ExitCode
		stderr   string
	}{
		{
			name: "missing recording",
			args: func(*globalTestState) []string {
				return []string{"replay", "/test/nope.jsonl"}
			},
			exitCode: exitcodes.InvalidRecording,
			stderr:   "opening recording",
		},
		{
			name: "invalid json",
			args: func(ts *globalTestState) []string {
				return []string{"replay", ts.writeFile(t, "bad.jsonl", testRecording+"\n{\"method\":")}
			},
			exitCode: exitcodes.InvalidRecording,
			stderr:   "bad.jsonl:11: line is not valid JSON",
		},
		{
			name: "not a protocol message",
			args: func(ts *globalTestState) []string {
				return []string{"replay", ts.writeFile(t, "bad.jsonl", `{"hello":"world"}`)}
			},
			exitCode: exitcodes.InvalidRecording,
			stderr:   "neither an event nor a command reply",
		},
		{
			name: "invalid config",
			args: func(ts *globalTestState) []string {
				return []string{"replay", "--timeout", "0s", ts.writeFile(t, "session.jsonl", testRecording)}
			},
			exitCode: exitcodes.InvalidConfig,
			stderr:   "timeout must be positive",
		},
		{
			name: "missing config file",
			args: func(ts *globalTestState) []string {
				return []string{"replay", "--config", "/test/nope.yaml", ts.writeFile(t, "session.jsonl", testRecording)}
			},
			exitCode: exitcodes.InvalidConfig,
			stderr:   `config file \"/test/nope.yaml\" does not exist`,
		},
		{
			name: "invalid traces output",
			args: func(ts *globalTestState) []string {
				return []string{"replay", "--traces-output", "jaeger", ts.writeFile(t, "session.jsonl", testRecording)}
			},
			exitCode: exitcodes.InvalidConfig,
			stderr:   "invalid traces output",
		},
		{
			name: "invalid category filter",
			args: func(ts *globalTestState) []string {
				return []string{"replay", "--log-category-filter", "(", ts.writeFile(t, "session.jsonl", testRecording)}
			},
			exitCode: exitcodes.InvalidConfig,
			stderr:   "compiling log category filter",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ts := newGlobalTestState(t)
			ts.ExpectedExitCode = int(tc.exitCode)
			ts.run(t, tc.args(ts)...)

			assert.Contains(t, ts.Stderr.String(), tc.stderr)
			assert.Empty(t, ts.Stdout.String())
		})
	}
}

func TestReplayInterrupted(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	var stopped atomic.Bool
	ts.SignalNotify = func(c chan<- os.Signal, _ ...os.Signal) {
		c <- os.Interrupt
	}
	ts.SignalStop = func(chan<- os.Signal) { stopped.Store(true) }

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	stop := (&cmdReplay{gs: ts.GlobalState}).handleInterrupt(cancel)
	<-ctx.Done()
	stop()

	err := replayError(ctx, ctx.Err())
	require.True(t, errext.IsInterruptError(err))
	var ecerr errext.HasExitCode
	require.ErrorAs(t, err, &ecerr)
	assert.Equal(t, exitcodes.ExternalAbort, ecerr.ExitCode())
	assert.True(t, stopped.Load())

	err = replayError(context.Background(), errors.New("boom"))
	require.ErrorAs(t, err, &ecerr)
	assert.Equal(t, exitcodes.GenericEngine, ecerr.ExitCode())
}

func TestDecodeRecordingLine(t *testing.T) {
	t.Parallel()

	msg, err := decodeRecordingLine([]byte(`{"id":3,"method":"Page.enable","params":{}}`))
	require.NoError(t, err)
	assert.Nil(t, msg, "recorded commands are skipped")

	msg, err = decodeRecordingLine([]byte(`{"id":3,"result":{"frameTree":{}}}`))
	require.NoError(t, err)
	assert.Nil(t, msg, "recorded replies are skipped")

	msg, err = decodeRecordingLine([]byte(`{"method":"Page.frameAttached","params":{"frameId":"a","parentFrameId":"b"}}`))
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "Page.frameAttached", msg.Method.String())
	assert.JSONEq(t, `{"frameId":"a","parentFrameId":"b"}`, string(msg.Params))
}

func stringsOf(r gjson.Result) []string {
	var out []string
	for _, v := range r.Array() {
		out = append(out, v.String())
	}
	return out
}
