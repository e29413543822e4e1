package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const defaultConfigFileName = "config.yaml"

// GlobalFlags contains the values of the flags shared by every sub-command.
type GlobalFlags struct {
	ConfigFilePath string
	LogOutput      string
	LogFormat      string
	LogLevel       string
	NoColor        bool
	Verbose        bool
}

// GlobalState contains the process-wide state of a pagesync run: the
// standard streams, the environment and the filesystem. Tests build one
// with in-memory fakes.
type GlobalState struct {
	Ctx context.Context

	FS         afero.Fs
	Getwd      func() (string, error)
	BinaryName string
	CmdArgs    []string
	Env        map[string]string

	DefaultFlags, Flags GlobalFlags

	OutMutex       *sync.Mutex
	Stdout, Stderr *consoleWriter
	Stdin          io.Reader

	OSExit       func(int)
	SignalNotify func(chan<- os.Signal, ...os.Signal)
	SignalStop   func(chan<- os.Signal)

	Logger         *logrus.Logger
	FallbackLogger logrus.FieldLogger
}

// NewGlobalState returns the state of the running process.
func NewGlobalState(ctx context.Context) *GlobalState {
	isDumbTerm := os.Getenv("TERM") == "dumb"
	stdoutTTY := !isDumbTerm && (isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()))
	stderrTTY := !isDumbTerm && (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()))
	outMutex := &sync.Mutex{}
	stdout := &consoleWriter{colorable.NewColorableStdout(), stdoutTTY, outMutex}
	stderr := &consoleWriter{colorable.NewColorableStderr(), stderrTTY, outMutex}

	env := buildEnvMap(os.Environ())
	binary, err := os.Executable()
	if err != nil {
		binary = "pagesync"
	}

	confDir, err := os.UserConfigDir()
	if err != nil {
		confDir = ".config"
	}
	defaultFlags := getDefaultFlags(confDir)
	flags := consolidateGlobalFlags(defaultFlags, env)

	logger := &logrus.Logger{
		Out: stderr,
		Formatter: &logrus.TextFormatter{
			ForceColors:   stderrTTY,
			DisableColors: !stderrTTY || flags.NoColor,
		},
		Hooks: make(logrus.LevelHooks),
		Level: logrus.InfoLevel,
	}

	return &GlobalState{
		Ctx:          ctx,
		FS:           afero.NewOsFs(),
		Getwd:        os.Getwd,
		BinaryName:   filepath.Base(binary),
		CmdArgs:      os.Args,
		Env:          env,
		DefaultFlags: defaultFlags,
		Flags:        flags,
		OutMutex:     outMutex,
		Stdout:       stdout,
		Stderr:       stderr,
		Stdin:        os.Stdin,
		OSExit:       os.Exit,
		SignalNotify: signal.Notify,
		SignalStop:   signal.Stop,
		Logger:       logger,
		FallbackLogger: &logrus.Logger{ // we may modify the other one
			Out:       stderr,
			Formatter: new(logrus.TextFormatter), // no fancy formatting here
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.InfoLevel,
		},
	}
}

func getDefaultFlags(confDir string) GlobalFlags {
	return GlobalFlags{
		ConfigFilePath: filepath.Join(confDir, "pagesync", defaultConfigFileName),
		LogOutput:      "stderr",
		LogLevel:       "info",
	}
}

func consolidateGlobalFlags(defaultFlags GlobalFlags, env map[string]string) GlobalFlags {
	result := defaultFlags

	if val, ok := env["PAGESYNC_CONFIG"]; ok {
		result.ConfigFilePath = val
	}
	if val, ok := env["PAGESYNC_LOG_OUTPUT"]; ok {
		result.LogOutput = val
	}
	if val, ok := env["PAGESYNC_LOG_FORMAT"]; ok {
		result.LogFormat = val
	}
	if val, ok := env["PAGESYNC_LOG_LEVEL"]; ok && val != "" {
		result.LogLevel = val
	}
	if env["PAGESYNC_NO_COLOR"] != "" {
		result.NoColor = true
	}
	// Support https://no-color.org/, even an empty value disables colors.
	if _, ok := env["NO_COLOR"]; ok {
		result.NoColor = true
	}
	return result
}

func buildEnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env
}

// consoleWriter syncs writes to the standard streams with a shared mutex.
type consoleWriter struct {
	Writer io.Writer
	IsTTY  bool
	Mutex  *sync.Mutex
}

func (w *consoleWriter) Write(p []byte) (n int, err error) {
	origLen := len(p)
	if w.IsTTY {
		// Erase till the end of line with each new line.
		p = bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\x1b', '[', '0', 'K', '\n'})
	}

	w.Mutex.Lock()
	n, err = w.Writer.Write(p)
	w.Mutex.Unlock()

	if err != nil && n < origLen {
		return n, err
	}
	return origLen, err
}
