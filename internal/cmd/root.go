// Package cmd implements the pagesync command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/liuxd6825/pagesync/errext"
	"github.com/liuxd6825/pagesync/errext/exitcodes"
	"github.com/liuxd6825/pagesync/lib/consts"
	"github.com/liuxd6825/pagesync/log"
)

const waitLoggerCloseTimeout = time.Second * 5

// Execute runs the root command with the state of the running process.
func Execute() {
	ExecuteWithGlobalState(NewGlobalState(context.Background()))
}

// ExecuteWithGlobalState runs the root command with an existing GlobalState.
func ExecuteWithGlobalState(gs *GlobalState) {
	newRootCommand(gs).execute()
}

type rootCommand struct {
	globalState *GlobalState

	cmd           *cobra.Command
	stopLoggersCh chan struct{}
	loggersWg     sync.WaitGroup
	loggerIsFile  bool
}

func newRootCommand(gs *GlobalState) *rootCommand {
	c := &rootCommand{
		globalState:   gs,
		stopLoggersCh: make(chan struct{}),
	}
	rootCmd := &cobra.Command{
		Use:               gs.BinaryName,
		Short:             "Replay recorded page event feeds and inspect the resulting page state",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
		Version:           consts.Version,
	}
	rootCmd.SetVersionTemplate(
		`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "v%s\n" .Version}}`,
	)

	rootCmd.PersistentFlags().AddFlagSet(rootCmdPersistentFlagSet(gs))
	rootCmd.SetArgs(gs.CmdArgs[1:])
	rootCmd.SetOut(gs.Stdout)
	rootCmd.SetErr(gs.Stderr)
	rootCmd.SetIn(gs.Stdin)

	for _, sc := range []func(*GlobalState) *cobra.Command{getCmdReplay, getCmdVersion} {
		rootCmd.AddCommand(sc(gs))
	}

	c.cmd = rootCmd
	return c
}

func (c *rootCommand) persistentPreRunE(_ *cobra.Command, _ []string) error {
	if err := c.setupLoggers(c.stopLoggersCh); err != nil {
		return err
	}
	c.globalState.Logger.Debugf("pagesync version: v%s", consts.FullVersion())
	return nil
}

func (c *rootCommand) execute() {
	ctx, cancel := context.WithCancel(c.globalState.Ctx)
	c.globalState.Ctx = ctx

	exitCode := -1
	defer func() {
		cancel()
		c.stopLoggers()
		c.globalState.OSExit(exitCode)
	}()

	defer func() {
		if r := recover(); r != nil {
			exitCode = int(exitcodes.GoPanic)
			err := fmt.Errorf("unexpected pagesync panic: %s\n%s", r, debug.Stack())
			if c.loggerIsFile {
				c.globalState.FallbackLogger.Error(err)
			}
			c.globalState.Logger.Error(err)
		}
	}()

	err := c.cmd.Execute()
	if err == nil {
		exitCode = 0
		return
	}

	var ecerr errext.HasExitCode
	if errors.As(err, &ecerr) {
		exitCode = int(ecerr.ExitCode())
	}

	errText, fields := errext.Format(err)
	c.globalState.Logger.WithFields(fields).Error(errText)
	if c.loggerIsFile {
		c.globalState.FallbackLogger.WithFields(fields).Error(errText)
	}
}

func (c *rootCommand) stopLoggers() {
	done := make(chan struct{})
	go func() {
		c.loggersWg.Wait()
		close(done)
	}()
	close(c.stopLoggersCh)
	select {
	case <-done:
	case <-time.After(waitLoggerCloseTimeout):
		c.globalState.FallbackLogger.Errorf("The logger didn't stop in %s", waitLoggerCloseTimeout)
	}
}

func rootCmdPersistentFlagSet(gs *GlobalState) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	// The destinations already hold the values set through the environment,
	// so the defaults shown by --help are set explicitly.
	flags.StringVar(&gs.Flags.LogOutput, "log-output", gs.Flags.LogOutput,
		"change the output for pagesync logs, possible values are: "+
			"'stderr', 'stdout', 'none', 'file[=./path.log][,level=info]'")
	flags.Lookup("log-output").DefValue = gs.DefaultFlags.LogOutput

	flags.StringVar(&gs.Flags.LogFormat, "log-format", gs.Flags.LogFormat,
		"log output format, one of 'text', 'json' or 'raw'")
	flags.Lookup("log-format").DefValue = gs.DefaultFlags.LogFormat

	flags.StringVar(&gs.Flags.LogLevel, "log-level", gs.Flags.LogLevel, "minimum level of the logged lines")
	flags.Lookup("log-level").DefValue = gs.DefaultFlags.LogLevel

	flags.StringVarP(&gs.Flags.ConfigFilePath, "config", "c", gs.Flags.ConfigFilePath, "JSON or YAML config file")
	flags.Lookup("config").DefValue = gs.DefaultFlags.ConfigFilePath
	must(cobra.MarkFlagFilename(flags, "config"))

	flags.BoolVar(&gs.Flags.NoColor, "no-color", gs.Flags.NoColor, "disable colored output")
	flags.Lookup("no-color").DefValue = strconv.FormatBool(gs.DefaultFlags.NoColor)

	flags.BoolVarP(&gs.Flags.Verbose, "verbose", "v", gs.DefaultFlags.Verbose, "enable verbose logging")

	return flags
}

// RawFormatter it does nothing with the message just prints it
type RawFormatter struct{}

// Format renders a single log entry
func (f RawFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return append([]byte(entry.Message), '\n'), nil
}

// setupLoggers configures the output, the format and the level of the
// global logger. File output is written by an async hook that stops with stop.
func (c *rootCommand) setupLoggers(stop <-chan struct{}) error {
	gs := c.globalState

	level, err := logrus.ParseLevel(gs.Flags.LogLevel)
	if err != nil {
		return errext.WithExitCodeIfNone(fmt.Errorf("invalid log level: %w", err), exitcodes.InvalidConfig)
	}
	gs.Logger.SetLevel(level)
	if gs.Flags.Verbose {
		gs.Logger.SetLevel(logrus.DebugLevel)
	}

	var hook log.AsyncHook

	loggerForceColors := false
	switch line := gs.Flags.LogOutput; {
	case line == "stderr":
		loggerForceColors = !gs.Flags.NoColor && gs.Stderr.IsTTY
		gs.Logger.SetOutput(gs.Stderr)
	case line == "stdout":
		loggerForceColors = !gs.Flags.NoColor && gs.Stdout.IsTTY
		gs.Logger.SetOutput(gs.Stdout)
	case line == "none":
		gs.Logger.SetOutput(io.Discard)
	case strings.HasPrefix(line, "file"):
		c.loggerIsFile = true
		hook, err = log.FileHookFromConfigLine(gs.FS, gs.Getwd, gs.FallbackLogger, line)
		if err != nil {
			return errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
		}
	default:
		return errext.WithExitCodeIfNone(
			fmt.Errorf("unsupported log output '%s'", line), exitcodes.InvalidConfig)
	}

	switch gs.Flags.LogFormat {
	case "raw":
		gs.Logger.SetFormatter(&RawFormatter{})
		gs.Logger.Debug("Logger format: RAW")
	case "json":
		gs.Logger.SetFormatter(&logrus.JSONFormatter{})
		gs.Logger.Debug("Logger format: JSON")
	default:
		gs.Logger.SetFormatter(&logrus.TextFormatter{
			ForceColors: loggerForceColors, DisableColors: gs.Flags.NoColor,
		})
		gs.Logger.Debug("Logger format: TEXT")
	}

	cancel := func() {}
	if hook != nil {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		c.setLoggerHook(ctx, hook)
	}

	// Some packages log through the standard logger.
	w := gs.Logger.Writer()
	stdlog.SetOutput(w)
	c.loggersWg.Add(1)
	go func() {
		<-stop
		cancel()
		_ = w.Close()
		c.loggersWg.Done()
	}()
	return nil
}

func (c *rootCommand) setLoggerHook(ctx context.Context, h log.AsyncHook) {
	c.loggersWg.Add(1)
	go func() {
		h.Listen(ctx)
		c.loggersWg.Done()
	}()
	c.globalState.Logger.AddHook(h)
	c.globalState.Logger.SetOutput(io.Discard)
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
