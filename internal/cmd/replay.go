package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/fatih/color"
	"github.com/mailru/easyjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tidwall/gjson"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/pagesync/common"
	"github.com/liuxd6825/pagesync/config"
	"github.com/liuxd6825/pagesync/errext"
	"github.com/liuxd6825/pagesync/errext/exitcodes"
	"github.com/liuxd6825/pagesync/internal/lib/trace"
	"github.com/liuxd6825/pagesync/lib/types"
	"github.com/liuxd6825/pagesync/log"
	pstrace "github.com/liuxd6825/pagesync/trace"
)

const (
	maxRecordingLineSize = 16 << 20
	barrierMethod        = "Replay.barrier"
	replayFeedBuffer     = 64
)

type cmdReplay struct {
	gs *GlobalState

	showMetrics bool
	asJSON      bool
}

func getCmdReplay(gs *GlobalState) *cobra.Command {
	c := &cmdReplay{gs: gs}

	replayCmd := &cobra.Command{
		Use:   "replay [flags] <recording>",
		Short: "Replay a recorded event feed",
		Long: `Replay a recorded event feed of a page and print the resulting frame tree
and console messages.

The recording holds one protocol message per line, as JSON. Replies to
commands are skipped, events are applied in order.`,
		Example: `
  # Replay a recording and show the final page state
  {{.}} replay session.jsonl

  # Forward the console of the page to the log and show the page metrics
  {{.}} replay --log-console --metrics session.jsonl`[1:],
		Args: cobra.ExactArgs(1),
		RunE: c.run,
	}
	replayCmd.Example = strings.ReplaceAll(replayCmd.Example, "{{.}}", gs.BinaryName)
	replayCmd.Flags().SortFlags = false
	replayCmd.Flags().AddFlagSet(c.flagSet())

	return replayCmd
}

func (c *cmdReplay) flagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.Duration("timeout", config.DefaultTimeout, "default timeout of the page operations")
	flags.Int64("console-buffer-size", config.DefaultConsoleBufferSize, "number of console messages kept by the page")
	flags.Bool("log-console", false, "forward the console messages of the page to the log")
	flags.String("log-category-filter", "", "regular expression matching the logged categories of the page")
	flags.String("traces-output", config.DefaultTracesOutput,
		"where to send traces, 'none' or 'otel[=host:port][,proto=grpc|http][,header.Name=value]'")
	flags.BoolVar(&c.showMetrics, "metrics", false, "print the page metrics once the replay is done")
	flags.BoolVar(&c.asJSON, "json", false, "print the page state as JSON")
	return flags
}

// cliConfig returns a config holding only the flags set explicitly.
func cliConfig(flags *pflag.FlagSet) (config.Config, error) {
	conf := config.Config{}
	var err error
	if flags.Changed("timeout") {
		d, ferr := flags.GetDuration("timeout")
		conf.Timeout, err = types.NullDurationFrom(d), errors.Join(err, ferr)
	}
	if flags.Changed("console-buffer-size") {
		n, ferr := flags.GetInt64("console-buffer-size")
		conf.ConsoleBufferSize, err = null.IntFrom(n), errors.Join(err, ferr)
	}
	if flags.Changed("log-console") {
		b, ferr := flags.GetBool("log-console")
		conf.LogConsole, err = null.BoolFrom(b), errors.Join(err, ferr)
	}
	if flags.Changed("log-category-filter") {
		s, ferr := flags.GetString("log-category-filter")
		conf.LogCategoryFilter, err = null.StringFrom(s), errors.Join(err, ferr)
	}
	if flags.Changed("traces-output") {
		s, ferr := flags.GetString("traces-output")
		conf.TracesOutput, err = null.StringFrom(s), errors.Join(err, ferr)
	}
	if flags.Changed("no-color") {
		b, ferr := flags.GetBool("no-color")
		conf.NoColor, err = null.BoolFrom(b), errors.Join(err, ferr)
	}
	return conf, err
}

func (c *cmdReplay) loadConfig(flags *pflag.FlagSet) (config.Config, error) {
	cliConf, err := cliConfig(flags)
	if err != nil {
		return config.Config{}, err
	}

	fileConf := config.Config{}
	path := c.gs.Flags.ConfigFilePath
	exists, err := afero.Exists(c.gs.FS, path)
	switch {
	case err != nil:
		return config.Config{}, err
	case exists:
		if fileConf, err = config.ReadFile(c.gs.FS, path); err != nil {
			return config.Config{}, err
		}
	case path != c.gs.DefaultFlags.ConfigFilePath:
		return config.Config{}, fmt.Errorf("config file %q does not exist", path)
	}

	return config.GetConsolidatedConfig(fileConf, c.gs.Env, cliConf)
}

func (c *cmdReplay) run(cmd *cobra.Command, args []string) (err error) {
	conf, err := c.loadConfig(cmd.Flags())
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}

	recording, err := readRecording(c.gs.FS, args[0])
	if err != nil {
		return err
	}
	c.gs.Logger.Debugf("Loaded %d events from %s", len(recording), args[0])

	var filter *regexp.Regexp
	if s := conf.LogCategoryFilter.String; s != "" {
		if filter, err = regexp.Compile(s); err != nil {
			return errext.WithExitCodeIfNone(
				fmt.Errorf("compiling log category filter %q: %w", s, err), exitcodes.InvalidConfig)
		}
	}

	ctx, cancel := context.WithCancelCause(c.gs.Ctx)
	defer cancel(nil)
	stopSignals := c.handleInterrupt(cancel)
	defer stopSignals()

	tp, err := trace.TracerProviderFromConfigLine(ctx, conf.TracesOutput.String)
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), waitLoggerCloseTimeout)
		defer scancel()
		if serr := tp.Shutdown(sctx); serr != nil {
			c.gs.Logger.WithError(serr).Warn("Shutting down the tracer provider failed")
		}
	}()

	reg := prometheus.NewRegistry()
	opts := common.PageOptionsFromConfig(conf)
	opts.Logger = log.New(c.gs.Logger, c.gs.Flags.Verbose, filter)
	opts.Tracer = pstrace.NewTracer(tp, map[string]string{"recording": args[0]})
	opts.Metrics = common.NewMetrics(reg)
	opts.FS = c.gs.FS

	conn := newReplayConn()
	defer conn.Close()
	page := common.NewPage(ctx, conn, opts)
	defer page.Close()

	if err := conn.feed(ctx, recording); err != nil {
		return replayError(ctx, err)
	}
	if err := barrier(ctx, page); err != nil {
		return replayError(ctx, err)
	}

	noColor := c.gs.Flags.NoColor || conf.NoColor.Bool || !c.gs.Stdout.IsTTY
	state := newPageState(page)
	if c.asJSON {
		if err := state.writeJSON(c.gs.Stdout); err != nil {
			return err
		}
	} else {
		state.print(c.gs.Stdout, noColor)
	}

	if c.showMetrics {
		return printMetrics(c.gs.Stdout, reg)
	}
	return nil
}

func (c *cmdReplay) handleInterrupt(cancel context.CancelCauseFunc) func() {
	sigC := make(chan os.Signal, 2)
	done := make(chan struct{})
	c.gs.SignalNotify(sigC, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigC:
			c.gs.Logger.WithField("sig", sig).Debug("Stopping the replay in response to signal...")
			cancel(&errext.InterruptError{Reason: errext.AbortReplay})
		case <-done:
		}
	}()

	return func() {
		close(done)
		c.gs.SignalStop(sigC)
	}
}

func replayError(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && errext.IsInterruptError(cause) {
		return cause
	}
	return errext.WithExitCodeIfNone(err, exitcodes.GenericEngine)
}

// barrier returns once every event fed before it has been applied to the
// page. The replay connection answers every command in feed order.
func barrier(ctx context.Context, page *common.Page) error {
	err := page.Session().Execute(ctx, barrierMethod, nil, nil)
	var perr *cdproto.Error
	if err == nil || errors.As(err, &perr) {
		return nil
	}
	return err
}

// readRecording decodes the events of a recording. Lines holding command
// replies and blank lines are skipped.
func readRecording(fs afero.Fs, path string) ([]*cdproto.Message, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errext.WithExitCodeIfNone(fmt.Errorf("opening recording: %w", err), exitcodes.InvalidRecording)
	}
	defer func() { _ = f.Close() }()

	var msgs []*cdproto.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordingLineSize)
	for n := 1; scanner.Scan(); n++ {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		msg, err := decodeRecordingLine(line)
		if err != nil {
			return nil, invalidRecordingError(path, n, err)
		}
		if msg != nil {
			msgs = append(msgs, msg)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errext.WithExitCodeIfNone(fmt.Errorf("reading recording: %w", err), exitcodes.InvalidRecording)
	}
	return msgs, nil
}

func decodeRecordingLine(line []byte) (*cdproto.Message, error) {
	if !gjson.ValidBytes(line) {
		return nil, errors.New("line is not valid JSON")
	}
	if !gjson.GetBytes(line, "method").Exists() {
		if gjson.GetBytes(line, "id").Exists() {
			return nil, nil
		}
		return nil, errors.New("line is neither an event nor a command reply")
	}

	msg := &cdproto.Message{}
	if err := easyjson.Unmarshal(line, msg); err != nil {
		return nil, err
	}
	if msg.ID != 0 {
		// a recorded command, the page never waits for it
		return nil, nil
	}
	return msg, nil
}

func invalidRecordingError(path string, line int, err error) error {
	err = fmt.Errorf("%s:%d: %w", path, line, err)
	err = errext.WithHint(err, "every line of a recording must be a JSON protocol message")
	return errext.WithExitCodeIfNone(err, exitcodes.InvalidRecording)
}

// replayConn is a connection whose feed is a recording. Commands are
// answered with a protocol error queued after every event fed so far.
type replayConn struct {
	msgs chan *cdproto.Message

	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

func newReplayConn() *replayConn {
	return &replayConn{
		msgs: make(chan *cdproto.Message, replayFeedBuffer),
		done: make(chan struct{}),
	}
}

func (c *replayConn) Messages() <-chan *cdproto.Message {
	return c.msgs
}

func (c *replayConn) Send(ctx context.Context, msg *cdproto.Message) error {
	return c.push(ctx, &cdproto.Message{
		ID: msg.ID,
		Error: &cdproto.Error{
			Code:    -32601,
			Message: fmt.Sprintf("'%s' wasn't found", msg.Method),
		},
	})
}

func (c *replayConn) feed(ctx context.Context, msgs []*cdproto.Message) error {
	for _, msg := range msgs {
		if err := c.push(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *replayConn) push(ctx context.Context, msg *cdproto.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return common.ErrConnectionClosed
	}
	select {
	case c.msgs <- msg:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-c.done:
		return common.ErrConnectionClosed
	}
}

func (c *replayConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closed = true
		close(c.msgs)
	})
}

type frameState struct {
	ID       string        `json:"id"`
	Name     string        `json:"name,omitempty"`
	URL      string        `json:"url"`
	Children []*frameState `json:"children,omitempty"`
}

type consoleState struct {
	Type     string                  `json:"type"`
	Text     string                  `json:"text"`
	Location *common.ConsoleLocation `json:"location,omitempty"`
	Time     time.Time               `json:"time"`
}

type pageState struct {
	MainFrame *frameState     `json:"mainFrame"`
	Console   []*consoleState `json:"console"`
	Dropped   int64           `json:"consoleDropped"`
}

func newPageState(p *common.Page) *pageState {
	s := &pageState{
		MainFrame: newFrameState(p.MainFrame()),
		Console:   []*consoleState{},
		Dropped:   p.Console().Dropped(),
	}
	for _, m := range p.Console().Messages() {
		s.Console = append(s.Console, &consoleState{
			Type: m.Type, Text: m.Text, Location: m.Location, Time: m.Time,
		})
	}
	return s
}

func newFrameState(f *common.Frame) *frameState {
	if f == nil {
		return nil
	}
	s := &frameState{ID: string(f.ID()), Name: f.Name(), URL: f.URL()}
	for _, child := range f.ChildFrames() {
		s.Children = append(s.Children, newFrameState(child))
	}
	return s
}

func (s *pageState) writeJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func (s *pageState) print(w io.Writer, noColor bool) {
	idColor := color.New(color.FgCyan)
	typeColor := color.New(color.FgYellow)
	faint := color.New(color.Faint)
	if noColor {
		idColor.DisableColor()
		typeColor.DisableColor()
		faint.DisableColor()
	}

	_, _ = fmt.Fprintln(w, "frames:")
	var printFrame func(f *frameState, depth int)
	printFrame = func(f *frameState, depth int) {
		name := ""
		if f.Name != "" {
			name = faint.Sprintf(" (%s)", f.Name)
		}
		_, _ = fmt.Fprintf(w, "%s%s %s%s\n", strings.Repeat("  ", depth+1), idColor.Sprint(f.ID), f.URL, name)
		for _, child := range f.Children {
			printFrame(child, depth+1)
		}
	}
	if s.MainFrame != nil {
		printFrame(s.MainFrame, 0)
	}

	_, _ = fmt.Fprintf(w, "console: %d messages, %d dropped\n", len(s.Console), s.Dropped)
	for _, m := range s.Console {
		loc := ""
		if m.Location != nil {
			loc = faint.Sprintf(" %s:%d:%d", m.Location.URL, m.Location.LineNumber, m.Location.ColumnNumber)
		}
		_, _ = fmt.Fprintf(w, "  %s %s%s\n", typeColor.Sprintf("[%s]", m.Type), m.Text, loc)
	}
}

func printMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
