/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/liuxd6825/pagesync/config"
	"github.com/liuxd6825/pagesync/log"
	"github.com/liuxd6825/pagesync/trace"
)

// PageOptions configures a Page. Zero values fall back to the defaults.
type PageOptions struct {
	Logger  *log.Logger
	Tracer  *trace.Tracer
	Metrics *Metrics
	// FS is where screenshots with a path are written. Defaults to the OS filesystem.
	FS afero.Fs

	Timeout           time.Duration
	NavigationTimeout time.Duration
	PollInterval      time.Duration
	ConsoleBufferSize int
	// LogConsole forwards every console message of the page to Logger.
	LogConsole bool
	// Viewport is the emulated viewport size, if any.
	Viewport *Size
}

// PageOptionsFromConfig returns the options set by a consolidated config.
func PageOptionsFromConfig(c config.Config) PageOptions {
	return PageOptions{
		Timeout:           c.Timeout.TimeDuration(),
		NavigationTimeout: c.NavigationTimeout.TimeDuration(),
		PollInterval:      c.PollInterval.TimeDuration(),
		ConsoleBufferSize: int(c.ConsoleBufferSize.Int64),
		LogConsole:        c.LogConsole.Bool,
	}
}

// WaitForEventOptions are the options of Page.WaitForEvent.
type WaitForEventOptions struct {
	// Predicate filters the event data. Nil matches the first event.
	Predicate func(data any) bool
	Timeout   time.Duration
}

// WaitForConsoleMessageOptions are the options of Page.WaitForConsoleMessage.
type WaitForConsoleMessageOptions struct {
	Predicate func(*ConsoleMessage) bool
	Timeout   time.Duration
}

// WaitForNavigationOptions are the options of Page.WaitForNavigation.
type WaitForNavigationOptions struct {
	// URL filters navigations by the new URL of the frame.
	URL     func(url string) bool
	Timeout time.Duration
}

// Page is the client side state of a remote page: its frame tree, its
// console and the operations waiting on it. The state is driven by the
// ordered event feed of the page session.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc

	session         *Session
	dispatcher      *EventDispatcher
	frameManager    *FrameManager
	console         *ConsoleBuffer
	pending         *PendingRegistry
	screenshotter   *screenshotter
	timeoutSettings *TimeoutSettings

	logger        *log.Logger
	consoleLogger *log.Logger
	tracer        *trace.Tracer
	metrics       *Metrics

	viewportMu sync.RWMutex
	viewport   *Size
	// screenshots serializes captures, a viewport override is page-wide.
	screenshots *semaphore.Weighted

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

// NewPage creates a page reading its events from conn. The page closes
// itself when ctx is done or the feed of conn ends.
func NewPage(ctx context.Context, conn Conn, opts PageOptions) *Page {
	if opts.Tracer == nil {
		opts.Tracer = trace.NewNoopTracer()
	}
	pctx, cancel := context.WithCancel(ctx)

	p := &Page{
		ctx:             pctx,
		cancel:          cancel,
		dispatcher:      NewEventDispatcher(),
		console:         NewConsoleBuffer(opts.ConsoleBufferSize),
		timeoutSettings: NewTimeoutSettings(nil),
		logger:          opts.Logger,
		tracer:          opts.Tracer,
		metrics:         opts.Metrics,
		viewport:        opts.Viewport,
		screenshots:     semaphore.NewWeighted(1),
		done:            make(chan struct{}),
	}
	if opts.Timeout > 0 {
		p.timeoutSettings.setDefaultTimeout(opts.Timeout)
	}
	if opts.NavigationTimeout > 0 {
		p.timeoutSettings.setDefaultNavigationTimeout(opts.NavigationTimeout)
	}
	if opts.PollInterval > 0 {
		p.timeoutSettings.setDefaultPollInterval(opts.PollInterval)
	}
	if opts.LogConsole && p.logger != nil && p.logger.Log != nil {
		p.consoleLogger = p.logger.ConsoleLogFormatterSerializer()
	}

	p.session = NewSession(conn, p.onEvent, p.logger, p.metrics)
	p.frameManager = NewFrameManager(p.dispatcher, p.logger)
	p.pending = NewPendingRegistry(pctx, p.frameManager, p.dispatcher, p.timeoutSettings, p.logger)
	p.pending.metrics = p.metrics
	p.pending.tracer = p.tracer
	p.screenshotter = newScreenshotter(p, opts.FS)
	p.initEvents()

	p.session.Start(pctx)
	go func() {
		<-p.session.Done()
		p.Close()
	}()

	return p
}

func (p *Page) initEvents() {
	p.dispatcher.OnAll(func(ev Event) {
		p.metrics.event(ev.Type())
	})
	p.dispatcher.OnAny([]string{EventPageFrameAttached, EventPageFrameDetached}, func(ev Event) {
		p.metrics.liveFrames(len(p.frameManager.Frames()))
	})
	p.dispatcher.On(EventPageFrameDetached, func(ev Event) {
		if f, ok := ev.Data().(*Frame); ok {
			p.tracer.EndNavigation(string(f.ID()))
		}
	})
}

// onEvent applies one event of the session feed.
func (p *Page) onEvent(method cdproto.MethodType, ev any) {
	switch ev := ev.(type) {
	case *cdppage.EventFrameAttached:
		p.onFrameAttached(ev.FrameID, ev.ParentFrameID)
	case *cdppage.EventFrameNavigated:
		p.onFrameNavigated(ev.Frame)
	case *cdppage.EventNavigatedWithinDocument:
		p.onNavigatedWithinDocument(ev.FrameID, ev.URL)
	case *cdppage.EventFrameDetached:
		p.onFrameDetached(ev.FrameID, ev.Reason)
	case *cdpruntime.EventConsoleAPICalled:
		p.onConsoleAPICalled(ev)
	default:
		p.logger.Tracef("Page:onEvent", "method:%s ignored", method)
	}
}

func (p *Page) onFrameAttached(frameID, parentFrameID cdp.FrameID) {
	if _, err := p.frameManager.Attach(parentFrameID, frameID); err != nil {
		p.logger.Warnf("Page:onFrameAttached", "fid:%s pfid:%s: %v", frameID, parentFrameID, err)
	}
}

func (p *Page) onFrameNavigated(frame *cdp.Frame) {
	if frame == nil {
		return
	}

	var prevMainID cdp.FrameID
	if main := p.frameManager.MainFrame(); main != nil {
		prevMainID = main.ID()
	}

	f, err := p.frameManager.CommitNavigation(frame.ID, frame.ParentID, frame.LoaderID, frame.Name, frame.URL)
	if err != nil {
		p.logger.Warnf("Page:onFrameNavigated", "fid:%s pfid:%s: %v", frame.ID, frame.ParentID, err)
		return
	}
	if f.IsMainFrame() && prevMainID != "" && prevMainID != f.ID() {
		p.tracer.EndNavigation(string(prevMainID))
	}

	_, span := p.tracer.TraceNavigation(p.ctx, string(f.ID()), oteltrace.WithAttributes(
		attribute.String("navigation.url", frame.URL),
		attribute.Bool("navigation.main_frame", f.IsMainFrame()),
	))
	span.SetAttributes(attribute.String("frame.id", string(f.ID())))
}

func (p *Page) onNavigatedWithinDocument(frameID cdp.FrameID, url string) {
	if _, err := p.frameManager.Navigate(frameID, url); err != nil {
		p.logger.Warnf("Page:onNavigatedWithinDocument", "fid:%s: %v", frameID, err)
	}
}

func (p *Page) onFrameDetached(frameID cdp.FrameID, reason cdppage.FrameDetachedReason) {
	var err error
	if reason == cdppage.FrameDetachedReasonSwap {
		// The frame moves to another process and is announced again there.
		err = p.frameManager.DetachChildren(frameID)
	} else {
		err = p.frameManager.Detach(frameID)
	}
	switch {
	case errors.Is(err, ErrMainFrameDetach):
		p.logger.Debugf("Page:onFrameDetached", "fid:%s main frame detach ignored", frameID)
	case err != nil:
		p.logger.Warnf("Page:onFrameDetached", "fid:%s reason:%s: %v", frameID, reason, err)
	}
}

func (p *Page) onConsoleAPICalled(ev *cdpruntime.EventConsoleAPICalled) {
	msg := newConsoleMessage(ev, p.session, p.logger)
	dropped := p.console.Add(msg)
	p.metrics.consoleMessage(msg.Type, dropped)

	if main := p.frameManager.MainFrame(); main != nil {
		_, span := p.tracer.TraceEvent(p.ctx, string(main.ID()), "console",
			oteltrace.WithAttributes(attribute.String("console.type", msg.Type)))
		span.End()
	}
	if p.consoleLogger != nil {
		p.forwardConsoleMessage(msg)
	}

	p.dispatcher.Emit(EventPageConsole, msg)
}

// forwardConsoleMessage logs msg without resolving remote objects.
func (p *Page) forwardConsoleMessage(msg *ConsoleMessage) {
	objects := make([]any, 0, len(msg.Args))
	for _, arg := range msg.Args {
		if arg.ObjectID() != "" {
			objects = append(objects, arg.String())
			continue
		}
		v, err := parseRemoteObject(arg.RemoteObject())
		if err != nil {
			v = arg.String()
		}
		objects = append(objects, v)
	}

	level := logrus.InfoLevel
	switch msg.Type {
	case "error", "assert":
		level = logrus.ErrorLevel
	case "warning":
		level = logrus.WarnLevel
	case "debug":
		level = logrus.DebugLevel
	}
	p.consoleLogger.Log.WithFields(logrus.Fields{
		"source":  "console",
		"type":    msg.Type,
		"objects": objects,
	}).Log(level)
}

// On registers fn for event.
func (p *Page) On(event string, fn Listener) *Subscription {
	return p.dispatcher.On(event, fn)
}

// OnAll registers fn for every event of the page.
func (p *Page) OnAll(fn Listener) *Subscription {
	return p.dispatcher.OnAll(fn)
}

// Off removes a listener registered with On or OnAll.
func (p *Page) Off(s *Subscription) {
	p.dispatcher.Off(s)
}

// MainFrame returns the main frame of the page, nil before the first navigation.
func (p *Page) MainFrame() *Frame {
	return p.frameManager.MainFrame()
}

// Frames returns the live frames in tree order.
func (p *Page) Frames() []*Frame {
	return p.frameManager.Frames()
}

// Frame returns the live frame with the given ID.
func (p *Page) Frame(id cdp.FrameID) (*Frame, bool) {
	return p.frameManager.Frame(id)
}

// Console returns the console messages retained for the page.
func (p *Page) Console() *ConsoleBuffer {
	return p.console
}

// Session returns the session commands of the page are sent on.
func (p *Page) Session() cdp.Executor {
	return p.session
}

// WaitForEvent waits for the next event that satisfies the predicate of opts
// and returns its data.
func (p *Page) WaitForEvent(ctx context.Context, event string, opts *WaitForEventOptions) (any, error) {
	if opts == nil {
		opts = &WaitForEventOptions{}
	}
	return p.waitForEvent(ctx, FrameToken{}, []string{event}, opts.Predicate, opts.Timeout)
}

// WaitForConsoleMessage waits for the next console message that satisfies
// the predicate of opts.
func (p *Page) WaitForConsoleMessage(ctx context.Context, opts *WaitForConsoleMessageOptions) (*ConsoleMessage, error) {
	if opts == nil {
		opts = &WaitForConsoleMessageOptions{}
	}
	predicate := func(data any) bool {
		msg, ok := data.(*ConsoleMessage)
		return ok && (opts.Predicate == nil || opts.Predicate(msg))
	}
	data, err := p.waitForEvent(ctx, FrameToken{}, []string{EventPageConsole}, predicate, opts.Timeout)
	if err != nil {
		return nil, err
	}
	return data.(*ConsoleMessage), nil //nolint:forcetypeassert
}

// WaitForNavigation waits for the next navigation of frame, the main frame
// when nil. It fails with ErrTargetDetached if the frame leaves the page.
func (p *Page) WaitForNavigation(ctx context.Context, frame *Frame, opts *WaitForNavigationOptions) (*Frame, error) {
	if opts == nil {
		opts = &WaitForNavigationOptions{}
	}
	if frame == nil {
		if frame = p.MainFrame(); frame == nil {
			return nil, fmt.Errorf("waiting for navigation: %w: no main frame", ErrFrameNotFound)
		}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.timeoutSettings.navigationTimeout()
	}

	predicate := func(data any) bool {
		f, ok := data.(*Frame)
		if !ok || f != frame {
			return false
		}
		// A detach wakes the wait up so the target check fails it.
		return f.IsDetached() || opts.URL == nil || opts.URL(f.URL())
	}
	events := []string{EventPageFrameNavigated, EventPageFrameDetached}
	if _, err := p.waitForEvent(ctx, frame.Token(), events, predicate, timeout); err != nil {
		return nil, err
	}
	return frame, nil
}

func (p *Page) waitForEvent(
	ctx context.Context, target FrameToken, events []string, predicate func(any) bool, timeout time.Duration,
) (any, error) {
	ch, evCancelFn := createWaitForEventHandler(ctx, p.dispatcher, events, predicate)
	defer evCancelFn()

	op := p.pending.Start(ctx, OperationSpec{
		Kind:      OperationKindWaitForEvent,
		Target:    target,
		Condition: Condition{Description: fmt.Sprintf("waiting for event %s", events[0])},
		Action: func(ctx context.Context) (any, error) {
			select {
			case data := <-ch:
				return data, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		Timeout: timeout,
	})
	return op.Wait(ctx)
}

// Screenshot captures the page, or the region given in opts, once the page
// has a main frame.
func (p *Page) Screenshot(ctx context.Context, opts *PageScreenshotOptions) ([]byte, error) {
	if opts == nil {
		opts = &PageScreenshotOptions{}
	}
	main := p.MainFrame()
	if main == nil {
		return nil, fmt.Errorf("capturing screenshot: %w: no main frame", ErrFrameNotFound)
	}
	op := p.pending.Start(ctx, OperationSpec{
		Kind:   OperationKindScreenshot,
		Target: main.Token(),
		Action: func(ctx context.Context) (any, error) {
			return p.screenshotter.screenshotPage(ctx, opts)
		},
		Timeout: opts.Timeout,
	})
	res, err := op.Wait(ctx)
	if err != nil {
		return nil, err
	}
	buf, _ := res.([]byte)
	return buf, nil
}

// NewElementHandle wraps the remote object of a DOM element of frame.
func (p *Page) NewElementHandle(frame *Frame, remote *cdpruntime.RemoteObject) *ElementHandle {
	return &ElementHandle{
		JSHandle: NewJSHandle(p.session, remote, p.logger),
		page:     p,
		frame:    frame,
	}
}

// SetDefaultTimeout sets the bound of operations started without one.
func (p *Page) SetDefaultTimeout(timeout time.Duration) {
	p.timeoutSettings.setDefaultTimeout(timeout)
}

// SetDefaultNavigationTimeout sets the bound of navigation waits started without one.
func (p *Page) SetDefaultNavigationTimeout(timeout time.Duration) {
	p.timeoutSettings.setDefaultNavigationTimeout(timeout)
}

// SetViewportSize emulates a viewport of the given size.
func (p *Page) SetViewportSize(ctx context.Context, size *Size) error {
	if err := p.setViewportSize(ctx, size); err != nil {
		return err
	}
	p.viewportMu.Lock()
	defer p.viewportMu.Unlock()
	v := *size
	p.viewport = &v
	return nil
}

// ViewportSize returns the emulated viewport size, nil when the page uses
// the window size of the engine.
func (p *Page) ViewportSize() *Size {
	return p.viewportSize()
}

func (p *Page) viewportSize() *Size {
	p.viewportMu.RLock()
	defer p.viewportMu.RUnlock()
	if p.viewport == nil {
		return nil
	}
	v := *p.viewport
	return &v
}

func (p *Page) setViewportSize(ctx context.Context, size *Size) error {
	action := emulation.SetDeviceMetricsOverride(int64(size.Width), int64(size.Height), 1, false)
	if err := action.Do(cdp.WithExecutor(ctx, p.session)); err != nil {
		return fmt.Errorf("setting viewport size to %gx%g: %w", size.Width, size.Height, err)
	}
	return nil
}

func (p *Page) resetViewport(ctx context.Context) error {
	if err := emulation.ClearDeviceMetricsOverride().Do(cdp.WithExecutor(ctx, p.session)); err != nil {
		return fmt.Errorf("resetting viewport: %w", err)
	}
	return nil
}

// Close closes the page. Pending operations are cancelled with
// ErrPageClosed, every frame is detached without events and a single close
// event is emitted.
func (p *Page) Close() {
	p.closeOnce.Do(func() {
		p.logger.Debugf("Page:Close", "")
		p.closed.Store(true)

		p.pending.Close()
		for _, f := range p.frameManager.Frames() {
			p.tracer.EndNavigation(string(f.ID()))
		}
		p.frameManager.Close()
		p.session.Close()
		p.cancel()

		p.dispatcher.Emit(EventPageClose, p)
		close(p.done)
	})
}

// IsClosed reports whether the page is closed.
func (p *Page) IsClosed() bool {
	return p.closed.Load()
}

// Done is closed once the page is closed.
func (p *Page) Done() <-chan struct{} {
	return p.done
}
