package common

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/pagesync/log"
)

const (
	methodTestSync    = "Test.sync"
	methodTestNoReply = "Test.noReply"
)

// errNoReply makes a fakeHandler drop the command without a reply.
var errNoReply = errors.New("no reply")

// fakeHandler answers one command. A returned *cdproto.Error is sent back as
// a protocol error.
type fakeHandler func(params gjson.Result) (any, error)

// fakeConn is an in-memory Conn answering commands with registered handlers.
// Replies and events share one ordered feed, as they do on a real transport.
type fakeConn struct {
	msgs chan *cdproto.Message

	mu       sync.Mutex
	handlers map[string]fakeHandler
	calls    map[string]int
	closed   bool
}

func newFakeConn() *fakeConn {
	c := &fakeConn{
		msgs:     make(chan *cdproto.Message, 1024),
		handlers: make(map[string]fakeHandler),
		calls:    make(map[string]int),
	}
	c.handle(methodTestSync, func(gjson.Result) (any, error) { return nil, nil })
	c.handle(methodTestNoReply, func(gjson.Result) (any, error) { return nil, errNoReply })
	return c
}

func (c *fakeConn) handle(method string, h fakeHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h
}

func (c *fakeConn) callCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *fakeConn) Messages() <-chan *cdproto.Message {
	return c.msgs
}

func (c *fakeConn) Send(ctx context.Context, msg *cdproto.Message) error {
	c.mu.Lock()
	h, ok := c.handlers[string(msg.Method)]
	c.calls[string(msg.Method)]++
	c.mu.Unlock()

	reply := &cdproto.Message{ID: msg.ID}
	if !ok {
		reply.Error = &cdproto.Error{Code: -32601, Message: fmt.Sprintf("'%s' wasn't found", msg.Method)}
		return c.push(ctx, reply)
	}

	res, err := h(gjson.ParseBytes(msg.Params))
	if errors.Is(err, errNoReply) {
		return nil
	}
	if err != nil {
		cerr, ok := err.(*cdproto.Error) //nolint:errorlint
		if !ok {
			cerr = &cdproto.Error{Code: -32000, Message: err.Error()}
		}
		reply.Error = cerr
		return c.push(ctx, reply)
	}
	if res == nil {
		res = struct{}{}
	}
	buf, err := json.Marshal(res)
	if err != nil {
		return err
	}
	reply.Result = buf
	return c.push(ctx, reply)
}

func (c *fakeConn) push(ctx context.Context, msg *cdproto.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.msgs <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emit pushes an event on the feed.
func (c *fakeConn) emit(t *testing.T, method cdproto.MethodType, ev easyjson.Marshaler) {
	t.Helper()

	buf, err := easyjson.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, c.push(context.Background(), &cdproto.Message{Method: method, Params: buf}))
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.msgs)
	}
}

func (c *fakeConn) attachFrame(t *testing.T, frameID, parentID cdp.FrameID) {
	t.Helper()
	c.emit(t, cdproto.EventPageFrameAttached, &cdppage.EventFrameAttached{FrameID: frameID, ParentFrameID: parentID})
}

func (c *fakeConn) navigateFrame(t *testing.T, frameID, parentID cdp.FrameID, name, url string) {
	t.Helper()
	c.emit(t, cdproto.EventPageFrameNavigated, &cdppage.EventFrameNavigated{
		Frame: &cdp.Frame{
			ID:                             frameID,
			ParentID:                       parentID,
			LoaderID:                       cdp.LoaderID("L-" + string(frameID)),
			Name:                           name,
			URL:                            url,
			SecureContextType:              cdp.SecureContextTypeSecureLocalhost,
			CrossOriginIsolatedContextType: cdp.CrossOriginIsolatedContextTypeNotIsolated,
		},
		Type: cdppage.NavigationTypeNavigation,
	})
}

func (c *fakeConn) detachFrame(t *testing.T, frameID cdp.FrameID, reason cdppage.FrameDetachedReason) {
	t.Helper()
	c.emit(t, cdproto.EventPageFrameDetached, &cdppage.EventFrameDetached{FrameID: frameID, Reason: reason})
}

func (c *fakeConn) consoleAPICalled(t *testing.T, typ cdpruntime.APIType, args ...*cdpruntime.RemoteObject) {
	t.Helper()
	c.emit(t, cdproto.EventRuntimeConsoleAPICalled, &cdpruntime.EventConsoleAPICalled{
		Type: typ,
		Args: args,
		StackTrace: &cdpruntime.StackTrace{CallFrames: []*cdpruntime.CallFrame{
			{URL: "http://localhost/index.html", LineNumber: 3, ColumnNumber: 12},
		}},
	})
}

func stringArg(s string) *cdpruntime.RemoteObject {
	v, _ := json.Marshal(s)
	return &cdpruntime.RemoteObject{Type: cdpruntime.TypeString, Value: v}
}

func numberArg(n float64) *cdpruntime.RemoteObject {
	v, _ := json.Marshal(n)
	return &cdpruntime.RemoteObject{Type: cdpruntime.TypeNumber, Value: v, Description: fmt.Sprint(n)}
}

func objectArg(id string, subtype cdpruntime.Subtype) *cdpruntime.RemoteObject {
	return &cdpruntime.RemoteObject{
		Type:        cdpruntime.TypeObject,
		Subtype:     subtype,
		ObjectID:    cdpruntime.RemoteObjectID(id),
		ClassName:   "Object",
		Description: "Object",
	}
}

// newTestPage starts a page on conn and navigates its main frame.
func newTestPage(t *testing.T, conn *fakeConn, opts PageOptions) *Page {
	t.Helper()

	if opts.Logger == nil {
		opts.Logger = log.NewNullLogger()
	}
	if opts.FS == nil {
		opts.FS = afero.NewMemMapFs()
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	p := NewPage(context.Background(), conn, opts)
	t.Cleanup(func() {
		p.Close()
		conn.Close()
	})

	conn.navigateFrame(t, "main", "", "", "http://localhost/index.html")
	syncPage(t, p)
	require.NotNil(t, p.MainFrame())

	return p
}

// syncPage returns once every event emitted on the feed so far is applied.
func syncPage(t *testing.T, p *Page) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.session.Execute(ctx, methodTestSync, nil, nil))
}

// fakeElement is the remote state of one DOM element.
type fakeElement struct {
	objectID  string
	visible   atomic.Bool
	connected atomic.Bool

	mu     sync.Mutex
	box    Rect
	scroll Position
}

func (e *fakeElement) setBox(r Rect) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.box = r
}

// fakeEngine answers the commands used by element handles and screenshots.
type fakeEngine struct {
	conn     *fakeConn
	mu       sync.Mutex
	elements map[string]*fakeElement
	values   map[string]string
	viewport Size
	override *Size
	captures []gjson.Result
	// overrides records every viewport override set, cleared ones as nil.
	overrides []*Size
	content   Size
}

func newFakeEngine(conn *fakeConn) *fakeEngine {
	e := &fakeEngine{
		conn:     conn,
		elements: make(map[string]*fakeElement),
		values:   make(map[string]string),
		viewport: Size{Width: 1280, Height: 720},
		content:  Size{Width: 1280, Height: 2000},
	}
	conn.handle(cdpruntime.CommandCallFunctionOn, e.callFunctionOn)
	conn.handle(cdpruntime.CommandReleaseObject, func(p gjson.Result) (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.values, p.Get("objectId").String())
		return nil, nil
	})
	conn.handle("DOM.getBoxModel", e.getBoxModel)
	conn.handle("DOM.scrollIntoViewIfNeeded", func(p gjson.Result) (any, error) {
		if el := e.element(p.Get("objectId").String()); el != nil && !el.connected.Load() {
			return nil, &cdproto.Error{Code: -32000, Message: "Node is detached from document"}
		}
		return nil, nil
	})
	conn.handle(cdppage.CommandGetLayoutMetrics, e.getLayoutMetrics)
	conn.handle(cdppage.CommandCaptureScreenshot, func(p gjson.Result) (any, error) {
		e.mu.Lock()
		e.captures = append(e.captures, p)
		e.mu.Unlock()
		return map[string]string{"data": base64.StdEncoding.EncodeToString([]byte("PNG:" + p.Get("clip").Raw))}, nil
	})
	conn.handle("Emulation.setDeviceMetricsOverride", func(p gjson.Result) (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		s := &Size{Width: p.Get("width").Float(), Height: p.Get("height").Float()}
		e.override = s
		e.overrides = append(e.overrides, s)
		return nil, nil
	})
	conn.handle("Emulation.clearDeviceMetricsOverride", func(gjson.Result) (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.override = nil
		e.overrides = append(e.overrides, nil)
		return nil, nil
	})
	return e
}

func (e *fakeEngine) addElement(id string, box Rect) *fakeElement {
	el := &fakeElement{objectID: id, box: box}
	el.visible.Store(true)
	el.connected.Store(true)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.elements[id] = el
	return el
}

func (e *fakeEngine) setValue(objectID, jsonValue string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values[objectID] = jsonValue
}

func (e *fakeEngine) element(id string) *fakeElement {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.elements[id]
}

func (e *fakeEngine) currentViewport() Size {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.override != nil {
		return *e.override
	}
	return e.viewport
}

func (e *fakeEngine) captureCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.captures)
}

func (e *fakeEngine) lastCapture() gjson.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.captures[len(e.captures)-1]
}

func (e *fakeEngine) viewportOverrides() []*Size {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Size{}, e.overrides...)
}

var errObjectNotFound = &cdproto.Error{Code: -32000, Message: "Could not find object with given id"}

func (e *fakeEngine) callFunctionOn(p gjson.Result) (any, error) {
	id := p.Get("objectId").String()
	fn := p.Get("functionDeclaration").String()

	if strings.Contains(fn, "return this") {
		e.mu.Lock()
		v, ok := e.values[id]
		e.mu.Unlock()
		if !ok {
			return nil, errObjectNotFound
		}
		return map[string]any{"result": map[string]any{"type": "object", "value": json.RawMessage(v)}}, nil
	}

	el := e.element(id)
	if el == nil {
		return nil, errObjectNotFound
	}
	if !el.connected.Load() {
		return map[string]any{"result": map[string]any{"type": "string", "value": "error:notconnected"}}, nil
	}
	switch {
	case strings.Contains(fn, "getComputedStyle"):
		return map[string]any{"result": map[string]any{"type": "boolean", "value": el.visible.Load()}}, nil
	case strings.Contains(fn, "scrollX"):
		el.mu.Lock()
		defer el.mu.Unlock()
		return map[string]any{"result": map[string]any{
			"type":  "object",
			"value": map[string]float64{"x": el.scroll.X, "y": el.scroll.Y},
		}}, nil
	}
	return nil, &cdproto.Error{Code: -32000, Message: "unexpected function"}
}

func (e *fakeEngine) getBoxModel(p gjson.Result) (any, error) {
	el := e.element(p.Get("objectId").String())
	if el == nil {
		return nil, errObjectNotFound
	}
	if !el.connected.Load() {
		return nil, &cdproto.Error{Code: -32000, Message: "Node is detached from document"}
	}
	if !el.visible.Load() {
		return nil, &cdproto.Error{Code: -32000, Message: "Could not compute box model."}
	}
	el.mu.Lock()
	r := el.box
	el.mu.Unlock()
	quad := []float64{r.X, r.Y, r.X + r.Width, r.Y, r.X + r.Width, r.Y + r.Height, r.X, r.Y + r.Height}
	return map[string]any{"model": map[string]any{
		"content": quad,
		"padding": quad,
		"border":  quad,
		"margin":  quad,
		"width":   int64(r.Width),
		"height":  int64(r.Height),
	}}, nil
}

func (e *fakeEngine) getLayoutMetrics(gjson.Result) (any, error) {
	vp := e.currentViewport()
	e.mu.Lock()
	content := e.content
	e.mu.Unlock()

	layout := map[string]any{"pageX": 0, "pageY": 0, "clientWidth": int64(vp.Width), "clientHeight": int64(vp.Height)}
	visual := map[string]any{
		"offsetX": 0, "offsetY": 0, "pageX": 0, "pageY": 0,
		"clientWidth": vp.Width, "clientHeight": vp.Height, "scale": 1,
	}
	size := map[string]any{"x": 0, "y": 0, "width": content.Width, "height": content.Height}
	return map[string]any{
		"layoutViewport":    layout,
		"visualViewport":    visual,
		"contentSize":       size,
		"cssLayoutViewport": layout,
		"cssVisualViewport": visual,
		"cssContentSize":    size,
	}, nil
}
