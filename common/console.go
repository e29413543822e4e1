package common

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"golang.org/x/sync/errgroup"

	"github.com/liuxd6825/pagesync/log"
)

// ConsoleLocation is where in the page a console API call was made.
type ConsoleLocation struct {
	URL          string `json:"url"`
	LineNumber   int64  `json:"lineNumber"`
	ColumnNumber int64  `json:"columnNumber"`
}

// ConsoleMessage is a message logged through the console API of the page.
type ConsoleMessage struct {
	// Type is the console method used, e.g. "log", "warning" or "error".
	Type string
	// Text joins the console representation of every argument with a space.
	Text string
	Args []*JSHandle
	// Location is nil when the call carried no stack trace.
	Location *ConsoleLocation
	Time     time.Time
}

func newConsoleMessage(ev *cdpruntime.EventConsoleAPICalled, executor cdp.Executor, logger *log.Logger) *ConsoleMessage {
	msg := &ConsoleMessage{
		Type: ev.Type.String(),
		Args: make([]*JSHandle, 0, len(ev.Args)),
	}

	texts := make([]string, 0, len(ev.Args))
	for _, arg := range ev.Args {
		h := NewJSHandle(executor, arg, logger)
		msg.Args = append(msg.Args, h)
		texts = append(texts, h.String())
	}
	msg.Text = strings.Join(texts, " ")

	if st := ev.StackTrace; st != nil && len(st.CallFrames) > 0 {
		cf := st.CallFrames[0]
		msg.Location = &ConsoleLocation{
			URL:          cf.URL,
			LineNumber:   cf.LineNumber,
			ColumnNumber: cf.ColumnNumber,
		}
	}
	if ev.Timestamp != nil {
		msg.Time = ev.Timestamp.Time()
	} else {
		msg.Time = time.Now()
	}

	return msg
}

// JSONValues resolves every argument concurrently. The result keeps the
// argument order.
func (m *ConsoleMessage) JSONValues(ctx context.Context) ([]any, error) {
	values := make([]any, len(m.Args))
	g, gctx := errgroup.WithContext(ctx)
	for i, arg := range m.Args {
		i, arg := i, arg
		g.Go(func() error {
			v, err := arg.JSONValue(gctx)
			if err != nil {
				return err
			}
			values[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return values, nil
}

// ConsoleBuffer retains the latest console messages of a page.
// Once full, every new message evicts the oldest one.
type ConsoleBuffer struct {
	mu       sync.Mutex
	messages []*ConsoleMessage
	start    int
	size     int
	dropped  int64
}

// NewConsoleBuffer returns a buffer holding up to capacity messages.
// A non-positive capacity falls back to DefaultConsoleBufferSize.
func NewConsoleBuffer(capacity int) *ConsoleBuffer {
	if capacity <= 0 {
		capacity = DefaultConsoleBufferSize
	}
	return &ConsoleBuffer{messages: make([]*ConsoleMessage, capacity)}
}

// Add appends msg and reports whether an older message was evicted for it.
func (b *ConsoleBuffer) Add(msg *ConsoleMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.messages)
	if b.size < capacity {
		b.messages[(b.start+b.size)%capacity] = msg
		b.size++
		return false
	}
	b.messages[b.start] = msg
	b.start = (b.start + 1) % capacity
	b.dropped++
	return true
}

// Messages returns the retained messages, oldest first.
func (b *ConsoleBuffer) Messages() []*ConsoleMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*ConsoleMessage, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.messages[(b.start+i)%len(b.messages)])
	}
	return out
}

// Len returns the number of retained messages.
func (b *ConsoleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the capacity of the buffer.
func (b *ConsoleBuffer) Cap() int {
	return len(b.messages)
}

// Dropped returns how many messages were evicted so far.
func (b *ConsoleBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Clear removes every retained message. The dropped count is kept.
func (b *ConsoleBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.messages {
		b.messages[i] = nil
	}
	b.start, b.size = 0, 0
}
