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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/mailru/easyjson"

	"github.com/liuxd6825/pagesync/log"
)

// Ensure Session implements the Executor interface
var _ cdp.Executor = &Session{}

// Conn is the transport to the remote engine. Messages returns the ordered
// feed of replies and events and is closed when the transport ends.
type Conn interface {
	Send(ctx context.Context, msg *cdproto.Message) error
	Messages() <-chan *cdproto.Message
}

// EventHandler receives the decoded events of a session, one at a time and in
// the order the engine emitted them.
type EventHandler func(method cdproto.MethodType, ev any)

// Session represents a CDP session to a page target
type Session struct {
	conn    Conn
	logger  *log.Logger
	metrics *Metrics
	onEvent EventHandler

	msgID     atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan *cdproto.Message

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewSession creates a new session on conn. Start begins reading its feed.
//
// onEvent runs on the reading goroutine. Waiting there for the reply of a
// command sent on the same session blocks the session.
func NewSession(conn Conn, onEvent EventHandler, logger *log.Logger, metrics *Metrics) *Session {
	return &Session{
		conn:    conn,
		logger:  logger,
		metrics: metrics,
		onEvent: onEvent,
		pending: make(map[int64]chan *cdproto.Message),
		done:    make(chan struct{}),
	}
}

// Start reads the feed of the connection until ctx is done, the feed is
// closed or Close is called.
func (s *Session) Start(ctx context.Context) {
	go s.readLoop(ctx)
}

// Close stops the session. Commands in flight fail with ErrConnectionClosed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.logger.Debugf("Session:Close", "")
	})
}

// Done is closed once the session stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) readLoop(ctx context.Context) {
	defer s.Close()

	msgs := s.conn.Messages()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				s.logger.Debugf("Session:readLoop", "transport closed")
				return
			}
			s.handle(msg)
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *Session) handle(msg *cdproto.Message) {
	if msg == nil {
		return
	}
	if msg.ID != 0 {
		s.pendingMu.Lock()
		ch, ok := s.pending[msg.ID]
		delete(s.pending, msg.ID)
		s.pendingMu.Unlock()
		if !ok {
			s.logger.Debugf("Session:handle", "mid:%d no command waiting for reply", msg.ID)
			return
		}
		ch <- msg
		return
	}

	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		if _, ok := err.(cdp.ErrUnknownCommandOrEvent); ok { //nolint:errorlint
			// Most likely an event of an engine version newer or older than
			// the protocol definitions known here.
			s.logger.Debugf("Session:handle", "method:%q unknown event", msg.Method)
			s.metrics.unknownEvent()
			return
		}
		s.logger.Errorf("Session:handle", "method:%q decoding event: %v", msg.Method, err)
		return
	}
	if s.onEvent != nil {
		s.onEvent(msg.Method, ev)
	}
}

// Execute implements the cdp.Executor interface
func (s *Session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if s.closed.Load() {
		return fmt.Errorf("executing %s: %w", method, ErrConnectionClosed)
	}

	id := s.msgID.Add(1)

	// Buffered as the reading goroutine never waits for the caller.
	ch := make(chan *cdproto.Message, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
	}
	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}
	s.logger.Tracef("Session:Execute", "mid:%d method:%s", id, method)
	if err := s.conn.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case reply := <-ch:
		switch {
		case reply.Error != nil:
			return reply.Error
		case res != nil && len(reply.Result) > 0:
			return easyjson.Unmarshal(reply.Result, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("executing %s: %w", method, ErrConnectionClosed)
	}
}
