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
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"

	"github.com/liuxd6825/pagesync/log"
)

// FrameManager owns the frame tree of a page and applies the frame events of
// the remote engine to it.
//
// Mutations are expected from a single goroutine, the one applying the event
// feed. Readers on other goroutines see consistent snapshots. Events are
// emitted after the tree lock is released so listeners may query the tree.
type FrameManager struct {
	dispatcher *EventDispatcher
	logger     *log.Logger

	// Needed as the frames map will be accessed from multiple Go routines,
	// the goroutine applying the event feed and the callers of the page API.
	framesMu  sync.RWMutex
	frames    map[cdp.FrameID]*Frame
	bySerial  map[int64]*Frame
	mainFrame *Frame
	closed    bool
}

// NewFrameManager creates a new HTML document frame manager.
func NewFrameManager(dispatcher *EventDispatcher, logger *log.Logger) *FrameManager {
	return &FrameManager{
		dispatcher: dispatcher,
		logger:     logger,
		frames:     make(map[cdp.FrameID]*Frame),
		bySerial:   make(map[int64]*Frame),
	}
}

// Attach inserts a new frame as the last child of parentID.
// Re-announcing a live frame ID returns the existing frame without events.
func (m *FrameManager) Attach(parentID, frameID cdp.FrameID) (*Frame, error) {
	m.logger.Debugf("FrameManager:Attach", "fid:%s pfid:%s", frameID, parentID)

	m.framesMu.Lock()
	if m.closed {
		m.framesMu.Unlock()
		return nil, ErrPageClosed
	}
	if frame, ok := m.frames[frameID]; ok {
		m.framesMu.Unlock()
		return frame, nil
	}
	parentFrame, ok := m.frames[parentID]
	if !ok {
		m.framesMu.Unlock()
		return nil, fmt.Errorf("attaching frame %q: %w %q", frameID, ErrUnknownParent, parentID)
	}
	frame := m.registerLocked(parentFrame, frameID)
	parentFrame.addChildFrame(frame)
	m.framesMu.Unlock()

	m.dispatcher.Emit(EventPageFrameAttached, frame)
	return frame, nil
}

// Navigate updates the URL of a frame in place, as for a navigation within
// the same document. The frame keeps its identity and its children.
func (m *FrameManager) Navigate(frameID cdp.FrameID, url string) (*Frame, error) {
	m.logger.Debugf("FrameManager:Navigate", "fid:%s url:%q", frameID, url)

	m.framesMu.Lock()
	frame := m.frames[frameID]
	if frame == nil {
		m.framesMu.Unlock()
		return nil, fmt.Errorf("navigating frame %q: %w", frameID, ErrFrameNotFound)
	}
	frame.url = url
	m.framesMu.Unlock()

	m.dispatcher.Emit(EventPageFrameNavigated, frame)
	return frame, nil
}

// CommitNavigation applies a navigation that committed a new document in a
// frame. The children of the frame are detached first.
//
// A navigation of a frame without parent is a navigation of the main frame.
// The first one creates the main frame, without an attach event. Later ones
// reporting a new frame ID are cross-process navigations: the main frame is
// reset under the new ID and keeps its identity.
func (m *FrameManager) CommitNavigation(
	frameID, parentID cdp.FrameID, loaderID cdp.LoaderID, name, url string,
) (*Frame, error) {
	m.logger.Debugf("FrameManager:CommitNavigation", "fid:%s pfid:%s lid:%s url:%q", frameID, parentID, loaderID, url)

	m.framesMu.Lock()
	if m.closed {
		m.framesMu.Unlock()
		return nil, ErrPageClosed
	}

	isMainFrame := parentID == ""
	frame := m.frames[frameID]
	if !isMainFrame && frame == nil {
		m.framesMu.Unlock()
		return nil, fmt.Errorf("navigating frame %q: %w", frameID, ErrFrameNotFound)
	}

	var detached []*Frame
	switch {
	case isMainFrame && m.mainFrame == nil:
		frame = m.registerLocked(nil, frameID)
		m.mainFrame = frame
	case isMainFrame && frame == nil:
		frame = m.mainFrame
		detached = m.resetLocked(frameID)
	default:
		detached = m.detachChildrenLocked(frame)
	}
	frame.name = name
	frame.url = url
	frame.loaderID = loaderID
	m.framesMu.Unlock()

	m.emitDetached(detached)
	m.dispatcher.Emit(EventPageFrameNavigated, frame)
	return frame, nil
}

// Reset is applied on a top-level cross-context navigation: every frame but
// the main frame is detached and the main frame is re-keyed under newMainID.
// The main frame object survives. An empty newMainID keeps the current ID.
func (m *FrameManager) Reset(newMainID cdp.FrameID) error {
	m.logger.Debugf("FrameManager:Reset", "fid:%s", newMainID)

	m.framesMu.Lock()
	if m.mainFrame == nil {
		m.framesMu.Unlock()
		return fmt.Errorf("resetting frame tree: %w: no main frame", ErrFrameNotFound)
	}
	detached := m.resetLocked(newMainID)
	m.framesMu.Unlock()

	m.emitDetached(detached)
	return nil
}

// Detach removes frameID and all its descendants from the tree and emits one
// detach event per removed frame, parent first. Unknown IDs are ignored.
func (m *FrameManager) Detach(frameID cdp.FrameID) error {
	m.logger.Debugf("FrameManager:Detach", "fid:%s", frameID)

	m.framesMu.Lock()
	frame := m.frames[frameID]
	if frame == nil {
		m.framesMu.Unlock()
		return nil
	}
	if frame == m.mainFrame {
		m.framesMu.Unlock()
		return ErrMainFrameDetach
	}
	detached := m.detachSubtreeLocked(frame)
	m.framesMu.Unlock()

	m.emitDetached(detached)
	return nil
}

// DetachChildren detaches every descendant of frameID but keeps the frame
// itself, as when a frame is swapped into another renderer process.
func (m *FrameManager) DetachChildren(frameID cdp.FrameID) error {
	m.logger.Debugf("FrameManager:DetachChildren", "fid:%s", frameID)

	m.framesMu.Lock()
	frame := m.frames[frameID]
	if frame == nil {
		m.framesMu.Unlock()
		return nil
	}
	detached := m.detachChildrenLocked(frame)
	m.framesMu.Unlock()

	m.emitDetached(detached)
	return nil
}

// Close detaches every frame, the main frame included, without emitting events.
func (m *FrameManager) Close() {
	m.framesMu.Lock()
	defer m.framesMu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for _, f := range m.frames {
		f.detached = true
	}
	m.frames = make(map[cdp.FrameID]*Frame)
	m.bySerial = make(map[int64]*Frame)
}

// MainFrame returns the main frame of the page, or nil before the first navigation.
func (m *FrameManager) MainFrame() *Frame {
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()
	return m.mainFrame
}

// Frame returns the live frame with the given ID.
func (m *FrameManager) Frame(id cdp.FrameID) (*Frame, bool) {
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()
	f, ok := m.frames[id]
	return f, ok
}

// Resolve returns the frame t refers to while it is part of the tree.
func (m *FrameManager) Resolve(t FrameToken) (*Frame, bool) {
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()
	f, ok := m.bySerial[t.serial]
	return f, ok
}

// Frames returns the live frames in pre-order: the main frame first, then
// every child subtree in attach order.
func (m *FrameManager) Frames() []*Frame {
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()

	frames := make([]*Frame, 0, len(m.frames))
	if m.mainFrame == nil || m.mainFrame.detached {
		return frames
	}
	var walk func(f *Frame)
	walk = func(f *Frame) {
		frames = append(frames, f)
		for _, c := range f.childFrames {
			walk(c)
		}
	}
	walk(m.mainFrame)
	return frames
}

func (m *FrameManager) registerLocked(parent *Frame, id cdp.FrameID) *Frame {
	frame := newFrame(m, parent, id)
	m.frames[id] = frame
	m.bySerial[frame.serial] = frame
	return frame
}

func (m *FrameManager) resetLocked(newMainID cdp.FrameID) []*Frame {
	main := m.mainFrame
	detached := m.detachChildrenLocked(main)
	if newMainID != "" && newMainID != main.id {
		// Update frame ID to retain frame identity on cross-process navigation.
		delete(m.frames, main.id)
		main.id = newMainID
		m.frames[newMainID] = main
	}
	return detached
}

func (m *FrameManager) detachChildrenLocked(frame *Frame) []*Frame {
	var detached []*Frame
	for _, child := range append([]*Frame{}, frame.childFrames...) {
		detached = append(detached, m.detachSubtreeLocked(child)...)
	}
	return detached
}

// detachSubtreeLocked marks root and its descendants detached in pre-order
// and unlinks root from its parent. Descendants keep their child lists.
func (m *FrameManager) detachSubtreeLocked(root *Frame) []*Frame {
	var detached []*Frame
	var walk func(f *Frame)
	walk = func(f *Frame) {
		f.detached = true
		delete(m.frames, f.id)
		delete(m.bySerial, f.serial)
		detached = append(detached, f)
		for _, c := range f.childFrames {
			walk(c)
		}
	}
	walk(root)
	if root.parentFrame != nil {
		root.parentFrame.removeChildFrame(root)
	}
	return detached
}

func (m *FrameManager) emitDetached(frames []*Frame) {
	for _, f := range frames {
		m.dispatcher.Emit(EventPageFrameDetached, f)
	}
}
