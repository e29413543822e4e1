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
	"sync/atomic"

	"github.com/chromedp/cdproto/cdp"
)

var frameSerial atomic.Int64

// FrameToken refers to a frame by identity without keeping it alive. It is
// resolved through FrameManager.Resolve, which fails once the frame has left
// the tree.
type FrameToken struct {
	serial int64
}

// IsZero reports whether t refers to no frame.
func (t FrameToken) IsZero() bool { return t.serial == 0 }

// Frame represents a browsing context of a page: the main document or an
// embedded sub-document.
//
// The tree links and the detached flag are owned by the FrameManager and
// guarded by its lock; a Frame is never mutated from outside the manager.
type Frame struct {
	manager *FrameManager
	serial  int64

	id       cdp.FrameID
	loaderID cdp.LoaderID
	name     string
	url      string

	parentFrame *Frame
	childFrames []*Frame
	detached    bool
}

func newFrame(m *FrameManager, parent *Frame, id cdp.FrameID) *Frame {
	return &Frame{
		manager:     m,
		serial:      frameSerial.Add(1),
		id:          id,
		parentFrame: parent,
	}
}

// ID returns the remote ID of the frame. The main frame may change its ID on
// cross-process navigations while keeping its identity.
func (f *Frame) ID() cdp.FrameID {
	f.manager.framesMu.RLock()
	defer f.manager.framesMu.RUnlock()
	return f.id
}

// Serial returns the process unique identity of the frame.
func (f *Frame) Serial() int64 {
	return f.serial
}

// Token returns a weak reference to f.
func (f *Frame) Token() FrameToken {
	return FrameToken{serial: f.serial}
}

// URL returns the URL of the frame's document.
func (f *Frame) URL() string {
	f.manager.framesMu.RLock()
	defer f.manager.framesMu.RUnlock()
	return f.url
}

// Name returns the frame name as given by the name attribute of its element.
func (f *Frame) Name() string {
	f.manager.framesMu.RLock()
	defer f.manager.framesMu.RUnlock()
	return f.name
}

// LoaderID returns the loader of the last committed document.
func (f *Frame) LoaderID() cdp.LoaderID {
	f.manager.framesMu.RLock()
	defer f.manager.framesMu.RUnlock()
	return f.loaderID
}

// ParentFrame returns the parent of f, or nil for the main frame.
func (f *Frame) ParentFrame() *Frame {
	f.manager.framesMu.RLock()
	defer f.manager.framesMu.RUnlock()
	return f.parentFrame
}

// ChildFrames returns the children of f in attach order. A detached frame
// keeps reporting the children it had when it was detached.
func (f *Frame) ChildFrames() []*Frame {
	f.manager.framesMu.RLock()
	defer f.manager.framesMu.RUnlock()
	l := make([]*Frame, len(f.childFrames))
	copy(l, f.childFrames)
	return l
}

// IsDetached reports whether f was removed from the page.
func (f *Frame) IsDetached() bool {
	f.manager.framesMu.RLock()
	defer f.manager.framesMu.RUnlock()
	return f.detached
}

// IsMainFrame reports whether f is the main frame of its page.
func (f *Frame) IsMainFrame() bool {
	f.manager.framesMu.RLock()
	defer f.manager.framesMu.RUnlock()
	return f.parentFrame == nil && f.manager.mainFrame == f
}

func (f *Frame) String() string {
	f.manager.framesMu.RLock()
	defer f.manager.framesMu.RUnlock()
	return fmt.Sprintf("frame#%d(%s %q)", f.serial, f.id, f.url)
}

func (f *Frame) addChildFrame(child *Frame) {
	f.childFrames = append(f.childFrames, child)
}

func (f *Frame) removeChildFrame(child *Frame) {
	for i, c := range f.childFrames {
		if c == child {
			f.childFrames = append(f.childFrames[:i:i], f.childFrames[i+1:]...)
			return
		}
	}
}
