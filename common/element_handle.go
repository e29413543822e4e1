/**
 * Copyright (c) Microsoft Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

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
	"math"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	cdpruntime "github.com/chromedp/cdproto/runtime"
)

const (
	jsElementVisible = `function() {
	if (!this.isConnected) return 'error:notconnected';
	if (this.nodeType !== Node.ELEMENT_NODE) return 'error:notelement';
	const style = this.ownerDocument.defaultView.getComputedStyle(this);
	if (!style || style.visibility === 'hidden') return false;
	const rect = this.getBoundingClientRect();
	return rect.width > 0 && rect.height > 0;
}`
	jsScrollOffset = `function() {
	if (!this.isConnected) return 'error:notconnected';
	const w = this.ownerDocument.defaultView;
	return { x: w.scrollX, y: w.scrollY };
}`
)

// ElementHandle represents a HTML element JS object inside a frame
type ElementHandle struct {
	*JSHandle

	page  *Page
	frame *Frame
}

// Frame returns the frame the element belongs to.
func (h *ElementHandle) Frame() *Frame {
	return h.frame
}

// IsVisible reports whether the element is rendered with a non-empty box.
// It fails with ErrElementNotAttachedToDOM once the element left its document.
func (h *ElementHandle) IsVisible(ctx context.Context) (bool, error) {
	v, err := h.callFunction(ctx, jsElementVisible)
	if err != nil {
		return false, err
	}
	switch v := v.(type) {
	case bool:
		return v, nil
	case string:
		return false, errorFromDOMError(v)
	}
	return false, fmt.Errorf("unexpected visibility result %T", v)
}

// WaitForVisible waits until the element is visible. A zero timeout means the
// default timeout of the page.
func (h *ElementHandle) WaitForVisible(ctx context.Context, timeout time.Duration) error {
	op := h.page.pending.Start(ctx, OperationSpec{
		Kind:   OperationKindWaitForVisible,
		Target: h.frame.Token(),
		Condition: Condition{
			Description: ErrElementNotVisible.Error(),
			Check:       h.IsVisible,
		},
		Timeout: timeout,
	})
	_, err := op.Wait(ctx)
	return err
}

// BoundingBox returns the border box of the element relative to the
// viewport of its frame.
func (h *ElementHandle) BoundingBox(ctx context.Context) (*Rect, error) {
	action := dom.GetBoxModel().WithObjectID(h.remote.ObjectID)
	box, err := action.Do(cdp.WithExecutor(ctx, h.executor))
	if err != nil {
		return nil, fmt.Errorf("getting box model of DOM node: %w", domActionError(err))
	}
	if box == nil || len(box.Border) < 8 {
		return nil, ErrElementNotVisible
	}

	quad := box.Border
	x := math.Min(quad[0], math.Min(quad[2], math.Min(quad[4], quad[6])))
	y := math.Min(quad[1], math.Min(quad[3], math.Min(quad[5], quad[7])))
	width := math.Max(quad[0], math.Max(quad[2], math.Max(quad[4], quad[6]))) - x
	height := math.Max(quad[1], math.Max(quad[3], math.Max(quad[5], quad[7]))) - y

	return &Rect{X: x, Y: y, Width: width, Height: height}, nil
}

// Screenshot captures the element once it is visible. The capture fails
// with a TimeoutError naming the visibility condition if the element stays
// hidden, and with ErrTargetDetached if it leaves the page.
func (h *ElementHandle) Screenshot(ctx context.Context, opts *ElementHandleScreenshotOptions) ([]byte, error) {
	if opts == nil {
		opts = &ElementHandleScreenshotOptions{}
	}
	op := h.page.pending.Start(ctx, OperationSpec{
		Kind:   OperationKindScreenshot,
		Target: h.frame.Token(),
		Condition: Condition{
			Description: ErrElementNotVisible.Error(),
			Check:       h.IsVisible,
		},
		Action: func(ctx context.Context) (any, error) {
			return h.page.screenshotter.screenshotElement(ctx, h, opts)
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

func (h *ElementHandle) scrollOffset(ctx context.Context) (*Position, error) {
	v, err := h.callFunction(ctx, jsScrollOffset)
	if err != nil {
		return nil, err
	}
	switch v := v.(type) {
	case string:
		return nil, errorFromDOMError(v)
	case map[string]any:
		x, _ := v["x"].(float64)
		y, _ := v["y"].(float64)
		return &Position{X: x, Y: y}, nil
	}
	return nil, fmt.Errorf("unexpected scroll offset result %T", v)
}

func (h *ElementHandle) scrollIntoViewIfNeeded(ctx context.Context) error {
	action := dom.ScrollIntoViewIfNeeded().WithObjectID(h.remote.ObjectID)
	if err := action.Do(cdp.WithExecutor(ctx, h.executor)); err != nil {
		return fmt.Errorf("scrolling element into view: %w", domActionError(err))
	}
	return nil
}

// callFunction calls fn with the element as this and returns the result by value.
func (h *ElementHandle) callFunction(ctx context.Context, fn string) (any, error) {
	action := cdpruntime.CallFunctionOn(fn).
		WithObjectID(h.remote.ObjectID).
		WithReturnByValue(true).
		WithAwaitPromise(true)
	res, exc, err := action.Do(cdp.WithExecutor(ctx, h.executor))
	if err != nil {
		return nil, domActionError(err)
	}
	if exc != nil {
		return nil, errors.New(parseExceptionDetails(exc))
	}
	if res == nil {
		return nil, nil
	}
	return parseRemoteObject(res)
}

// domActionError maps the protocol errors of an element whose document is
// gone to ErrElementNotAttachedToDOM.
func domActionError(err error) error {
	if errors.Is(err, ErrConnectionClosed) {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Node does not have a layout object"),
		strings.Contains(msg, "Could not compute box model"):
		return fmt.Errorf("%w: %w", ErrElementNotVisible, err)
	case strings.Contains(msg, "Node is detached from document"),
		isStaleObjectError(err):
		return fmt.Errorf("%w: %w", ErrElementNotAttachedToDOM, err)
	}
	return err
}
