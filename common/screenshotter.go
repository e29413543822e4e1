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
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/spf13/afero"
)

// ImageFormat represents an image file format.
type ImageFormat string

// Valid image format options.
const (
	ImageFormatJPEG ImageFormat = "jpeg"
	ImageFormatPNG  ImageFormat = "png"
)

// ElementHandleScreenshotOptions are the options of ElementHandle.Screenshot.
type ElementHandleScreenshotOptions struct {
	// Path, if set, is where the capture is written. Missing directories are created.
	Path    string
	Format  ImageFormat
	Quality int64
	Timeout time.Duration
}

// PageScreenshotOptions are the options of Page.Screenshot.
type PageScreenshotOptions struct {
	ElementHandleScreenshotOptions

	Clip     *Rect
	FullPage bool
}

// format infers the image format from the path when none is given.
func (o *ElementHandleScreenshotOptions) format() ImageFormat {
	if o.Format == ImageFormatPNG || o.Format == ImageFormatJPEG {
		return o.Format
	}
	if p := strings.ToLower(o.Path); strings.HasSuffix(p, ".jpg") || strings.HasSuffix(p, ".jpeg") {
		return ImageFormatJPEG
	}
	return ImageFormatPNG
}

// screenshotter decides which region of a page to capture and asks the
// engine for it. Captures of one page are serialized so that a temporary
// viewport override never leaks into another capture. Waiting for the turn
// of a capture ends with its context.
type screenshotter struct {
	page *Page
	fs   afero.Fs
}

func newScreenshotter(p *Page, fs afero.Fs) *screenshotter {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &screenshotter{page: p, fs: fs}
}

// layoutMetrics returns the visual viewport and the size of the whole document.
func (s *screenshotter) layoutMetrics(ctx context.Context) (*cdppage.VisualViewport, *Size, error) {
	action := cdppage.GetLayoutMetrics()
	_, visualViewport, contentSize, _, cssVisualViewport, cssContentSize, err := action.Do(
		cdp.WithExecutor(ctx, s.page.session))
	if err != nil {
		return nil, nil, fmt.Errorf("getting layout metrics: %w", err)
	}
	if cssVisualViewport != nil {
		visualViewport = cssVisualViewport
	}
	if cssContentSize != nil {
		contentSize = cssContentSize
	}
	if visualViewport == nil {
		return nil, nil, errors.New("getting layout metrics: no visual viewport")
	}
	full := &Size{Width: visualViewport.ClientWidth, Height: visualViewport.ClientHeight}
	if contentSize != nil {
		full = &Size{Width: contentSize.Width, Height: contentSize.Height}
	}
	return visualViewport, full, nil
}

func (s *screenshotter) originalViewportSize(ctx context.Context) (*Size, *Size, error) {
	originalViewportSize := s.page.viewportSize()
	if originalViewportSize != nil {
		viewportSize := *originalViewportSize
		return &viewportSize, originalViewportSize, nil
	}
	visualViewport, _, err := s.layoutMetrics(ctx)
	if err != nil {
		return nil, nil, err
	}
	return &Size{Width: visualViewport.ClientWidth, Height: visualViewport.ClientHeight}, nil, nil
}

func (s *screenshotter) restoreViewport(ctx context.Context, originalViewport *Size) error {
	if originalViewport != nil {
		return s.page.setViewportSize(ctx, originalViewport)
	}
	return s.page.resetViewport(ctx)
}

// screenshot captures documentRect, given in document coordinates, or when
// nil viewportRect, given relative to the visual viewport.
func (s *screenshotter) screenshot(
	ctx context.Context, documentRect *Rect, viewportRect *Rect, opts *ElementHandleScreenshotOptions,
) ([]byte, error) {
	capture := cdppage.CaptureScreenshot()
	format := opts.format()
	switch format {
	case ImageFormatJPEG:
		capture = capture.WithFormat(cdppage.CaptureScreenshotFormatJpeg)
		if opts.Quality > 0 {
			capture = capture.WithQuality(opts.Quality)
		}
	default:
		capture = capture.WithFormat(cdppage.CaptureScreenshotFormatPng)
	}

	visualViewport, _, err := s.layoutMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}
	if documentRect == nil {
		size := Size{
			Width:  viewportRect.Width / visualViewport.Scale,
			Height: viewportRect.Height / visualViewport.Scale,
		}.enclosingIntSize()
		documentRect = &Rect{
			X:      visualViewport.PageX + viewportRect.X,
			Y:      visualViewport.PageY + viewportRect.Y,
			Width:  size.Width,
			Height: size.Height,
		}
	}

	scale := 1.0
	if viewportRect != nil && visualViewport.Scale > 0 {
		scale = visualViewport.Scale
	}
	clip := &cdppage.Viewport{
		X:      documentRect.X,
		Y:      documentRect.Y,
		Width:  documentRect.Width,
		Height: documentRect.Height,
		Scale:  scale,
	}
	if clip.Width > 0 && clip.Height > 0 {
		capture = capture.WithClip(clip)
	}

	buf, err := capture.Do(cdp.WithExecutor(ctx, s.page.session))
	if err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}

	if opts.Path != "" {
		if err := s.persist(opts.Path, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (s *screenshotter) persist(path string, buf []byte) error {
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		return fmt.Errorf("creating directory for screenshot: %w", err)
	}
	if err := afero.WriteFile(s.fs, path, buf, 0o664); err != nil {
		return fmt.Errorf("saving screenshot to file: %w", err)
	}
	return nil
}

func (s *screenshotter) elementBox(ctx context.Context, h *ElementHandle) (*Rect, error) {
	if err := h.scrollIntoViewIfNeeded(ctx); err != nil {
		return nil, err
	}
	bbox, err := h.BoundingBox(ctx)
	if err != nil {
		return nil, err
	}
	if bbox.Width <= 0 {
		return nil, fmt.Errorf("node has 0 width: %w", ErrElementNotVisible)
	}
	if bbox.Height <= 0 {
		return nil, fmt.Errorf("node has 0 height: %w", ErrElementNotVisible)
	}
	return bbox, nil
}

func (s *screenshotter) screenshotElement(
	ctx context.Context, h *ElementHandle, opts *ElementHandleScreenshotOptions,
) (_ []byte, err error) {
	if err := s.page.screenshots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for another capture: %w", err)
	}
	defer s.page.screenshots.Release(1)

	viewportSize, originalViewportSize, err := s.originalViewportSize(ctx)
	if err != nil {
		return nil, err
	}

	bbox, err := s.elementBox(ctx, h)
	if err != nil {
		return nil, err
	}

	if !viewportSize.fits(bbox) {
		overriddenViewportSize := Size{
			Width:  math.Max(viewportSize.Width, bbox.Width),
			Height: math.Max(viewportSize.Height, bbox.Height),
		}.enclosingIntSize()
		if err := s.page.setViewportSize(ctx, overriddenViewportSize); err != nil {
			return nil, err
		}
		defer func() {
			// The capture context may be done already.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.page.timeoutSettings.timeout())
			defer cancel()
			if rerr := s.restoreViewport(rctx, originalViewportSize); rerr != nil && err == nil {
				err = fmt.Errorf("restoring viewport: %w", rerr)
			}
		}()
		if bbox, err = s.elementBox(ctx, h); err != nil {
			return nil, err
		}
	}

	offset, err := h.scrollOffset(ctx)
	if err != nil {
		return nil, err
	}
	documentRect := *bbox
	documentRect.X += offset.X
	documentRect.Y += offset.Y

	return s.screenshot(ctx, documentRect.enclosingIntRect(), nil, opts)
}

func (s *screenshotter) screenshotPage(ctx context.Context, opts *PageScreenshotOptions) (_ []byte, err error) {
	if err := s.page.screenshots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for another capture: %w", err)
	}
	defer s.page.screenshots.Release(1)

	viewportSize, originalViewportSize, err := s.originalViewportSize(ctx)
	if err != nil {
		return nil, err
	}

	if !opts.FullPage {
		viewportRect := &Rect{Width: viewportSize.Width, Height: viewportSize.Height}
		if opts.Clip != nil {
			if viewportRect, err = trimClipToSize(opts.Clip, viewportSize); err != nil {
				return nil, err
			}
		}
		return s.screenshot(ctx, nil, viewportRect, &opts.ElementHandleScreenshotOptions)
	}

	_, fullPageSize, err := s.layoutMetrics(ctx)
	if err != nil {
		return nil, err
	}
	documentRect := &Rect{Width: fullPageSize.Width, Height: fullPageSize.Height}
	if !viewportSize.fits(documentRect) {
		if err := s.page.setViewportSize(ctx, fullPageSize.enclosingIntSize()); err != nil {
			return nil, err
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.page.timeoutSettings.timeout())
			defer cancel()
			if rerr := s.restoreViewport(rctx, originalViewportSize); rerr != nil && err == nil {
				err = fmt.Errorf("restoring viewport: %w", rerr)
			}
		}()
	}
	if opts.Clip != nil {
		if documentRect, err = trimClipToSize(opts.Clip, fullPageSize); err != nil {
			return nil, err
		}
	}
	return s.screenshot(ctx, documentRect, nil, &opts.ElementHandleScreenshotOptions)
}
