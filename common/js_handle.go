package common

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	cdpruntime "github.com/chromedp/cdproto/runtime"

	"github.com/liuxd6825/pagesync/log"
)

// JSHandle is a reference to a value living in the page.
//
// Primitive values are carried inline and resolve without a round trip.
// Objects are referenced by their remote object ID and resolve through the
// session that produced them, for as long as the remote side keeps them.
type JSHandle struct {
	remote   *cdpruntime.RemoteObject
	executor cdp.Executor
	logger   *log.Logger
	disposed atomic.Bool
}

// NewJSHandle creates a handle for remote, resolved through executor.
func NewJSHandle(executor cdp.Executor, remote *cdpruntime.RemoteObject, logger *log.Logger) *JSHandle {
	return &JSHandle{remote: remote, executor: executor, logger: logger}
}

// RemoteObject returns the underlying remote object.
func (h *JSHandle) RemoteObject() *cdpruntime.RemoteObject {
	return h.remote
}

// ObjectID returns the remote object ID, empty for inline values.
func (h *JSHandle) ObjectID() cdpruntime.RemoteObjectID {
	return h.remote.ObjectID
}

// JSONValue resolves the handle to its JSON representation.
// It fails with ErrStaleRemoteObject once the remote value is gone.
func (h *JSHandle) JSONValue(ctx context.Context) (any, error) {
	if h.disposed.Load() {
		return nil, fmt.Errorf("resolving %s: %w: handle disposed", h, ErrStaleRemoteObject)
	}
	if h.remote.ObjectID == "" {
		return parseRemoteObjectLogged(h.remote, h.logf)
	}
	if h.executor == nil {
		return nil, fmt.Errorf("resolving %s: %w: no session", h, ErrStaleRemoteObject)
	}

	action := cdpruntime.CallFunctionOn("function() { return this; }").
		WithObjectID(h.remote.ObjectID).
		WithReturnByValue(true).
		WithAwaitPromise(true)
	res, exc, err := action.Do(cdp.WithExecutor(ctx, h.executor))
	if err != nil {
		if isStaleObjectError(err) {
			return nil, fmt.Errorf("resolving %s: %w: %w", h, ErrStaleRemoteObject, err)
		}
		return nil, fmt.Errorf("resolving %s: %w", h, err)
	}
	if exc != nil {
		return nil, fmt.Errorf("resolving %s: %s", h, parseExceptionDetails(exc))
	}
	if res == nil {
		return nil, nil
	}

	return parseRemoteObjectLogged(res, h.logf)
}

// Dispose releases the remote object. Later JSONValue calls fail with
// ErrStaleRemoteObject.
func (h *JSHandle) Dispose(ctx context.Context) error {
	if h.disposed.Swap(true) || h.remote.ObjectID == "" || h.executor == nil {
		return nil
	}
	err := cdpruntime.ReleaseObject(h.remote.ObjectID).Do(cdp.WithExecutor(ctx, h.executor))
	if err != nil && !isStaleObjectError(err) {
		return fmt.Errorf("disposing %s: %w", h, err)
	}
	return nil
}

// String returns the console representation of the handle, as used in the
// text of console messages.
func (h *JSHandle) String() string {
	r := h.remote
	if r.ObjectID != "" {
		kind := string(r.Subtype)
		if kind == "" {
			kind = string(r.Type)
		}
		return "JSHandle@" + kind
	}

	switch r.Type {
	case cdpruntime.TypeUndefined:
		return "undefined"
	case cdpruntime.TypeString:
		if v, err := parseRemoteObject(r); err == nil {
			if s, ok := v.(string); ok {
				return s
			}
		}
	case cdpruntime.TypeObject:
		if r.Subtype == cdpruntime.SubtypeNull {
			return "null"
		}
	}
	if r.UnserializableValue != "" {
		return r.UnserializableValue.String()
	}
	if r.Description != "" {
		return r.Description
	}
	return strings.Trim(string(r.Value), `"`)
}

func (h *JSHandle) logf(format string, args ...any) {
	h.logger.Warnf("JSHandle:JSONValue", format, args...)
}

// isStaleObjectError reports whether err means the remote value is gone.
func isStaleObjectError(err error) bool {
	if errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrPageClosed) {
		return true
	}
	var cerr *cdproto.Error
	if !errors.As(err, &cerr) {
		return false
	}
	return strings.Contains(cerr.Message, "Could not find object") ||
		strings.Contains(cerr.Message, "Cannot find context") ||
		strings.Contains(cerr.Message, "Invalid remote object id")
}
