package common

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownParent is returned when a frame is attached under a parent
	// that is not a live frame of the page.
	ErrUnknownParent = errors.New("unknown parent frame")

	// ErrStaleRemoteObject is returned when a remote value is resolved after
	// the remote side disposed it or the connection went away.
	ErrStaleRemoteObject = errors.New("remote object is stale")

	// ErrTargetDetached is returned by pending operations whose target frame
	// or element is no longer live.
	ErrTargetDetached = errors.New("target detached")

	// ErrTimedOut is matched by every *TimeoutError.
	ErrTimedOut = errors.New("timed out")

	// ErrCancelled is returned by pending operations cancelled by their caller.
	ErrCancelled = errors.New("operation cancelled")

	ErrMainFrameDetach         = errors.New("main frame cannot be detached")
	ErrFrameNotFound           = errors.New("frame not found")
	ErrElementNotVisible       = errors.New("element is not visible")
	ErrElementNotAttachedToDOM = errors.New("element is not attached to the DOM")
	ErrPageClosed              = errors.New("page is closed")
	ErrConnectionClosed        = errors.New("connection closed")
)

// TimeoutError is returned when a condition stays unmet for the whole bound
// of an operation.
type TimeoutError struct {
	Timeout   time.Duration
	Condition string
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timeout %dms exceeded", e.Timeout.Milliseconds())
	if e.Condition == "" {
		return msg
	}
	return msg + ": " + e.Condition
}

// Is makes errors.Is(err, ErrTimedOut) match any TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimedOut
}

// errorFromDOMError maps the error strings returned by the injected page
// functions to Go errors.
func errorFromDOMError(v any) error {
	var (
		err  error
		serr string
	)
	switch e := v.(type) {
	case string:
		serr = e
	case error:
		if e == nil {
			return errors.New("DOM error is nil")
		}
		err, serr = e, e.Error()
	default:
		return fmt.Errorf("unexpected DOM error type %T", v)
	}
	if s := "error:expectednode:"; strings.HasPrefix(serr, s) {
		return fmt.Errorf("expected node but got %s", strings.TrimPrefix(serr, s))
	}

	switch serr {
	case "error:notconnected":
		return ErrElementNotAttachedToDOM
	case "error:notelement":
		return errors.New("node is not an element")
	case "error:nothtmlelement":
		return errors.New("not an HTMLElement")
	}

	if err != nil {
		return err
	}
	return errors.New(serr)
}

// isDetachedError reports whether err means the target of an action left the page.
func isDetachedError(err error) bool {
	return errors.Is(err, ErrTargetDetached) || errors.Is(err, ErrElementNotAttachedToDOM) ||
		errors.Is(err, ErrFrameNotFound)
}
