package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	cdpruntime "github.com/chromedp/cdproto/runtime"
)

// BigIntParseError is returned when a bigint remote value does not fit an int64.
type BigIntParseError struct {
	err error
}

func (e BigIntParseError) Error() string {
	return fmt.Sprintf("parsing bigint: %v", e.err)
}

func (e BigIntParseError) Unwrap() error {
	return e.err
}

// UnserializableValueError is returned for an unserializable value the parser
// does not know how to represent.
type UnserializableValueError struct {
	UnserializableValue cdpruntime.UnserializableValue
}

func (e UnserializableValueError) Error() string {
	return fmt.Sprintf("unsupported unserializable value: %s", e.UnserializableValue)
}

type objectOverflowError struct{}

// Error returns the description of the overflow error.
func (*objectOverflowError) Error() string {
	return "object is too large and will be parsed partially"
}

type objectPropertyParseError struct {
	error
	property string
}

// Error returns the reason of the failure, including the wrapper parsing error
// message.
func (pe *objectPropertyParseError) Error() string {
	return fmt.Sprintf("parsing object property %q: %s", pe.property, pe.error)
}

// Unwrap returns the wrapped parsing error.
func (pe *objectPropertyParseError) Unwrap() error {
	return pe.error
}

type multiError struct {
	Errors []error
}

func (me *multiError) append(err error) {
	me.Errors = append(me.Errors, err)
}

func (me multiError) Error() string {
	if len(me.Errors) == 0 {
		return ""
	}
	if len(me.Errors) == 1 {
		return me.Errors[0].Error()
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d errors occurred:\n", len(me.Errors))
	for _, e := range me.Errors {
		fmt.Fprintf(&buf, "\t* %s\n", e)
	}

	return buf.String()
}

// Unwrap lets errors.Is and errors.As look into every collected error.
func (me multiError) Unwrap() []error {
	return me.Errors
}

func multierror(err error, errs ...error) error {
	me := &multiError{}
	// Only a top level multiError is extended, a wrapped one becomes the
	// first entry of a new multiError.
	e, ok := err.(*multiError) //nolint:errorlint

	if ok {
		me = e
	} else if err != nil {
		me.append(err)
	}

	for _, e := range errs {
		me.append(e)
	}

	return me
}

func parseRemoteObjectPreview(op *cdpruntime.ObjectPreview) (map[string]any, error) {
	obj := make(map[string]any)
	var result error
	if op.Overflow {
		result = multierror(result, &objectOverflowError{})
	}

	for _, p := range op.Properties {
		val, err := parseRemoteObjectValue(p.Type, p.Subtype, p.Value, p.ValuePreview)
		if err != nil {
			result = multierror(result, &objectPropertyParseError{err, p.Name})
			continue
		}
		obj[p.Name] = val
	}

	return obj, result
}

//nolint:cyclop
func parseRemoteObjectValue(
	t cdpruntime.Type, st cdpruntime.Subtype, val string, op *cdpruntime.ObjectPreview,
) (any, error) {
	switch t {
	case cdpruntime.TypeAccessor:
		return "accessor", nil
	case cdpruntime.TypeBigint:
		n, err := strconv.ParseInt(strings.ReplaceAll(val, "n", ""), 10, 64)
		if err != nil {
			return nil, BigIntParseError{err}
		}
		return n, nil
	case cdpruntime.TypeFunction:
		return "function()", nil
	case cdpruntime.TypeString:
		if !strings.HasPrefix(val, `"`) {
			return val, nil
		}
	case cdpruntime.TypeSymbol:
		return val, nil
	case cdpruntime.TypeObject:
		if op != nil {
			return parseRemoteObjectPreview(op)
		}
		if val == "Object" {
			return val, nil
		}
		if st == cdpruntime.SubtypeNull {
			return nil, nil
		}
	case cdpruntime.TypeUndefined:
		return nil, nil
	}

	if val == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(val), &v); err != nil {
		return nil, err
	}

	return v, nil
}

func parseExceptionDetails(exc *cdpruntime.ExceptionDetails) string {
	if exc == nil {
		return ""
	}
	var errMsg string
	if exc.Exception != nil {
		errMsg = exc.Exception.Description
		if errMsg == "" {
			if o, _ := parseRemoteObject(exc.Exception); o != nil {
				errMsg = fmt.Sprintf("%s", o)
			}
		}
	}
	if errMsg == "" {
		errMsg = exc.Text
	}
	return errMsg
}

// parseRemoteObject converts a remote value to its Go form. JSON values map
// to their encoding/json representation. undefined and null map to nil.
func parseRemoteObject(obj *cdpruntime.RemoteObject) (any, error) {
	if obj.UnserializableValue == "" {
		return parseRemoteObjectValue(obj.Type, obj.Subtype, string(obj.Value), obj.Preview)
	}

	switch obj.UnserializableValue.String() {
	case "-0": // To handle +0 divided by negative number
		return math.Float64frombits(0 | (1 << 63)), nil
	case "NaN":
		return math.NaN(), nil
	case "Infinity":
		return math.Inf(0), nil
	case "-Infinity":
		return math.Inf(-1), nil
	}

	return nil, UnserializableValueError{obj.UnserializableValue}
}

// parseRemoteObjectLogged parses obj and only fails on errors that lose the
// value. Partial object previews are logged and kept.
func parseRemoteObjectLogged(obj *cdpruntime.RemoteObject, logf func(string, ...any)) (any, error) {
	val, err := parseRemoteObject(obj)
	if err == nil {
		return val, nil
	}

	var merr *multiError
	if !errors.As(err, &merr) {
		return nil, fmt.Errorf("parsing remote object value: %w", err)
	}
	var (
		ooe *objectOverflowError
		ope *objectPropertyParseError
	)
	for _, e := range merr.Errors {
		switch {
		case errors.As(e, &ooe), errors.As(e, &ope):
			if logf != nil {
				logf("%v", e)
			}
		default:
			return nil, fmt.Errorf("parsing remote object value: %w", e)
		}
	}
	return val, nil
}
