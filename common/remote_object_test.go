package common

import (
	"errors"
	"math"
	"testing"

	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRemoteObject(t *testing.T) {
	t.Parallel()

	t.Run("json values", func(t *testing.T) {
		t.Parallel()

		testCases := []struct {
			name string
			obj  *cdpruntime.RemoteObject
			want any
		}{
			{"number", numberArg(5), float64(5)},
			{"string", stringArg("hello"), "hello"},
			{"bool", &cdpruntime.RemoteObject{Type: cdpruntime.TypeBoolean, Value: []byte("true")}, true},
			{"undefined", &cdpruntime.RemoteObject{Type: cdpruntime.TypeUndefined}, nil},
			{"null", &cdpruntime.RemoteObject{Type: cdpruntime.TypeObject, Subtype: cdpruntime.SubtypeNull, Value: []byte("null")}, nil},
			{"bigint", &cdpruntime.RemoteObject{Type: cdpruntime.TypeBigint, Value: []byte("12n")}, int64(12)},
			{"function", &cdpruntime.RemoteObject{Type: cdpruntime.TypeFunction}, "function()"},
			{
				"object",
				&cdpruntime.RemoteObject{Type: cdpruntime.TypeObject, Value: easyjson.RawMessage(`{"a":1,"b":[true]}`)},
				map[string]any{"a": float64(1), "b": []any{true}},
			},
		}
		for _, tc := range testCases {
			tc := tc
			t.Run(tc.name, func(t *testing.T) {
				t.Parallel()

				v, err := parseRemoteObject(tc.obj)
				require.NoError(t, err)
				assert.Equal(t, tc.want, v)
			})
		}
	})

	t.Run("unserializable values", func(t *testing.T) {
		t.Parallel()

		v, err := parseRemoteObject(&cdpruntime.RemoteObject{Type: cdpruntime.TypeNumber, UnserializableValue: "-0"})
		require.NoError(t, err)
		assert.True(t, math.Signbit(v.(float64)))

		v, err = parseRemoteObject(&cdpruntime.RemoteObject{Type: cdpruntime.TypeNumber, UnserializableValue: "NaN"})
		require.NoError(t, err)
		assert.True(t, math.IsNaN(v.(float64)))

		v, err = parseRemoteObject(&cdpruntime.RemoteObject{Type: cdpruntime.TypeNumber, UnserializableValue: "-Infinity"})
		require.NoError(t, err)
		assert.True(t, math.IsInf(v.(float64), -1))

		_, err = parseRemoteObject(&cdpruntime.RemoteObject{Type: cdpruntime.TypeBigint, UnserializableValue: "123456789012345678901234567890n"})
		var uerr UnserializableValueError
		require.ErrorAs(t, err, &uerr)
	})

	t.Run("bigint overflow", func(t *testing.T) {
		t.Parallel()

		_, err := parseRemoteObjectValue(cdpruntime.TypeBigint, "", "123456789012345678901234567890n", nil)
		var berr BigIntParseError
		require.ErrorAs(t, err, &berr)
	})

	t.Run("preview", func(t *testing.T) {
		t.Parallel()

		obj := &cdpruntime.RemoteObject{
			Type: cdpruntime.TypeObject,
			Preview: &cdpruntime.ObjectPreview{
				Overflow: true,
				Properties: []*cdpruntime.PropertyPreview{
					{Name: "n", Type: cdpruntime.TypeNumber, Value: "1"},
					{Name: "s", Type: cdpruntime.TypeString, Value: "x"},
					{Name: "big", Type: cdpruntime.TypeBigint, Value: "123456789012345678901234567890n"},
				},
			},
		}

		_, err := parseRemoteObject(obj)
		var merr *multiError
		require.ErrorAs(t, err, &merr)
		assert.Len(t, merr.Errors, 2)

		var logged []string
		v, err := parseRemoteObjectLogged(obj, func(format string, args ...any) {
			logged = append(logged, format)
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"n": float64(1), "s": "x"}, v)
		assert.Len(t, logged, 2)
	})
}

func TestParseExceptionDetails(t *testing.T) {
	t.Parallel()

	assert.Empty(t, parseExceptionDetails(nil))
	assert.Equal(t, "Error: boom", parseExceptionDetails(&cdpruntime.ExceptionDetails{
		Text:      "Uncaught",
		Exception: &cdpruntime.RemoteObject{Type: cdpruntime.TypeObject, Description: "Error: boom"},
	}))
	assert.Equal(t, "Uncaught", parseExceptionDetails(&cdpruntime.ExceptionDetails{Text: "Uncaught"}))
}

func TestMultiError(t *testing.T) {
	t.Parallel()

	errA, errB := errors.New("a"), errors.New("b")
	err := multierror(nil, errA)
	err = multierror(err, errB)

	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
	assert.Equal(t, "2 errors occurred:\n\t* a\n\t* b\n", err.Error())
}
