package orbit

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMockCheckerScriptedResponses(t *testing.T) {
	mc := NewMockChecker(
		MockResponse{Retval: []byte("first")},
		MockResponse{Retval: []byte("second"), Err: errBoom},
	)

	r1, err1 := mc.Entry(nil, &CallContext{}, []byte("a"))
	require.NoError(t, err1)
	require.Equal(t, []byte("first"), r1)

	r2, err2 := mc.Entry(nil, &CallContext{}, []byte("b"))
	require.ErrorIs(t, err2, errBoom)
	require.Equal(t, []byte("second"), r2)

	require.Equal(t, 2, mc.CallCount())
	calls := mc.Calls()
	require.Len(t, calls, 2)
	require.True(t, bytes.Equal(calls[0], []byte("a")))
	require.True(t, bytes.Equal(calls[1], []byte("b")))
}

func TestMockCheckerLoopsLastResponse(t *testing.T) {
	mc := NewMockChecker(MockResponse{Retval: []byte("only")}).Loop(true)

	for i := 0; i < 3; i++ {
		r, err := mc.Entry(nil, &CallContext{}, nil)
		require.NoError(t, err)
		require.Equal(t, []byte("only"), r)
	}
	require.Equal(t, 3, mc.CallCount())
}

func TestMockCheckerPastEndWithoutLoopReturnsZeroValue(t *testing.T) {
	mc := NewMockChecker(MockResponse{Retval: []byte("x")})

	_, _ = mc.Entry(nil, &CallContext{}, nil)
	r, err := mc.Entry(nil, &CallContext{}, nil)
	require.NoError(t, err)
	require.Nil(t, r)
}

func TestMockCheckerResetClearsHistoryOnly(t *testing.T) {
	mc := NewMockChecker(MockResponse{Retval: []byte("x")}, MockResponse{Retval: []byte("y")})
	_, _ = mc.Entry(nil, &CallContext{}, nil)
	mc.Reset()
	require.Equal(t, 0, mc.CallCount())

	r, _ := mc.Entry(nil, &CallContext{}, nil)
	require.Equal(t, []byte("x"), r)
}

var errBoom = newTestErr("boom")

type testErr string

func (e testErr) Error() string { return string(e) }

func newTestErr(s string) error { return testErr(s) }
