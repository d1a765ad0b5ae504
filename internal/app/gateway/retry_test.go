package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedGateway lets a test control exactly which errors Invoke/Stream
// return on successive calls, independent of FakeGateway's prompt echoing.
type scriptedGateway struct {
	invokeErrs []error
	calls      int
}

func (g *scriptedGateway) Invoke(ctx context.Context, modelID, prompt string, opts Opts) (string, Usage, error) {
	idx := g.calls
	g.calls++
	if idx < len(g.invokeErrs) && g.invokeErrs[idx] != nil {
		return "", Usage{}, g.invokeErrs[idx]
	}
	return "ok", Usage{TotalTokens: 1}, nil
}

func (g *scriptedGateway) Stream(ctx context.Context, modelID, prompt string, opts Opts) (Stream, error) {
	return nil, errors.New("not implemented")
}

func TestRetrying_RetriesRateLimitedUntilSuccess(t *testing.T) {
	inner := &scriptedGateway{invokeErrs: []error{
		NewModelError(KindRateLimited, "m", "rl", nil),
		NewModelError(KindTimeout, "m", "to", nil),
		nil,
	}}
	r := NewRetrying(inner, 5, nil)
	r.InitialBackoff = time.Millisecond
	r.MaxBackoff = 5 * time.Millisecond

	text, usage, err := r.Invoke(context.Background(), "m", "hi", Opts{})
	require.NoError(t, err)
	require.Equal(t, "ok", text)
	require.Equal(t, 1, usage.TotalTokens)
	require.Equal(t, 3, inner.calls)
}

func TestRetrying_DoesNotRetryNonRetryableKind(t *testing.T) {
	inner := &scriptedGateway{invokeErrs: []error{
		NewModelError(KindInvalid, "m", "bad schema", nil),
	}}
	r := NewRetrying(inner, 5, nil)

	_, _, err := r.Invoke(context.Background(), "m", "hi", Opts{})
	require.Error(t, err)
	me, ok := AsModelError(err)
	require.True(t, ok)
	require.Equal(t, KindInvalid, me.Kind)
	require.Equal(t, 1, inner.calls)
}

func TestRetrying_ExhaustsRetriesAndReturnsLastError(t *testing.T) {
	inner := &scriptedGateway{invokeErrs: []error{
		NewModelError(KindTimeout, "m", "to1", nil),
		NewModelError(KindTimeout, "m", "to2", nil),
	}}
	r := NewRetrying(inner, 1, nil)

	_, _, err := r.Invoke(context.Background(), "m", "hi", Opts{})
	require.Error(t, err)
	require.Equal(t, 2, inner.calls)
}

func TestFakeGateway_StreamEmitsDeltasThenDone(t *testing.T) {
	g := NewFakeGateway()
	g.Script("m", FakeResponse{Text: "hello world"})

	stream, err := g.Stream(context.Background(), "m", "prompt", Opts{})
	require.NoError(t, err)

	var text string
	var sawDone bool
	for d := range stream {
		text += d.Text
		if d.Done {
			sawDone = true
			require.NotNil(t, d.Usage)
		}
	}
	require.True(t, sawDone)
	require.Equal(t, "hello world", text)
}

func TestFakeGateway_CancellationStopsStream(t *testing.T) {
	g := NewFakeGateway()
	g.Script("m", FakeResponse{Text: "a b c d e f g", Delay: 0})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stream, err := g.Stream(ctx, "m", "prompt", Opts{})
	require.NoError(t, err)

	for d := range stream {
		if d.Err != nil {
			require.ErrorIs(t, d.Err, context.Canceled)
		}
	}
}
