package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGlobalLoggerUsableBeforeInit(t *testing.T) {
	require.NotNil(t, L)
	require.NotPanics(t, func() { L.Info("before init") })
	require.Same(t, L, FromContext(context.Background()))
}

func TestFromContextPrefersAttachedLogger(t *testing.T) {
	prevL, prevDefault := L, slog.Default()
	t.Cleanup(func() {
		L = prevL
		slog.SetDefault(prevDefault)
	})

	var buf bytes.Buffer
	initWithWriter("debug", &buf)

	ctx := WithContext(context.Background(), L.With("run_id", int64(7)))
	FromContext(ctx).Debug("page fetched")
	require.Contains(t, buf.String(), `"run_id":7`)
	require.Contains(t, buf.String(), `"msg":"page fetched"`)

	require.Same(t, L, FromContext(context.Background()))
}
