package log

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEveryNThrottles(t *testing.T) {
	e := Every(50 * time.Millisecond)
	require.True(t, e.ShouldLog())
	require.False(t, e.ShouldLog())
	time.Sleep(60 * time.Millisecond)
	require.True(t, e.ShouldLog())
}

func TestAmbientContextAnnotate(t *testing.T) {
	a := MakeAmbientContext().AddTag("T", "tablet-1").AddTag("P", "peer-1")
	ctx := a.AnnotateCtx(context.Background())
	// Annotation should not panic, including when re-annotating a context
	// that already carries the same tags.
	ctx2 := a.AnnotateCtx(ctx)
	require.NotNil(t, ctx2)
}
