package hooks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warelay/warelay/pkg/types/messaging"
)

func testContext() *Context {
	batch := []messaging.Message{
		{MessageID: "m1", UserID: "alice", Content: "hi", ReceivedAt: time.Unix(0, 0)},
	}
	return NewContext("alice", batch, time.Unix(10, 0))
}

func TestChain_RunPreOrderAndMetadata(t *testing.T) {
	var order []string
	chain := NewChain().AddPre(
		PreHookFunc("first", func(_ context.Context, hctx *Context) error {
			order = append(order, "first")
			hctx.SetMetadata("seen_by", "first")
			return nil
		}),
		PreHookFunc("second", func(_ context.Context, hctx *Context) error {
			order = append(order, "second")
			v, ok := hctx.Metadata("seen_by")
			require.True(t, ok)
			assert.Equal(t, "first", v)
			return nil
		}),
	)

	hctx := testContext()
	require.NoError(t, chain.RunPre(context.Background(), hctx))
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, map[string]any{"seen_by": "first"}, hctx.MetadataSnapshot())
}

func TestChain_AbortHaltsChain(t *testing.T) {
	ran := false
	chain := NewChain().AddPre(
		PreHookFunc("gate", func(context.Context, *Context) error {
			return Abort("blocked_user", "user is on the block list")
		}),
		PreHookFunc("never", func(context.Context, *Context) error {
			ran = true
			return nil
		}),
	)

	err := chain.RunPre(context.Background(), testContext())
	require.Error(t, err)
	assert.False(t, ran, "hooks after an abort must not run")

	ae, ok := IsAbort(err)
	require.True(t, ok)
	assert.Equal(t, "blocked_user", ae.Code)
	assert.Equal(t, "user is on the block list", ae.Reason)
}

func TestChain_ErrorIsWrappedWithHookName(t *testing.T) {
	chain := NewChain().AddPre(
		PreHookFunc("flaky", func(context.Context, *Context) error {
			return errors.New("boom")
		}),
	)

	err := chain.RunPre(context.Background(), testContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pre hook flaky")
	_, ok := IsAbort(err)
	assert.False(t, ok, "plain errors are not aborts")
}

func TestChain_AbortSurvivesWrapping(t *testing.T) {
	wrapped := errors.Wrap(Abort("policy", "rejected"), "outer context")
	ae, ok := IsAbort(wrapped)
	require.True(t, ok)
	assert.Equal(t, "policy", ae.Code)
}

func TestChain_RunPostOrder(t *testing.T) {
	var order []string
	chain := NewChain().AddPost(
		PostHookFunc("archive", func(context.Context, *Context) error {
			order = append(order, "archive")
			return nil
		}),
		PostHookFunc("audit", func(context.Context, *Context) error {
			order = append(order, "audit")
			return nil
		}),
	)

	require.NoError(t, chain.RunPost(context.Background(), testContext()))
	assert.Equal(t, []string{"archive", "audit"}, order)
}

func TestChain_EmptyChainIsNoop(t *testing.T) {
	chain := NewChain()
	hctx := testContext()
	assert.NoError(t, chain.RunPre(context.Background(), hctx))
	assert.NoError(t, chain.RunPost(context.Background(), hctx))
}

func TestContext_MetadataConcurrentAccess(t *testing.T) {
	hctx := testContext()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				hctx.SetMetadata("counter", i*100+j)
				_, _ = hctx.Metadata("counter")
			}
		}(i)
	}
	wg.Wait()
	_, ok := hctx.Metadata("counter")
	assert.True(t, ok)
}
