package async_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteline/internal/pkg/async"
)

func TestPoolExecute(t *testing.T) {
	pool := async.NewPool(3)
	tasks := []async.Task{
		{Name: "one", Execute: func(context.Context) (any, error) { return 1, nil }},
		{Name: "two", Execute: func(context.Context) (any, error) { return 2, nil }},
		{Name: "fail", Execute: func(context.Context) (any, error) { return nil, errors.New("boom") }},
	}

	results := pool.Execute(context.Background(), tasks)
	require.Len(t, results, 3)
	assert.Equal(t, 1, results["one"].Data)
	assert.Equal(t, 2, results["two"].Data)
	assert.EqualError(t, results["fail"].Err, "boom")
}

func TestPoolCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := async.NewPool(2).Execute(ctx, []async.Task{
		{Name: "late", Execute: func(context.Context) (any, error) { return "ran", nil }},
	})
	assert.ErrorIs(t, results["late"].Err, context.Canceled)
}
