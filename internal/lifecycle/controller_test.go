package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestControllerStartStopOrder(t *testing.T) {
	var order []string
	c := New(nil)
	for _, name := range []string{"bus", "workers", "aggregator", "ingress"} {
		name := name
		c.Add(Component{
			Name:  name,
			Start: func(ctx context.Context) error { order = append(order, "start:"+name); return nil },
			Stop:  func(ctx context.Context) error { order = append(order, "stop:"+name); return nil },
		})
	}

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop(context.Background()))

	require.Equal(t, []string{
		"start:bus", "start:workers", "start:aggregator", "start:ingress",
		"stop:ingress", "stop:aggregator", "stop:workers", "stop:bus",
	}, order)
}

func TestControllerStartFailureRollsBackStartedComponents(t *testing.T) {
	var order []string
	c := New(nil)
	c.Add(Component{
		Name:  "bus",
		Start: func(ctx context.Context) error { order = append(order, "start:bus"); return nil },
		Stop:  func(ctx context.Context) error { order = append(order, "stop:bus"); return nil },
	})
	c.Add(Component{
		Name:  "workers",
		Start: func(ctx context.Context) error { return errors.New("boom") },
		Stop:  func(ctx context.Context) error { order = append(order, "stop:workers"); return nil },
	})

	err := c.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, []string{"start:bus", "stop:bus"}, order)
}

func TestControllerStopContinuesPastErrors(t *testing.T) {
	var order []string
	c := New(nil)
	c.Add(Component{
		Name:  "a",
		Start: func(ctx context.Context) error { return nil },
		Stop:  func(ctx context.Context) error { order = append(order, "a"); return errors.New("a failed") },
	})
	c.Add(Component{
		Name:  "b",
		Start: func(ctx context.Context) error { return nil },
		Stop:  func(ctx context.Context) error { order = append(order, "b"); return nil },
	})

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
	require.Equal(t, []string{"b", "a"}, order)
}
