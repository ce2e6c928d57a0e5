package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/gbp/internal/types"
)

func TestEmit_SubscriptionOrder(t *testing.T) {
	d := New()
	var order []string

	for _, name := range []string{"first", "second", "third"} {
		name := name
		_, err := d.Bind(PostPull, func(context.Context, any) error {
			order = append(order, name)
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, d.Emit(context.Background(), PostPull, PostPullPayload{}))
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestEmit_FirstErrorSurfacedAfterFullDelivery(t *testing.T) {
	d := New()
	errFirst := errors.New("first failure")
	var delivered int

	d.Bind(Published, func(context.Context, any) error { delivered++; return errFirst })
	d.Bind(Published, func(context.Context, any) error { delivered++; return errors.New("second failure") })
	d.Bind(Published, func(context.Context, any) error { delivered++; return nil })

	err := d.Emit(context.Background(), Published, PublishedPayload{})
	require.ErrorIs(t, err, errFirst)
	require.Equal(t, 3, delivered, "all subscribers run even when one fails")
}

func TestBind_UnknownEvent(t *testing.T) {
	d := New()
	_, err := d.Bind(Event("nosuch"), func(context.Context, any) error { return nil })
	var unknown *UnknownEventError
	require.ErrorAs(t, err, &unknown)
}

func TestRegister_PluginEvent(t *testing.T) {
	d := New()
	require.NoError(t, d.Register(Event("gbp-fl-pull")))

	var got any
	_, err := d.Bind(Event("gbp-fl-pull"), func(_ context.Context, payload any) error {
		got = payload
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, d.Emit(context.Background(), Event("gbp-fl-pull"), 42))
	require.Equal(t, 42, got)
}

func TestRegister_Duplicate(t *testing.T) {
	d := New()
	var dup *DuplicateEventError
	require.ErrorAs(t, d.Register(PostPull), &dup)

	require.NoError(t, d.Register(Event("custom")))
	require.ErrorAs(t, d.Register(Event("custom")), &dup)
}

func TestUnbind(t *testing.T) {
	d := New()
	var calls int
	unbind, err := d.Bind(Tagged, func(context.Context, any) error { calls++; return nil })
	require.NoError(t, err)

	payload := TaggedPayload{Record: types.Record(types.Build{Machine: "m", BuildID: "1"}), Tag: "prod"}
	require.NoError(t, d.Emit(context.Background(), Tagged, payload))
	require.Equal(t, 1, calls)

	unbind()
	unbind() // second unbind is a no-op
	require.NoError(t, d.Emit(context.Background(), Tagged, payload))
	require.Equal(t, 1, calls)
}
