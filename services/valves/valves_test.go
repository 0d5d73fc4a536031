package valves

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"water-my-garden-go/bus"
	"water-my-garden-go/errcode"
	"water-my-garden-go/services/hal/platform"
	"water-my-garden-go/services/topics"
	"water-my-garden-go/types"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

var pinMap = map[types.Section]int{
	types.Vegs: 10, types.Flowers: 11, types.Grass: 12, types.Terrace: 13,
}

func start(t *testing.T, activeLow bool, conn *bus.Connection) (*Service, *platform.HostPinFactory) {
	t.Helper()
	pf := &platform.HostPinFactory{}
	s, err := New(pf, Config{Pins: pinMap, ActiveLow: activeLow}, conn, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-s.done
	})
	return s, pf
}

func TestOutputsStartClosed(t *testing.T) {
	_, pf := start(t, false, nil)
	for _, n := range pinMap {
		require.True(t, pf.Pin(n).IsOutput())
		require.False(t, pf.Pin(n).Get(), "pin %d", n)
	}

	_, pfLow := start(t, true, nil)
	for _, n := range pinMap {
		require.True(t, pfLow.Pin(n).Get(), "active-low pin %d should idle high", n)
	}
}

func TestEnableDisableIdempotent(t *testing.T) {
	s, pf := start(t, false, nil)
	ctx := context.Background()

	require.NoError(t, s.Enable(ctx, types.Grass))
	require.NoError(t, s.Enable(ctx, types.Grass))
	require.True(t, pf.Pin(12).Get())

	open, err := s.Open(ctx)
	require.NoError(t, err)
	require.Equal(t, []types.Section{types.Grass}, open)

	require.NoError(t, s.Disable(ctx, types.Grass))
	require.NoError(t, s.Disable(ctx, types.Grass))
	require.False(t, pf.Pin(12).Get())
}

func TestNoneIsNoop(t *testing.T) {
	s, pf := start(t, false, nil)
	ctx := context.Background()

	require.NoError(t, s.Enable(ctx, types.None))
	require.NoError(t, s.Disable(ctx, types.None))
	for _, n := range pinMap {
		require.Zero(t, pf.Pin(n).Changes())
	}
}

func TestCloseAll(t *testing.T) {
	s, pf := start(t, true, nil)
	ctx := context.Background()

	require.NoError(t, s.Enable(ctx, types.Vegs))
	require.NoError(t, s.Enable(ctx, types.Terrace))
	require.False(t, pf.Pin(10).Get())

	require.NoError(t, s.CloseAll(ctx))
	open, err := s.Open(ctx)
	require.NoError(t, err)
	require.Empty(t, open)
	for _, n := range pinMap {
		require.True(t, pf.Pin(n).Get())
	}
}

func TestPublishesRetainedState(t *testing.T) {
	b := bus.NewBus(8)
	s, _ := start(t, false, b.NewConnection("valves"))

	require.NoError(t, s.Enable(context.Background(), types.Flowers))

	sub := b.NewConnection("test").Subscribe(topics.ValvesState)
	defer sub.Unsubscribe()
	select {
	case m := <-sub.Channel():
		st, ok := m.Payload.(types.ValveState)
		require.True(t, ok)
		require.Equal(t, []types.Section{types.Flowers}, st.Open)
	case <-time.After(time.Second):
		t.Fatal("no retained valve state")
	}
}

func TestMissingPin(t *testing.T) {
	_, err := New(&platform.HostPinFactory{}, Config{Pins: map[types.Section]int{types.Vegs: 1}}, nil, nil)
	require.Error(t, err)
	require.Equal(t, errcode.InvalidParams, errcode.Of(err))
}

func TestStoppedServiceClosesValvesAndRejectsCalls(t *testing.T) {
	pf := &platform.HostPinFactory{}
	s, err := New(pf, Config{Pins: pinMap}, nil, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	require.NoError(t, s.Enable(context.Background(), types.Vegs))
	cancel()
	<-s.done

	require.False(t, pf.Pin(10).Get())
	err = s.Enable(context.Background(), types.Vegs)
	require.Equal(t, errcode.NotRunning, errcode.Of(err))
}
