//go:build !rp2040 && !rp2350

package garden

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"water-my-garden-go/bus"
	"water-my-garden-go/services/config"
	"water-my-garden-go/services/hal/platform"
	"water-my-garden-go/services/topics"
	"water-my-garden-go/types"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

func TestScheduledRotationOnSimBoard(t *testing.T) {
	cfg := config.Default()
	cfg.Schedule.StartAt = "06:00"
	cfg.Schedule.DurationsMin = map[string]int{"vegs": 1, "flowers": 0, "grass": 1, "terrace": 1}
	// The emulator powers up with the oscillator-stop flag set; keep its time.
	cfg.RTC.SetTimeIfInvalid = false
	require.NoError(t, cfg.Validate())

	board := platform.NewSimBoard(time.Date(2026, 5, 1, 5, 59, 50, 0, time.UTC), cfg.RTC.IntPin)
	b := bus.NewBus(32)
	probe := b.NewConnection("probe")
	events := probe.Subscribe(topics.WateringEvent)

	ctx, cancel := context.WithCancel(context.Background())
	core, err := Start(ctx, b, board, cfg, nil)
	require.NoError(t, err)
	simDone := make(chan struct{})
	defer func() {
		cancel()
		core.Wait()
		<-simDone
	}()

	// The gateway applies the published schedule asynchronously.
	require.Eventually(t, func() bool {
		st, err := core.Watering.Status(ctx)
		return err == nil && st.StartAt != nil && st.Durations[types.Grass].Duration() == time.Minute
	}, 2*time.Second, 5*time.Millisecond)

	go func() {
		defer close(simDone)
		board.Run(ctx, time.Millisecond, time.Second)
	}()

	var got []types.Section
	deadline := time.After(10 * time.Second)
	for {
		select {
		case m := <-events.Channel():
			ev := m.Payload.(types.WateringEvent)
			if ev.To == types.StateIdle {
				require.Equal(t, []types.Section{types.Vegs, types.Grass, types.Terrace}, got)
				for _, n := range cfg.Valves.Pins {
					require.False(t, board.Pin(n).Get(), "pin %d left open", n)
				}
				return
			}
			require.Equal(t, types.StateScheduled, ev.To)
			got = append(got, ev.Section)
		case <-deadline:
			t.Fatalf("rotation did not finish, saw %v", got)
		}
	}
}

func TestDisabledStartDoesNotFollowAdhocRun(t *testing.T) {
	cfg := config.Default()
	cfg.Schedule.StartAt = "06:00"
	cfg.RTC.SetTimeIfInvalid = false
	require.NoError(t, cfg.Validate())

	board := platform.NewSimBoard(time.Date(2026, 5, 1, 5, 59, 50, 0, time.UTC), cfg.RTC.IntPin)
	b := bus.NewBus(32)
	watch := b.NewConnection("watch")
	events := watch.Subscribe(topics.WateringEvent)

	ctx, cancel := context.WithCancel(context.Background())
	core, err := Start(ctx, b, board, cfg, nil)
	require.NoError(t, err)
	simDone := make(chan struct{})
	defer func() {
		cancel()
		core.Wait()
		<-simDone
	}()

	require.Eventually(t, func() bool {
		st, err := core.Watering.Status(ctx)
		return err == nil && st.StartAt != nil
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, core.Watering.DisableWatering(ctx))
	// The run spans 06:00, so the disabled start time matches while it is open.
	d, err := types.SectionDurationFromMinutes(1)
	require.NoError(t, err)
	require.NoError(t, core.Watering.EnableSectionFor(ctx, types.Vegs, d))

	go func() {
		defer close(simDone)
		board.Run(ctx, time.Millisecond, time.Second)
	}()

	deadline := time.After(10 * time.Second)
	for idle := false; !idle; {
		select {
		case m := <-events.Channel():
			ev := m.Payload.(types.WateringEvent)
			require.NotEqual(t, types.StateScheduled, ev.To)
			idle = ev.To == types.StateIdle
		case <-deadline:
			t.Fatal("ad-hoc run did not finish")
		}
	}

	select {
	case m := <-events.Channel():
		t.Fatalf("unexpected event %+v", m.Payload)
	case <-time.After(300 * time.Millisecond):
	}
	st, err := core.Watering.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, types.StateIdle, st.State)
	require.Nil(t, st.StartAt)
}

func TestStartRejectsUnknownBus(t *testing.T) {
	cfg := config.Default()
	cfg.RTC.I2CBus = "i2c7"
	board := platform.NewSimBoard(time.Now(), cfg.RTC.IntPin)
	_, err := Start(context.Background(), bus.NewBus(4), board, cfg, nil)
	require.Error(t, err)
}

func TestStartWithEndedContextLeavesNothingRunning(t *testing.T) {
	cfg := config.Default()
	cfg.RTC.SetTimeIfInvalid = false
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Whether the subscriptions lose the race with ctx or not, every
	// goroutine Start launched must be gone once it has been handled.
	for i := 0; i < 20; i++ {
		board := platform.NewSimBoard(time.Date(2026, 5, 1, 5, 0, 0, 0, time.UTC), cfg.RTC.IntPin)
		core, err := Start(ctx, bus.NewBus(8), board, cfg, nil)
		if err != nil {
			require.Nil(t, core)
			continue
		}
		core.Wait()
	}
}

