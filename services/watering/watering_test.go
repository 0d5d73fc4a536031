package watering

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"water-my-garden-go/bus"
	"water-my-garden-go/errcode"
	"water-my-garden-go/services/topics"
	"water-my-garden-go/types"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

// recorder plays both the clock and the valves and keeps one ordered log of
// every call, so tests can diff the exact hardware sequence.
type recorder struct {
	mu    sync.Mutex
	calls []string
	open  map[types.Section]bool
	fail  map[string]error
	// maxOpen is the largest number of valves ever open at once.
	maxOpen int
}

func newRecorder() *recorder {
	return &recorder{open: map[types.Section]bool{}, fail: map[string]error{}}
}

func (r *recorder) do(call string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	if err, ok := r.fail[call]; ok {
		delete(r.fail, call)
		return err
	}
	return nil
}

func (r *recorder) failOn(call string, err error) {
	r.mu.Lock()
	r.fail[call] = err
	r.mu.Unlock()
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.calls
	r.calls = nil
	return c
}

func (r *recorder) Enable(_ context.Context, sec types.Section) error {
	if err := r.do("Enable(" + sec.String() + ")"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sec.Valid() {
		r.open[sec] = true
	}
	if len(r.open) > r.maxOpen {
		r.maxOpen = len(r.open)
	}
	return nil
}

func (r *recorder) Disable(_ context.Context, sec types.Section) error {
	if err := r.do("Disable(" + sec.String() + ")"); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.open, sec)
	r.mu.Unlock()
	return nil
}

func (r *recorder) CloseAll(context.Context) error {
	if err := r.do("CloseAll"); err != nil {
		return err
	}
	r.mu.Lock()
	r.open = map[types.Section]bool{}
	r.mu.Unlock()
	return nil
}

func (r *recorder) SetSectionAlarmAfter(_ context.Context, d time.Duration) error {
	return r.do("Arm(" + d.String() + ")")
}

func (r *recorder) SetWateringAlarmAt(_ context.Context, at types.TimeOfDay) error {
	return r.do("WateringAt(" + at.String() + ")")
}

func (r *recorder) DisableSectionAlarm(context.Context) error {
	return r.do("DisableSectionAlarm")
}

func (r *recorder) DisableWateringAlarm(context.Context) error {
	return r.do("DisableWateringAlarm")
}

type rig struct {
	svc    *Service
	rec    *recorder
	events chan types.AlarmEvent
	logs   *observer.ObservedLogs
	b      *bus.Bus
}

func newRig(t *testing.T) *rig {
	t.Helper()
	rec := newRecorder()
	// Unbuffered, so a send returns only once Run has picked the event up
	// and a following client call is handled after it.
	events := make(chan types.AlarmEvent)
	core, logs := observer.New(zapcore.DebugLevel)
	b := bus.NewBus(16)
	svc := New(rec, rec, events, b.NewConnection("watering"), zap.New(core).Sugar(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-svc.Done()
	})
	return &rig{svc: svc, rec: rec, events: events, logs: logs, b: b}
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (r *rig) fire(t *testing.T, a types.Alarm) {
	t.Helper()
	select {
	case r.events <- types.AlarmEvent{Alarm: a}:
	case <-time.After(time.Second):
		t.Fatalf("scheduler did not take %s alarm", a)
	}
}

func (r *rig) status(t *testing.T) types.WateringStatus {
	t.Helper()
	st, err := r.svc.Status(ctxT(t))
	require.NoError(t, err)
	return st
}

func (r *rig) setDurations(t *testing.T, minutes [types.NumSections]int) {
	t.Helper()
	for i, m := range minutes {
		d, err := types.SectionDurationFromMinutes(m)
		require.NoError(t, err)
		require.NoError(t, r.svc.SetSectionDuration(ctxT(t), types.AllSections[i], d))
	}
	r.rec.take()
}

func requireCalls(t *testing.T, r *rig, want ...string) {
	t.Helper()
	// Sync on the mailbox so every call of the last event has been made.
	r.status(t)
	if diff := cmp.Diff(want, r.rec.take()); diff != "" {
		t.Fatalf("hardware calls mismatch (-want +got):\n%s", diff)
	}
}

func mins(m int) types.SectionDuration {
	d, err := types.SectionDurationFromMinutes(m)
	if err != nil {
		panic(err)
	}
	return d
}

func TestFullRotation(t *testing.T) {
	r := newRig(t)
	r.setDurations(t, [types.NumSections]int{5, 10, 20, 8})

	r.fire(t, types.AlarmWatering)
	requireCalls(t, r, "Disable(none)", "Enable(vegs)", "Arm(5m0s)")
	st := r.status(t)
	require.Equal(t, types.StateScheduled, st.State)
	require.Equal(t, types.Vegs, st.Section)

	r.fire(t, types.AlarmSection)
	requireCalls(t, r, "Disable(vegs)", "Enable(flowers)", "Arm(10m0s)")
	r.fire(t, types.AlarmSection)
	requireCalls(t, r, "Disable(flowers)", "Enable(grass)", "Arm(20m0s)")
	r.fire(t, types.AlarmSection)
	requireCalls(t, r, "Disable(grass)", "Enable(terrace)", "Arm(8m0s)")
	r.fire(t, types.AlarmSection)
	requireCalls(t, r, "Disable(terrace)", "DisableSectionAlarm")

	st = r.status(t)
	require.Equal(t, types.StateIdle, st.State)
	require.Equal(t, types.None, st.Section)
	require.Equal(t, 1, r.rec.maxOpen)
}

func TestZeroSectionsAreSkippedButDisabled(t *testing.T) {
	r := newRig(t)
	r.setDurations(t, [types.NumSections]int{5, 0, 20, 0})

	r.fire(t, types.AlarmWatering)
	requireCalls(t, r, "Disable(none)", "Enable(vegs)", "Arm(5m0s)")
	r.fire(t, types.AlarmSection)
	requireCalls(t, r, "Disable(vegs)", "Disable(flowers)", "Enable(grass)", "Arm(20m0s)")
	r.fire(t, types.AlarmSection)
	requireCalls(t, r, "Disable(grass)", "Disable(terrace)", "DisableSectionAlarm")
	require.Equal(t, types.StateIdle, r.status(t).State)
}

func TestAllZeroPassStaysIdle(t *testing.T) {
	r := newRig(t)

	r.fire(t, types.AlarmWatering)
	requireCalls(t, r,
		"Disable(none)", "Disable(vegs)", "Disable(flowers)", "Disable(grass)", "Disable(terrace)",
		"DisableSectionAlarm")
	st := r.status(t)
	require.Equal(t, types.StateIdle, st.State)
	require.Equal(t, types.None, st.Section)
}

func TestOnlyLastSectionStillWalksWholeRing(t *testing.T) {
	r := newRig(t)
	r.setDurations(t, [types.NumSections]int{0, 0, 0, 1})

	r.fire(t, types.AlarmWatering)
	requireCalls(t, r,
		"Disable(none)", "Disable(vegs)", "Disable(flowers)", "Disable(grass)",
		"Enable(terrace)", "Arm(1m0s)")
	r.fire(t, types.AlarmSection)
	requireCalls(t, r, "Disable(terrace)", "DisableSectionAlarm")
}

func TestDurationChangeAppliesNextTimeSectionIsReached(t *testing.T) {
	r := newRig(t)
	r.setDurations(t, [types.NumSections]int{5, 10, 0, 0})

	r.fire(t, types.AlarmWatering)
	requireCalls(t, r, "Disable(none)", "Enable(vegs)", "Arm(5m0s)")

	// Vegs is already running; its change only matters next pass.
	require.NoError(t, r.svc.SetSectionDuration(ctxT(t), types.Vegs, mins(1)))
	require.NoError(t, r.svc.SetSectionDuration(ctxT(t), types.Flowers, mins(3)))
	requireCalls(t, r)

	r.fire(t, types.AlarmSection)
	requireCalls(t, r, "Disable(vegs)", "Enable(flowers)", "Arm(3m0s)")
}

func TestAdhocFromIdle(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.svc.EnableSectionFor(ctxT(t), types.Grass, mins(15)))
	requireCalls(t, r, "Enable(grass)", "Arm(15m0s)")
	st := r.status(t)
	require.Equal(t, types.StateAdhoc, st.State)
	require.Equal(t, types.Grass, st.Section)

	r.fire(t, types.AlarmSection)
	requireCalls(t, r, "CloseAll", "DisableSectionAlarm")
	require.Equal(t, types.StateIdle, r.status(t).State)
}

func TestAdhocWhileAdhocClosesFirst(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.svc.EnableSectionFor(ctxT(t), types.Grass, mins(15)))
	r.rec.take()
	require.NoError(t, r.svc.EnableSectionFor(ctxT(t), types.Vegs, mins(2)))
	requireCalls(t, r, "CloseAll", "Enable(vegs)", "Arm(2m0s)")
	require.Equal(t, types.Vegs, r.status(t).Section)
	require.Equal(t, 1, r.rec.maxOpen)
}

func TestAdhocZeroClosesEverything(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.svc.EnableSectionFor(ctxT(t), types.Terrace, mins(30)))
	r.rec.take()
	require.NoError(t, r.svc.EnableSectionFor(ctxT(t), types.Terrace, types.SectionDuration{}))
	requireCalls(t, r, "CloseAll", "DisableSectionAlarm")
	require.Equal(t, types.StateIdle, r.status(t).State)
}

func TestAdhocAbandonsRotation(t *testing.T) {
	r := newRig(t)
	r.setDurations(t, [types.NumSections]int{5, 10, 20, 8})

	r.fire(t, types.AlarmWatering)
	r.fire(t, types.AlarmSection)
	requireCalls(t, r, "Disable(none)", "Enable(vegs)", "Arm(5m0s)", "Disable(vegs)", "Enable(flowers)", "Arm(10m0s)")

	require.NoError(t, r.svc.EnableSectionFor(ctxT(t), types.Terrace, mins(1)))
	requireCalls(t, r, "CloseAll", "Enable(terrace)", "Arm(1m0s)")

	// Ad-hoc finishing does not resume the rotation.
	r.fire(t, types.AlarmSection)
	requireCalls(t, r, "CloseAll", "DisableSectionAlarm")
	require.Equal(t, types.StateIdle, r.status(t).State)
	require.Equal(t, 1, r.rec.maxOpen)
}

func TestWateringAlarmIgnoredWhileBusy(t *testing.T) {
	r := newRig(t)
	r.setDurations(t, [types.NumSections]int{5, 0, 0, 0})

	r.fire(t, types.AlarmWatering)
	requireCalls(t, r, "Disable(none)", "Enable(vegs)", "Arm(5m0s)")
	r.fire(t, types.AlarmWatering)
	requireCalls(t, r)
	require.Equal(t, types.Vegs, r.status(t).Section)
	require.Equal(t, 1, r.logs.FilterMessage("watering alarm ignored").Len())
}

func TestSectionAlarmWhileIdleIgnored(t *testing.T) {
	r := newRig(t)
	r.fire(t, types.AlarmSection)
	requireCalls(t, r)
	require.Equal(t, 1, r.logs.FilterMessage("section alarm while idle ignored").Len())
}

func TestCloseAllKeepsState(t *testing.T) {
	r := newRig(t)
	r.setDurations(t, [types.NumSections]int{5, 10, 0, 0})
	r.fire(t, types.AlarmWatering)
	requireCalls(t, r, "Disable(none)", "Enable(vegs)", "Arm(5m0s)")

	require.NoError(t, r.svc.CloseAllValves(ctxT(t)))
	requireCalls(t, r, "CloseAll")
	st := r.status(t)
	require.Equal(t, types.StateScheduled, st.State)
	require.Equal(t, types.Vegs, st.Section)

	r.fire(t, types.AlarmSection)
	requireCalls(t, r, "Disable(vegs)", "Enable(flowers)", "Arm(10m0s)")
}

func TestStartAndDisableWatering(t *testing.T) {
	r := newRig(t)
	at := types.TimeOfDay{Hour: 6, Minute: 30}

	require.NoError(t, r.svc.StartWateringAt(ctxT(t), at))
	requireCalls(t, r, "WateringAt(06:30)")
	st := r.status(t)
	require.NotNil(t, st.StartAt)
	require.Equal(t, at, *st.StartAt)

	require.NoError(t, r.svc.DisableWatering(ctxT(t)))
	requireCalls(t, r, "DisableWateringAlarm")
	require.Nil(t, r.status(t).StartAt)
}

func TestDisableWateringLeavesPassRunning(t *testing.T) {
	r := newRig(t)
	r.setDurations(t, [types.NumSections]int{5, 10, 0, 0})
	r.fire(t, types.AlarmWatering)
	requireCalls(t, r, "Disable(none)", "Enable(vegs)", "Arm(5m0s)")

	require.NoError(t, r.svc.DisableWatering(ctxT(t)))
	r.fire(t, types.AlarmSection)
	requireCalls(t, r, "DisableWateringAlarm", "Disable(vegs)", "Enable(flowers)", "Arm(10m0s)")
}

func TestValidationAtBoundary(t *testing.T) {
	r := newRig(t)

	err := r.svc.SetSectionDuration(ctxT(t), types.None, mins(5))
	require.ErrorIs(t, err, types.ErrUnknownSection)
	require.Equal(t, errcode.UnknownSection, errcode.Of(err))

	err = r.svc.EnableSectionFor(ctxT(t), types.Section(9), mins(5))
	require.ErrorIs(t, err, types.ErrUnknownSection)

	_, err = types.NewSectionDuration(2 * time.Hour)
	require.ErrorIs(t, err, types.ErrDurationOutOfRange)

	requireCalls(t, r)
	st := r.status(t)
	for _, sec := range types.AllSections {
		require.True(t, st.Durations[sec].IsZero(), sec.String())
	}
}

func TestStatusReportsDurations(t *testing.T) {
	r := newRig(t)
	r.setDurations(t, [types.NumSections]int{5, 0, 119, 8})

	want := map[types.Section]types.SectionDuration{
		types.Vegs:    mins(5),
		types.Flowers: {},
		types.Grass:   mins(119),
		types.Terrace: mins(8),
	}
	got := r.status(t).Durations
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b types.SectionDuration) bool {
		return a.Duration() == b.Duration()
	})); diff != "" {
		t.Fatalf("durations mismatch (-want +got):\n%s", diff)
	}
}

func TestHardwareFailureAborts(t *testing.T) {
	r := newRig(t)
	r.setDurations(t, [types.NumSections]int{5, 10, 0, 0})
	boom := errors.New("i2c: nack")

	r.rec.failOn("Arm(5m0s)", boom)
	r.fire(t, types.AlarmWatering)
	requireCalls(t, r, "Disable(none)", "Enable(vegs)", "Arm(5m0s)", "CloseAll", "DisableSectionAlarm")
	require.Equal(t, types.StateIdle, r.status(t).State)
	require.Equal(t, 1, r.logs.FilterMessage("watering step failed, closing valves").Len())

	// The next pass starts from a clean slate.
	r.fire(t, types.AlarmWatering)
	requireCalls(t, r, "Disable(none)", "Enable(vegs)", "Arm(5m0s)")
}

func TestAdhocFailureReturnsError(t *testing.T) {
	r := newRig(t)
	boom := errors.New("gpio stuck")

	r.rec.failOn("Enable(flowers)", boom)
	err := r.svc.EnableSectionFor(ctxT(t), types.Flowers, mins(5))
	require.ErrorIs(t, err, boom)
	requireCalls(t, r, "Enable(flowers)", "CloseAll", "DisableSectionAlarm")
	require.Equal(t, types.StateIdle, r.status(t).State)
}

func TestStartWateringAtFailureKeepsOldTime(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.svc.StartWateringAt(ctxT(t), types.TimeOfDay{Hour: 7}))
	r.rec.failOn("WateringAt(08:00)", errors.New("nack"))

	require.Error(t, r.svc.StartWateringAt(ctxT(t), types.TimeOfDay{Hour: 8}))
	require.Equal(t, types.TimeOfDay{Hour: 7}, *r.status(t).StartAt)
}

func TestPublishesStateAndEvents(t *testing.T) {
	r := newRig(t)
	conn := r.b.NewConnection("test")
	events := conn.Subscribe(topics.WateringEvent)
	defer conn.Unsubscribe(events)

	require.NoError(t, r.svc.EnableSectionFor(ctxT(t), types.Grass, mins(1)))

	select {
	case m := <-events.Channel():
		ev := m.Payload.(types.WateringEvent)
		require.Equal(t, types.StateIdle, ev.From)
		require.Equal(t, types.StateAdhoc, ev.To)
		require.Equal(t, types.Grass, ev.Section)
		require.Equal(t, time.Minute, ev.Duration)
	case <-time.After(time.Second):
		t.Fatal("no watering event")
	}

	state := conn.Subscribe(topics.WateringState)
	defer conn.Unsubscribe(state)
	select {
	case m := <-state.Channel():
		require.True(t, m.Retained)
		require.Equal(t, types.StateAdhoc, m.Payload.(types.WateringStatus).State)
	case <-time.After(time.Second):
		t.Fatal("no retained watering state")
	}
}

func TestStoppedServiceNotRunning(t *testing.T) {
	rec := newRecorder()
	svc := New(rec, rec, make(chan types.AlarmEvent), nil, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	cancel()
	<-svc.Done()

	_, err := svc.Status(ctxT(t))
	require.ErrorIs(t, err, errcode.NotRunning)
}
