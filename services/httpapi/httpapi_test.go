//go:build !rp2040 && !rp2350

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"water-my-garden-go/bus"
	"water-my-garden-go/errcode"
	"water-my-garden-go/services/gateway"
	"water-my-garden-go/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type fakeCore struct {
	mu      sync.Mutex
	calls   []string
	err     error
	stall   bool
	durs    map[types.Section]types.SectionDuration
	clockAt time.Time
}

func (f *fakeCore) rec(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
	return f.err
}

func (f *fakeCore) StartWateringAt(_ context.Context, at types.TimeOfDay) error {
	return f.rec("start_at " + at.String())
}

func (f *fakeCore) SetSectionDuration(_ context.Context, sec types.Section, d types.SectionDuration) error {
	f.mu.Lock()
	f.durs[sec] = d
	f.mu.Unlock()
	return f.rec("duration " + sec.String() + " " + d.String())
}

func (f *fakeCore) EnableSectionFor(_ context.Context, sec types.Section, d types.SectionDuration) error {
	return f.rec("enable " + sec.String() + " " + d.String())
}

func (f *fakeCore) CloseAllValves(context.Context) error  { return f.rec("close") }
func (f *fakeCore) DisableWatering(context.Context) error { return f.rec("disable") }

func (f *fakeCore) Status(ctx context.Context) (types.WateringStatus, error) {
	f.mu.Lock()
	stall := f.stall
	f.mu.Unlock()
	if stall {
		<-ctx.Done()
		return types.WateringStatus{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d := make(map[types.Section]types.SectionDuration, len(f.durs))
	for k, v := range f.durs {
		d[k] = v
	}
	return types.WateringStatus{State: types.StateIdle, Section: types.None, Durations: d}, nil
}

type fakeClock struct{ *fakeCore }

func (c fakeClock) Status(context.Context) (types.ClockStatus, error) {
	return types.ClockStatus{TempMilliC: 24500, Now: c.clockAt}, nil
}
func (c fakeClock) DateTime(context.Context) (time.Time, error) { return c.clockAt, nil }
func (c fakeClock) SetTime(_ context.Context, t time.Time) error {
	return c.rec("set_time " + t.UTC().Format(time.RFC3339))
}

func newServer(t *testing.T, cfg Config) (*httptest.Server, *fakeCore) {
	t.Helper()
	core := &fakeCore{durs: map[types.Section]types.SectionDuration{}, clockAt: time.Date(2026, 6, 1, 20, 30, 0, 0, time.UTC)}
	b := bus.NewBus(16)
	g := gateway.New(core, fakeClock{core}, b.NewConnection("gateway"), nil, 100*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Run(ctx)
	}()

	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	srv := httptest.NewServer(New(b.NewConnection("http"), cfg, nil).Router())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})

	// The gateway subscribes asynchronously.
	require.Eventually(t, func() bool {
		res, err := http.Get(srv.URL + "/time")
		if err != nil {
			return false
		}
		res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, time.Second, 5*time.Millisecond)
	return srv, core
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, string(b)
}

func TestRoot(t *testing.T) {
	srv, _ := newServer(t, Config{})
	code, body := do(t, http.MethodGet, srv.URL+"/", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "It works!", body)
}

func TestCommands(t *testing.T) {
	srv, core := newServer(t, Config{})

	cases := []struct {
		path, body, call string
	}{
		{"/start_watering_at", `{"time":"20:30"}`, "start_at 20:30"},
		{"/set_section_duration", `{"section":"vegs","duration":5}`, "duration vegs 5m0s"},
		{"/enable_section_for", `{"section":"terrace","duration":1}`, "enable terrace 1m0s"},
		{"/close_all_valves", ``, "close"},
		{"/disable_watering", ``, "disable"},
		{"/set_time", `{"time":"2026-01-02T03:04:05Z"}`, "set_time 2026-01-02T03:04:05Z"},
	}
	for _, c := range cases {
		code, body := do(t, http.MethodPost, srv.URL+c.path, c.body)
		require.Equal(t, http.StatusOK, code, c.path+": "+body)
		require.JSONEq(t, `{"ok":true}`, body)
	}
	core.mu.Lock()
	defer core.mu.Unlock()
	require.Len(t, core.calls, len(cases))
	for i, c := range cases {
		require.Equal(t, c.call, core.calls[i])
	}
}

func TestStatus(t *testing.T) {
	srv, _ := newServer(t, Config{})
	code, _ := do(t, http.MethodPost, srv.URL+"/set_section_duration", `{"section":"grass","duration":20}`)
	require.Equal(t, http.StatusOK, code)

	code, body := do(t, http.MethodGet, srv.URL+"/status", "")
	require.Equal(t, http.StatusOK, code)
	var st types.GardenStatus
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	require.Equal(t, types.StateIdle, st.Watering.State)
	require.Equal(t, 20*time.Minute, st.Watering.Durations[types.Grass].Duration())
	require.Equal(t, int32(24500), st.Clock.TempMilliC)
}

func TestErrorMapping(t *testing.T) {
	srv, core := newServer(t, Config{})

	code, body := do(t, http.MethodPost, srv.URL+"/enable_section_for", `{"section":"roses","duration":5}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, body, `"unknown_section"`)

	code, body = do(t, http.MethodPost, srv.URL+"/set_section_duration", `{"section":"vegs","duration":120}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, body, `"invalid_duration"`)

	code, body = do(t, http.MethodPost, srv.URL+"/start_watering_at", strings.Repeat(" ", MaxBodyBytes+1))
	require.Equal(t, http.StatusRequestEntityTooLarge, code)
	require.Contains(t, body, `"invalid_payload"`)

	core.mu.Lock()
	core.err = errcode.Hardware("valve enable", errors.New("nack"))
	core.mu.Unlock()
	code, body = do(t, http.MethodPost, srv.URL+"/close_all_valves", "")
	require.Equal(t, http.StatusInternalServerError, code)
	require.Contains(t, body, `"hardware_fault"`)

	core.mu.Lock()
	core.err = nil
	core.stall = true
	core.mu.Unlock()
	code, body = do(t, http.MethodGet, srv.URL+"/status", "")
	require.Equal(t, http.StatusGatewayTimeout, code)
	require.Contains(t, body, `"timeout"`)

	code, _ = do(t, http.MethodGet, srv.URL+"/enable_section_for", "")
	require.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestRateLimit(t *testing.T) {
	h := New(nil, Config{RateLimitPerMin: 2}, nil).Router()
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.7:1234"
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestMetricsMounted(t *testing.T) {
	h := New(nil, Config{Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "garden_up 1\n")
	})}, nil).Router()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "garden_up 1\n", rec.Body.String())
}
