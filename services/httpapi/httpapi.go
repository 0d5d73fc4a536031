//go:build !rp2040 && !rp2350

// Package httpapi is the HTTP front end. Every route is a thin adapter over
// a bus request answered by the gateway.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"water-my-garden-go/bus"
	"water-my-garden-go/errcode"
	"water-my-garden-go/services/gateway"
	"water-my-garden-go/services/topics"
	"water-my-garden-go/types"
	"water-my-garden-go/x/logx"
)

// MaxBodyBytes is the largest request body accepted.
const MaxBodyBytes = 128

type Config struct {
	// RateLimitPerMin is per client IP; zero disables limiting.
	RateLimitPerMin int
	Timeout         time.Duration
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
}

type Server struct {
	conn *bus.Connection
	cfg  Config
	log  logx.Logger
}

func New(conn *bus.Connection, cfg Config, log logx.Logger) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Server{conn: conn, cfg: cfg, log: logx.OrNop(log)}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.cfg.RateLimitPerMin > 0 {
		r.Use(httprate.Limit(
			s.cfg.RateLimitPerMin,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", "60")
				writeJSON(w, http.StatusTooManyRequests, types.ErrorReply{Error: string(errcode.Busy), Detail: "rate limit exceeded"})
			}),
		))
	}

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "It works!")
	})
	r.Post("/start_watering_at", s.command(topics.WateringVerb(topics.VerbStartAt)))
	r.Post("/set_section_duration", s.command(topics.WateringVerb(topics.VerbSetDuration)))
	r.Post("/enable_section_for", s.command(topics.WateringVerb(topics.VerbEnableFor)))
	r.Post("/close_all_valves", s.command(topics.WateringVerb(topics.VerbCloseAll)))
	r.Post("/disable_watering", s.command(topics.WateringVerb(topics.VerbDisable)))
	r.Post("/set_time", s.command(topics.ClockVerb(topics.VerbSetTime)))
	r.Get("/status", s.query(topics.StatusGet))
	r.Get("/time", s.query(topics.ClockVerb(topics.VerbTime)))
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}
	return r
}

// Serve listens on addr until ctx ends.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Infow("http listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := srv.Shutdown(sctx)
		<-errc
		return err
	}
}

func (s *Server) command(t bus.Topic) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeJSON(w, http.StatusRequestEntityTooLarge, types.ErrorReply{
					Error: string(errcode.InvalidPayload), Detail: "body over " + strconv.Itoa(MaxBodyBytes) + " bytes",
				})
				return
			}
			writeJSON(w, http.StatusBadRequest, gateway.ErrorReply(err))
			return
		}
		var payload any
		if len(body) > 0 {
			payload = body
		}
		s.forward(w, r, t, payload)
	}
}

func (s *Server) query(t bus.Topic) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.forward(w, r, t, nil)
	}
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, t bus.Topic, payload any) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
	defer cancel()
	rep, err := s.conn.RequestWait(ctx, s.conn.NewMessage(t, payload, false))
	if err != nil {
		s.log.Warnw("http request failed", "path", r.URL.Path, "err", err)
		er := gateway.ErrorReply(err)
		writeJSON(w, statusFor(errcode.Code(er.Error)), er)
		return
	}
	if er, ok := rep.Payload.(types.ErrorReply); ok {
		writeJSON(w, statusFor(errcode.Code(er.Error)), er)
		return
	}
	writeJSON(w, http.StatusOK, rep.Payload)
}

func statusFor(c errcode.Code) int {
	switch c {
	case errcode.InvalidDuration, errcode.UnknownSection, errcode.InvalidTime,
		errcode.InvalidParams, errcode.InvalidPayload, errcode.InvalidTopic:
		return http.StatusBadRequest
	case errcode.Timeout:
		return http.StatusGatewayTimeout
	case errcode.NotRunning, errcode.Busy:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
