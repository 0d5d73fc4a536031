package gateway

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"water-my-garden-go/bus"
	"water-my-garden-go/errcode"
	"water-my-garden-go/services/topics"
	"water-my-garden-go/types"
	"water-my-garden-go/x/logx"
)

const usage = `commands:
  start_at HH:MM               daily watering start
  duration <section> <min>     daily duration of a section (0 skips it)
  enable <section> <min>       water a section now (0 closes all)
  close                        close all valves
  disable                      cancel daily watering
  status                       schedule and clock status
  time                         RTC time
  set_time <RFC3339>           set the RTC
  help
sections: vegs flowers grass terrace`

// Console speaks the line protocol used on the serial port: one command per
// line, answered with OK, ERR <code>: <detail> or a status block.
type Console struct {
	conn    *bus.Connection
	log     logx.Logger
	timeout time.Duration
}

func NewConsole(conn *bus.Connection, log logx.Logger, timeout time.Duration) *Console {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Console{conn: conn, log: logx.OrNop(log), timeout: timeout}
}

// Serve reads commands from rw until ctx ends or the reader fails.
func (c *Console) Serve(ctx context.Context, rw io.ReadWriter) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(rw)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			if err == nil {
				err = io.EOF
			}
			return err
		case line := <-lines:
			out := c.Handle(ctx, line)
			if out == "" {
				continue
			}
			if _, err := io.WriteString(rw, out+"\r\n"); err != nil {
				return err
			}
		}
	}
}

// Handle runs one command line and returns the reply text. Blank lines yield
// an empty reply.
func (c *Console) Handle(ctx context.Context, line string) string {
	f := strings.Fields(line)
	if len(f) == 0 {
		return ""
	}
	cmd := strings.ToLower(f[0])
	if cmd == "help" || cmd == "?" {
		return usage
	}
	topic, payload, err := parseCommand(cmd, f[1:])
	if err != nil {
		return errLine(err)
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	rep, err := c.conn.RequestWait(rctx, c.conn.NewMessage(topic, payload, false))
	if err != nil {
		c.log.Warnw("console request failed", "cmd", cmd, "err", err)
		return errLine(err)
	}
	return render(rep.Payload)
}

func errLine(err error) string {
	return "ERR " + string(errcode.Of(err)) + ": " + errcode.Detail(err)
}

var errUsage = errors.New("bad arguments, try help")

func usageErr(form string) error {
	return &errcode.E{C: errcode.InvalidParams, Msg: "usage: " + form}
}

func parseCommand(cmd string, args []string) (bus.Topic, any, error) {
	switch cmd {
	case "start_at":
		if len(args) != 1 {
			return nil, nil, usageErr("start_at HH:MM")
		}
		at, err := types.ParseTimeOfDay(args[0])
		if err != nil {
			return nil, nil, err
		}
		return topics.WateringVerb(topics.VerbStartAt), types.StartWateringAt{Time: at}, nil

	case "duration", "enable":
		if len(args) != 2 {
			return nil, nil, usageErr(cmd + " <section> <minutes>")
		}
		sec, err := types.ParseSection(args[0])
		if err != nil {
			return nil, nil, err
		}
		m, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, nil, &types.ValidationError{Field: "duration", Value: args[1], Err: types.ErrDurationOutOfRange}
		}
		d, err := types.SectionDurationFromMinutes(m)
		if err != nil {
			return nil, nil, err
		}
		if cmd == "duration" {
			return topics.WateringVerb(topics.VerbSetDuration), types.SetSectionDuration{Section: sec, Duration: d}, nil
		}
		return topics.WateringVerb(topics.VerbEnableFor), types.EnableSectionFor{Section: sec, Duration: d}, nil

	case "close":
		return topics.WateringVerb(topics.VerbCloseAll), types.CloseAllValves{}, nil
	case "disable":
		return topics.WateringVerb(topics.VerbDisable), types.DisableWatering{}, nil
	case "status":
		return topics.StatusGet, nil, nil
	case "time":
		return topics.ClockVerb(topics.VerbTime), nil, nil

	case "set_time":
		if len(args) != 1 {
			return nil, nil, usageErr("set_time 2006-01-02T15:04:05Z")
		}
		t, err := parseTime(args[0])
		if err != nil {
			return nil, nil, err
		}
		return topics.ClockVerb(topics.VerbSetTime), types.SetClockTime{Time: t}, nil
	}
	return nil, nil, &errcode.E{C: errcode.InvalidParams, Msg: "unknown command " + strconv.Quote(cmd), Err: errUsage}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &types.ValidationError{Field: "time", Value: s, Err: types.ErrInvalidTimeOfDay}
	}
	return t, nil
}

func render(p any) string {
	switch v := p.(type) {
	case types.OKReply:
		return "OK"
	case types.ErrorReply:
		return "ERR " + v.Error + ": " + v.Detail
	case time.Time:
		return v.Format(time.RFC3339)
	case types.ClockStatus:
		return renderClock(v)
	case types.WateringStatus:
		return renderWatering(v)
	case types.GardenStatus:
		return renderWatering(v.Watering) + "\r\n" + renderClock(v.Clock)
	}
	return "ERR " + string(errcode.InvalidPayload) + ": unexpected reply"
}

func renderWatering(st types.WateringStatus) string {
	var b strings.Builder
	b.WriteString("state: ")
	b.WriteString(string(st.State))
	if st.State != types.StateIdle {
		b.WriteString(" ")
		b.WriteString(st.Section.String())
	}
	b.WriteString("\r\nstart_at: ")
	if st.StartAt != nil {
		b.WriteString(st.StartAt.String())
	} else {
		b.WriteString("off")
	}
	for _, sec := range types.AllSections {
		b.WriteString("\r\n")
		b.WriteString(sec.String())
		b.WriteString(": ")
		b.WriteString(strconv.Itoa(int(st.Durations[sec].Duration() / time.Minute)))
		b.WriteString("m")
	}
	return b.String()
}

func renderClock(cs types.ClockStatus) string {
	return "time: " + cs.Now.Format(time.RFC3339) +
		"\r\ntemp: " + strconv.FormatFloat(cs.Celsius(), 'f', 2, 64) + "C"
}
