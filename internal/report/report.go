package report

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/signalsfoundry/intersection-arbiter/internal/logging"
	"github.com/signalsfoundry/intersection-arbiter/model"
)

const separator = "------------------------"

// Sink consumes intersection snapshots. Implementations must not mutate
// intersection state.
type Sink interface {
	Publish(snap model.Snapshot)
}

// Console renders a status block per snapshot:
//
//	Traffic status:
//	Road 1: 7 cars and an ambulance, Light: GREEN
//	...
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole writes status blocks to out.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

// Publish implements Sink.
func (c *Console) Publish(snap model.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, Format(snap))
}

// Format renders snap the way Console prints it. Roads are numbered from 1.
func Format(snap model.Snapshot) string {
	var b strings.Builder
	if snap.AllClear {
		b.WriteString("All roads are cleared.\n")
		return b.String()
	}
	b.WriteString("Traffic status:\n")
	for i, r := range snap.Roads {
		fmt.Fprintf(&b, "Road %d: %d cars", i+1, r.Demand)
		if snap.Emergency.Active() && snap.Emergency.Road == i {
			fmt.Fprintf(&b, " and %s", withArticle(snap.Emergency.Class.String()))
		}
		fmt.Fprintf(&b, ", Light: %s\n", r.Light)
	}
	b.WriteString(separator + "\n")
	return b.String()
}

func withArticle(noun string) string {
	if noun == "" {
		return noun
	}
	switch noun[0] {
	case 'a', 'e', 'i', 'o', 'u':
		return "an " + noun
	default:
		return "a " + noun
	}
}

// Log writes each snapshot as a structured log line.
type Log struct {
	log   logging.Logger
	debug bool
}

// NewLog returns a sink that logs at info level.
func NewLog(l logging.Logger) *Log {
	if l == nil {
		l = logging.Noop()
	}
	return &Log{log: l.With(logging.String("component", "report"))}
}

// NewDebugLog is NewLog at debug level, for runs that already print status
// blocks.
func NewDebugLog(l logging.Logger) *Log {
	sink := NewLog(l)
	sink.debug = true
	return sink
}

func (l *Log) emit(ctx context.Context, msg string, fields ...logging.Field) {
	if l.debug {
		l.log.Debug(ctx, msg, fields...)
		return
	}
	l.log.Info(ctx, msg, fields...)
}

// Publish implements Sink.
func (l *Log) Publish(snap model.Snapshot) {
	ctx := context.Background()
	if snap.AllClear {
		l.emit(ctx, "intersection clear", logging.Int("seq", int(snap.Seq)))
		return
	}
	demands := make([]int, len(snap.Roads))
	for i, r := range snap.Roads {
		demands[i] = r.Demand
	}
	fields := []logging.Field{
		logging.Int("seq", int(snap.Seq)),
		logging.Any("demand", demands),
		logging.Int("green", snap.GreenRoad()),
	}
	if snap.Emergency.Active() {
		fields = append(fields,
			logging.Int("emergency_road", snap.Emergency.Road),
			logging.String("emergency_vehicle", snap.Emergency.Class.String()),
		)
	}
	if g := snap.Grant; g != nil {
		fields = append(fields,
			logging.Int("granted_road", g.Road),
			logging.Bool("emergency_grant", g.Emergency),
			logging.Bool("emergency_cleared", g.EmergencyCleared),
		)
	}
	l.emit(ctx, "traffic status", fields...)
}

// Fanout delivers each snapshot to every sink in order.
type Fanout []Sink

// Publish implements Sink.
func (f Fanout) Publish(snap model.Snapshot) {
	for _, s := range f {
		if s != nil {
			s.Publish(snap)
		}
	}
}
