// Package display renders live measurements for the operator.
package display

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/chaz8081/hrmon/internal/heartrate"
	"github.com/chaz8081/hrmon/internal/recorder"
)

// Sink observes recorded measurements. Implementations may block; wrap
// them in Async before handing them to a session.
type Sink interface {
	Show(m heartrate.Measurement, stats recorder.Stats)
}

// Zone is a heart-rate colour band.
type Zone int

const (
	ZoneRest Zone = iota
	ZoneEasy
	ZoneModerate
	ZoneHard
)

// ZoneFor buckets bpm: below 60 rest, below 100 easy, below 140 moderate,
// otherwise hard.
func ZoneFor(bpm uint16) Zone {
	switch {
	case bpm < 60:
		return ZoneRest
	case bpm < 100:
		return ZoneEasy
	case bpm < 140:
		return ZoneModerate
	default:
		return ZoneHard
	}
}

var zoneColors = map[Zone]lipgloss.Color{
	ZoneRest:     lipgloss.Color("12"), // blue
	ZoneEasy:     lipgloss.Color("10"), // green
	ZoneModerate: lipgloss.Color("11"), // yellow
	ZoneHard:     lipgloss.Color("9"),  // red
}

const (
	glyphContact   = "●"
	glyphNoContact = "○"
)

// Terminal prints one line per measurement. Colour is used only when the
// writer is a terminal that supports it.
type Terminal struct {
	mu    sync.Mutex
	out   io.Writer
	zones map[Zone]lipgloss.Style
	faint lipgloss.Style
}

// NewTerminal returns a Terminal writing to out.
func NewTerminal(out io.Writer) *Terminal {
	r := lipgloss.NewRenderer(out)
	t := &Terminal{
		out:   out,
		zones: make(map[Zone]lipgloss.Style, len(zoneColors)),
		faint: r.NewStyle().Faint(true),
	}
	for z, c := range zoneColors {
		t.zones[z] = r.NewStyle().Foreground(c).Bold(true)
	}
	return t
}

func (t *Terminal) Show(m heartrate.Measurement, stats recorder.Stats) {
	line := t.Format(m, stats)
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, line)
}

// Format renders m and the running stats as a single line.
func (t *Terminal) Format(m heartrate.Measurement, stats recorder.Stats) string {
	var b strings.Builder

	b.WriteString(m.Timestamp.Format("15:04:05"))
	b.WriteString("  ")
	b.WriteString(t.zones[ZoneFor(m.HeartRate)].Render(fmt.Sprintf("%3d bpm", m.HeartRate)))
	b.WriteString(" ")
	switch m.Contact {
	case heartrate.ContactDetected:
		b.WriteString(glyphContact)
	case heartrate.ContactNotDetected:
		b.WriteString(glyphNoContact)
	default:
		b.WriteString(" ")
	}

	if len(m.RRIntervals) > 0 {
		parts := make([]string, len(m.RRIntervals))
		for i, rr := range m.RRIntervals {
			parts[i] = fmt.Sprintf("%.0f", heartrate.RRMillis(rr))
		}
		b.WriteString("  RR " + strings.Join(parts, ",") + " ms")
	}
	if m.EnergyExpended != nil {
		fmt.Fprintf(&b, "  %d kJ", *m.EnergyExpended)
	}

	b.WriteString("  ")
	b.WriteString(t.faint.Render(fmt.Sprintf("avg %.1f min %d max %d n=%d",
		stats.Average(), stats.Min, stats.Max, stats.Count)))
	return b.String()
}

// Multi fans a measurement out to every sink in order.
type Multi []Sink

func (ms Multi) Show(m heartrate.Measurement, stats recorder.Stats) {
	for _, s := range ms {
		s.Show(m, stats)
	}
}
