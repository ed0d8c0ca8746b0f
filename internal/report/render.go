package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hyperengineering/replicator/internal/replication"
)

// Table markers.
const (
	MarkerActive    = "[>]"
	MarkerDone      = "[+]"
	MarkerFailed    = "[E]"
	MarkerUntouched = "[ ]"
)

const timeLayout = "2006-01-02 15:04:05"

// Marker returns the status marker of one table given the active index.
func Marker(t *replication.TableStatus, i, active int) string {
	switch {
	case t.Failed:
		return MarkerFailed
	case i == active && t.Running():
		return MarkerActive
	case !t.EndedAt.IsZero():
		return MarkerDone
	default:
		return MarkerUntouched
	}
}

// Render writes the text status document for s as of now.
func Render(w io.Writer, s *replication.Snapshot, now time.Time) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Started:   %s (up %s)\n",
		s.StartedAt.Format(timeLayout), strings.TrimSpace(humanize.RelTime(s.StartedAt, now, "", "")))
	fmt.Fprintf(&b, "Cycles:    %s ok, %s failed, %s rows in %s\n",
		humanize.Comma(s.CyclesRun), humanize.Comma(s.CyclesFailed),
		humanize.Comma(s.TotalRows), formatMillis(s.TotalElapsedMillis))
	fmt.Fprintf(&b, "Watermark: %d", s.Watermark)
	if s.WatermarkCandidate != s.Watermark {
		fmt.Fprintf(&b, " (candidate %d)", s.WatermarkCandidate)
	}
	b.WriteByte('\n')

	switch {
	case s.CycleStartedAt.IsZero():
		b.WriteString("Cycle:     waiting for first cycle\n")
	case s.Running:
		fmt.Fprintf(&b, "Cycle:     %s running for %s, %s rows\n",
			s.CycleID, s.CycleDuration(now).Round(time.Millisecond), humanize.Comma(s.CycleRows))
	default:
		fmt.Fprintf(&b, "Cycle:     %s finished in %s, %s rows",
			s.CycleID, s.CycleDuration(now).Round(time.Millisecond), humanize.Comma(s.CycleRows))
		if next := s.NextCycleAt(); next.After(now) {
			fmt.Fprintf(&b, ", retry in %s", next.Sub(now).Round(time.Second))
		}
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	idWidth, titleWidth := 0, 0
	for i := range s.Tables {
		idWidth = max(idWidth, len(s.Tables[i].ID))
		titleWidth = max(titleWidth, len(s.Tables[i].Title))
	}
	for i := range s.Tables {
		t := &s.Tables[i]
		line := fmt.Sprintf("%s %-*s %-*s", Marker(t, i, s.ActiveTable), idWidth, t.ID, titleWidth, t.Title)
		if !t.StartedAt.IsZero() {
			line += fmt.Sprintf(" %3d%% [%s/%s:%s] %s",
				t.Percent(), humanize.Comma(t.Applied), humanize.Comma(t.Expected),
				humanize.Comma(t.Written), tableDuration(t, now))
		}
		if t.Error != "" {
			line += " " + t.Error
		}
		b.WriteString(strings.TrimRight(line, " "))
		b.WriteByte('\n')
	}

	if s.LastError != "" {
		fmt.Fprintf(&b, "\nLast error: %s\n", s.LastError)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func tableDuration(t *replication.TableStatus, now time.Time) time.Duration {
	end := t.EndedAt
	if end.IsZero() {
		end = now
	}
	return end.Sub(t.StartedAt).Round(time.Millisecond)
}

func formatMillis(ms int64) time.Duration {
	return (time.Duration(ms) * time.Millisecond).Round(time.Millisecond)
}
