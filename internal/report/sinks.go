package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperengineering/replicator/internal/replication"
	"github.com/hyperengineering/replicator/internal/snapshot"
)

// StateFile rewrites a text status document on every redraw. The file is
// replaced atomically so readers never see a partial document.
type StateFile struct {
	path string
	buf  bytes.Buffer
}

// NewStateFile creates a sink writing to path.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

func (f *StateFile) Name() string { return "state_file" }

func (f *StateFile) Write(ctx context.Context, s *replication.Snapshot, now time.Time) error {
	f.buf.Reset()
	if err := Render(&f.buf, s, now); err != nil {
		return err
	}
	return writeFileAtomic(f.path, f.buf.Bytes())
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("chmod state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// ANSI sequences used by the terminal view.
const (
	clearScreen = "\x1b[H\x1b[2J"
	colorReset  = "\x1b[0m"
	colorGreen  = "\x1b[32m"
	colorYellow = "\x1b[33m"
	colorRed    = "\x1b[31m"
)

var markerColors = strings.NewReplacer(
	MarkerActive, colorYellow+MarkerActive+colorReset,
	MarkerDone, colorGreen+MarkerDone+colorReset,
	MarkerFailed, colorRed+MarkerFailed+colorReset,
	"Last error:", colorRed+"Last error:"+colorReset,
)

// Terminal redraws the status document on an ANSI terminal.
type Terminal struct {
	w   io.Writer
	buf bytes.Buffer
}

// NewTerminal creates a sink drawing to w, usually os.Stdout.
func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{w: w}
}

func (t *Terminal) Name() string { return "terminal" }

func (t *Terminal) Write(ctx context.Context, s *replication.Snapshot, now time.Time) error {
	t.buf.Reset()
	if err := Render(&t.buf, s, now); err != nil {
		return err
	}
	_, err := io.WriteString(t.w, clearScreen+markerColors.Replace(t.buf.String()))
	return err
}

// StateObject is the object name of the exported state document.
const StateObject = "state.json"

// DefaultExportTimeout bounds a single upload of the state document.
const DefaultExportTimeout = 30 * time.Second

// ObjectExport uploads the JSON snapshot to object storage at most once
// per interval, plus once for every newly finished cycle. Uploads are
// network bound, so it runs under its own reporter rather than next to
// the redraw sinks.
type ObjectExport struct {
	uploader snapshot.Uploader
	interval time.Duration
	timeout  time.Duration

	lastUpload time.Time
	lastCycle  string
}

// NewObjectExport creates an export sink throttled to interval.
func NewObjectExport(uploader snapshot.Uploader, interval time.Duration) *ObjectExport {
	return &ObjectExport{uploader: uploader, interval: interval, timeout: DefaultExportTimeout}
}

func (e *ObjectExport) Name() string { return "object_export" }

func (e *ObjectExport) Write(ctx context.Context, s *replication.Snapshot, now time.Time) error {
	finished := !s.Running && s.CycleID != "" && s.CycleID != e.lastCycle
	if !finished && !e.lastUpload.IsZero() && now.Sub(e.lastUpload) < e.interval {
		return nil
	}

	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.uploader.Upload(ctx, StateObject, body, "application/json"); err != nil {
		return err
	}

	e.lastUpload = now
	if !s.Running {
		e.lastCycle = s.CycleID
	}
	return nil
}
