package replication

import (
	"sync"
	"time"
)

// NoActiveTable is the ActiveTable value when no table is being processed.
const NoActiveTable = -1

// TableDef names one replicated table. The order of a []TableDef is the
// processing order: parents before the tables that reference them.
type TableDef struct {
	ID    string
	Title string
}

// TableStatus is the progress record of one table in the current or most
// recent cycle.
type TableStatus struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	EndedAt    time.Time `json:"ended_at,omitzero"`
	Expected   int64     `json:"expected"`
	Applied    int64     `json:"applied"`
	Written    int64     `json:"written"`
	MaxVersion int64     `json:"max_version"`
	Failed     bool      `json:"failed"`
	Error      string    `json:"error,omitempty"`
}

// Running reports whether the table was started but has not ended.
func (t *TableStatus) Running() bool {
	return !t.StartedAt.IsZero() && t.EndedAt.IsZero()
}

// Percent is the share of expected rows applied, 100 for an empty table.
func (t *TableStatus) Percent() int64 {
	if t.Expected == 0 {
		if t.EndedAt.IsZero() {
			return 0
		}
		return 100
	}
	return t.Applied * 100 / t.Expected
}

// Snapshot is a point-in-time copy of the replication state.
type Snapshot struct {
	StartedAt          time.Time     `json:"started_at"`
	CyclesRun          int64         `json:"cycles_run"`
	CyclesFailed       int64         `json:"cycles_failed"`
	TotalElapsedMillis int64         `json:"total_elapsed_ms"`
	TotalRows          int64         `json:"total_rows"`
	CycleID            string        `json:"cycle_id,omitempty"`
	CycleStartedAt     time.Time     `json:"cycle_started_at,omitzero"`
	CycleEndedAt       time.Time     `json:"cycle_ended_at,omitzero"`
	CycleRows          int64         `json:"cycle_rows"`
	Tables             []TableStatus `json:"tables"`
	ActiveTable        int           `json:"active_table"`
	Running            bool          `json:"running"`
	Watermark          int64         `json:"watermark"`
	WatermarkCandidate int64         `json:"watermark_candidate"`
	LastError          string        `json:"last_error,omitempty"`
	CycleDelayMillis   int64         `json:"cycle_delay_ms"`
}

// CycleDuration is the length of the most recent cycle, or the time spent
// so far in the running one.
func (s *Snapshot) CycleDuration(now time.Time) time.Duration {
	if s.CycleStartedAt.IsZero() {
		return 0
	}
	if s.CycleEndedAt.IsZero() {
		return now.Sub(s.CycleStartedAt)
	}
	return s.CycleEndedAt.Sub(s.CycleStartedAt)
}

// NextCycleAt is when the next attempt starts, zero while a cycle runs.
func (s *Snapshot) NextCycleAt() time.Time {
	if s.Running || s.CycleEndedAt.IsZero() {
		return time.Time{}
	}
	return s.CycleEndedAt.Add(time.Duration(s.CycleDelayMillis) * time.Millisecond)
}

// State is the shared progress model. The worker mutates it; any other
// goroutine reads it only through Snapshot. The lock is held for field
// assignment only, never across I/O.
type State struct {
	defs []TableDef

	mu sync.Mutex
	s  Snapshot
}

// NewState creates the state for a fixed, ordered table list.
func NewState(tables []TableDef, cycleDelay time.Duration) *State {
	st := &State{
		defs: append([]TableDef(nil), tables...),
		s: Snapshot{
			StartedAt:        time.Now(),
			Tables:           make([]TableStatus, len(tables)),
			ActiveTable:      NoActiveTable,
			CycleDelayMillis: cycleDelay.Milliseconds(),
		},
	}
	for i, t := range tables {
		st.s.Tables[i] = TableStatus{ID: t.ID, Title: t.Title}
	}
	return st
}

// Snapshot copies the whole state into dst. dst.Tables is reused when it
// has enough capacity, so a reporter can call this on every redraw without
// allocating.
func (st *State) Snapshot(dst *Snapshot) {
	st.mu.Lock()
	defer st.mu.Unlock()

	tables := dst.Tables
	*dst = st.s
	dst.Tables = append(tables[:0], st.s.Tables...)
}

// Running reports whether a cycle is in progress.
func (st *State) Running() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s.Running
}

// Len is the number of replicated tables.
func (st *State) Len() int {
	return len(st.defs)
}

// StartCycle resets the per-cycle fields for a new attempt.
func (st *State) StartCycle(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.s.CycleID = id
	st.s.CycleStartedAt = time.Now()
	st.s.CycleEndedAt = time.Time{}
	st.s.CycleRows = 0
	st.s.Running = true
	st.s.ActiveTable = NoActiveTable
	st.s.LastError = ""
	st.s.WatermarkCandidate = st.s.Watermark
	for i := range st.s.Tables {
		t := &st.s.Tables[i]
		*t = TableStatus{ID: t.ID, Title: t.Title}
	}
}

// SetWatermark records the watermark read from the destination.
func (st *State) SetWatermark(wm int64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.s.Watermark = wm
	st.s.WatermarkCandidate = wm
}

// Candidate returns the highest change-version seen in this cycle.
func (st *State) Candidate() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s.WatermarkCandidate
}

// AdvanceWatermark moves the watermark to the candidate after a commit.
func (st *State) AdvanceWatermark() {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.s.WatermarkCandidate > st.s.Watermark {
		st.s.Watermark = st.s.WatermarkCandidate
	}
}

// Table returns the progress handle for the table at index i.
func (st *State) Table(i int) *TableProgress {
	return &TableProgress{st: st, i: i}
}

// FoldTable adds a successfully replicated table's rows to the cycle count
// and its highest change-version to the watermark candidate.
func (st *State) FoldTable(i int) {
	st.mu.Lock()
	defer st.mu.Unlock()

	t := &st.s.Tables[i]
	st.s.CycleRows += t.Applied
	if t.MaxVersion > st.s.WatermarkCandidate {
		st.s.WatermarkCandidate = t.MaxVersion
	}
}

// EndCycle closes the cycle. Aggregate totals move only when err is nil;
// otherwise err's message becomes LastError.
func (st *State) EndCycle(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.s.CycleEndedAt = time.Now()
	if err == nil {
		st.s.CyclesRun++
		st.s.TotalElapsedMillis += st.s.CycleEndedAt.Sub(st.s.CycleStartedAt).Milliseconds()
		st.s.TotalRows += st.s.CycleRows
	} else {
		st.s.CyclesFailed++
		st.s.LastError = Message(err)
	}
	st.s.ActiveTable = NoActiveTable
	st.s.Running = false
}

// TableProgress mutates one table's status. Every method takes the state
// lock, so the reporter always sees a table's fields updated together.
type TableProgress struct {
	st *State
	i  int
}

// ID returns the table identifier.
func (p *TableProgress) ID() string {
	return p.st.defs[p.i].ID
}

// Start marks the table as the active one and clears its previous outcome.
func (p *TableProgress) Start() {
	p.st.mu.Lock()
	defer p.st.mu.Unlock()

	p.st.s.ActiveTable = p.i
	t := &p.st.s.Tables[p.i]
	t.StartedAt = time.Now()
	t.EndedAt = time.Time{}
	t.Expected = 0
	t.Applied = 0
	t.Written = 0
	t.MaxVersion = 0
	t.Failed = false
	t.Error = ""
}

// InitCount sets the number of rows pending for this cycle.
func (p *TableProgress) InitCount(n int64) {
	p.st.mu.Lock()
	defer p.st.mu.Unlock()

	t := &p.st.s.Tables[p.i]
	t.Expected = n
	t.Applied = 0
	t.Written = 0
}

// Update publishes streaming progress. Applied is clamped to Expected.
func (p *TableProgress) Update(applied, written, maxVersion int64) {
	p.st.mu.Lock()
	defer p.st.mu.Unlock()

	t := &p.st.s.Tables[p.i]
	if applied > t.Expected {
		applied = t.Expected
	}
	t.Applied = applied
	t.Written = written
	t.MaxVersion = maxVersion
}

// Finish marks a clean end of stream after applied rows.
func (p *TableProgress) Finish(applied, written, maxVersion int64) {
	p.st.mu.Lock()
	defer p.st.mu.Unlock()

	t := &p.st.s.Tables[p.i]
	t.Expected = applied
	t.Applied = applied
	t.Written = written
	t.MaxVersion = maxVersion
	t.Failed = false
	t.EndedAt = time.Now()
}

// Fail marks the table as failed with a short classified message.
func (p *TableProgress) Fail(applied, written, maxVersion int64, msg string) {
	p.st.mu.Lock()
	defer p.st.mu.Unlock()

	t := &p.st.s.Tables[p.i]
	if applied > t.Expected {
		applied = t.Expected
	}
	t.Applied = applied
	t.Written = written
	t.MaxVersion = maxVersion
	t.Failed = true
	t.Error = msg
	t.EndedAt = time.Now()
}
