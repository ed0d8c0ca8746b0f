//go:build e2e

package e2e

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

const e2eAPIKey = "e2e-test-api-key"

// replicatorProcess manages a running replicator process replicating
// between two SQLite databases in a temp directory.
type replicatorProcess struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	logFile string
	source  *sql.DB
	dest    *sql.DB
}

// status mirrors the fields of GET /api/v1/status used by the tests.
type status struct {
	CyclesRun    int64  `json:"cycles_run"`
	CyclesFailed int64  `json:"cycles_failed"`
	Watermark    int64  `json:"watermark"`
	TotalRows    int64  `json:"total_rows"`
	Running      bool   `json:"running"`
	LastError    string `json:"last_error"`
	Tables       []struct {
		ID      string `json:"id"`
		Applied int64  `json:"applied"`
		Failed  bool   `json:"failed"`
		Error   string `json:"error"`
	} `json:"tables"`
}

// startReplicator prepares the databases, writes a config file and launches
// the binary, waiting until the API is healthy.
func startReplicator(t *testing.T) *replicatorProcess {
	t.Helper()
	requireReplicator(t)

	dataDir := t.TempDir()
	port := freePort(t)
	p := &replicatorProcess{
		dataDir: dataDir,
		address: fmt.Sprintf("127.0.0.1:%d", port),
		logFile: filepath.Join(dataDir, "replicator.log"),
	}

	srcPath := filepath.Join(dataDir, "source.db")
	dstPath := filepath.Join(dataDir, "destination.db")
	p.source = openDB(t, srcPath,
		`CREATE TABLE wr_export_parent (id INTEGER, name TEXT, x_ver INTEGER)`,
		`CREATE TABLE wr_export_child (id INTEGER, parent_id INTEGER, x_ver INTEGER)`,
		`INSERT INTO wr_export_parent VALUES (1, 'one', 1), (2, 'two', 2)`,
		`INSERT INTO wr_export_child VALUES (10, 1, 3)`,
	)
	p.dest = openDB(t, dstPath,
		`CREATE TABLE parent (id INTEGER PRIMARY KEY, name TEXT, x_ver INTEGER)`,
		`CREATE TABLE child (id INTEGER PRIMARY KEY, parent_id INTEGER, x_ver INTEGER)`,
		`CREATE TABLE wr_xver (x_ver INTEGER NOT NULL)`,
		`INSERT INTO wr_xver VALUES (0)`,
	)

	configPath := filepath.Join(dataDir, "replicator.yaml")
	yaml := fmt.Sprintf(`
source: {driver: sqlite, dsn: %q}
destination: {driver: sqlite, dsn: %q}
replication:
  cycle_delay: 200ms
  progress_batch: 1
  tables:
    - {id: parent, title: Parents}
    - {id: child, title: Children}
report: {interval: 100ms, state_path: %q}
journal: {path: %q}
server: {port: %d}
`, srcPath, dstPath, filepath.Join(dataDir, "state", "replicator.state"), filepath.Join(dataDir, "journal.db"), port)
	if err := os.WriteFile(configPath, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	p.cmd = exec.Command(replicatorBin)
	p.cmd.Env = append(os.Environ(),
		"REPLICATOR_CONFIG_PATH="+configPath,
		"REPLICATOR_ENV_FILE="+filepath.Join(dataDir, "nonexistent.env"),
		"REPLICATOR_API_KEY="+e2eAPIKey,
	)

	lf, err := os.Create(p.logFile)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	p.cmd.Stdout = lf
	p.cmd.Stderr = lf

	if err := p.cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start replicator: %v", err)
	}

	t.Cleanup(func() {
		p.stop()
		lf.Close()
		if t.Failed() {
			if logs, err := os.ReadFile(p.logFile); err == nil {
				t.Logf("replicator log:\n%s", logs)
			}
		}
	})

	if err := p.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("replicator not healthy: %v", err)
	}
	return p
}

func openDB(t *testing.T, path string, stmts ...string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	t.Cleanup(func() { db.Close() })
	for _, q := range stmts {
		if _, err := db.Exec(q); err != nil {
			t.Fatalf("exec %q: %v", q, err)
		}
	}
	return db
}

// stop interrupts the process and returns its exit error.
func (p *replicatorProcess) stop() error {
	if p.cmd == nil || p.cmd.Process == nil || p.cmd.ProcessState != nil {
		return nil
	}
	_ = p.cmd.Process.Signal(os.Interrupt)
	return p.cmd.Wait()
}

func (p *replicatorProcess) baseURL() string {
	return fmt.Sprintf("http://%s", p.address)
}

func (p *replicatorProcess) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := p.baseURL() + "/api/v1/health"

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("replicator not healthy after %s", timeout)
}

// get performs an authenticated GET and returns status code and body.
func (p *replicatorProcess) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, p.baseURL()+path, nil)
	req.Header.Set("Authorization", "Bearer "+e2eAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return resp.StatusCode, body
}

func (p *replicatorProcess) status(t *testing.T) status {
	t.Helper()
	code, body := p.get(t, "/api/v1/status")
	if code != http.StatusOK {
		t.Fatalf("status: %d: %s", code, body)
	}
	var s status
	if err := json.Unmarshal(body, &s); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return s
}

// waitStatus polls the status until cond holds.
func (p *replicatorProcess) waitStatus(t *testing.T, timeout time.Duration, cond func(status) bool) status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		s := p.status(t)
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met after %s, last status %+v", timeout, s)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func count(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT count(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
