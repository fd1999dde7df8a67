package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// WorkerIDEnv is the environment variable the master sets in a worker's
// environment before re-executing the binary (§4.10: "Workers initialise...").
// Its presence, read by IsWorker, is how a re-executed process decides
// whether it is the master or one of its forked workers.
const WorkerIDEnv = "VSERVER_WORKER_ID"

// HeartbeatInterval is how often a worker reports its liveness and
// resident memory to the master (§4.10: "Workers heartbeat ... every 5 s").
const HeartbeatInterval = 5 * time.Second

// Heartbeat is one newline-delimited JSON line a worker writes to its
// heartbeat pipe (fd 3, see RunHeartbeatLoop / spawnWorker).
type Heartbeat struct {
	PID      int   `json:"pid"`
	RSSBytes int64 `json:"rss_bytes"`
	TS       int64 `json:"ts"`
}

// IsWorker reports whether this process was re-executed as a worker,
// returning the worker id the master assigned it.
func IsWorker() (id int, ok bool) {
	raw, present := os.LookupEnv(WorkerIDEnv)
	if !present {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// RunHeartbeatLoop writes a Heartbeat line to w every interval until ctx
// is cancelled, reading the process's resident set size via gopsutil.
// Workers call this against the fd-3 pipe end inherited from the master.
func RunHeartbeatLoop(ctx context.Context, w io.Writer, interval time.Duration) {
	pid := os.Getpid()
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var rss int64
			if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
				rss = int64(mem.RSS)
			}
			hb := Heartbeat{PID: pid, RSSBytes: rss, TS: time.Now().Unix()}
			line, err := json.Marshal(hb)
			if err != nil {
				continue
			}
			line = append(line, '\n')
			if _, err := w.Write(line); err != nil {
				return
			}
		}
	}
}

// readHeartbeats scans newline-delimited JSON Heartbeat lines from r
// until it is closed (worker exit) or ctx is cancelled, invoking on for
// each successfully decoded line.
func readHeartbeats(ctx context.Context, r io.Reader, on func(Heartbeat)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256), 4096)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var hb Heartbeat
		if err := json.Unmarshal(scanner.Bytes(), &hb); err != nil {
			continue
		}
		on(hb)
	}
}
