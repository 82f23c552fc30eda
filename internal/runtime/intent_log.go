package runtime

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Intent log record kinds.
const (
	IntentBeginPrepare = "begin_prepare"
	IntentCommit       = "commit"
	IntentAbort        = "abort"
)

// IntentRecord is one append-only line in the switch intent log. The log
// exists so a crash mid-switch can be resolved on restart: a begin_prepare
// with no matching commit/abort forces an ABORT during recovery.
type IntentRecord struct {
	Kind    string                `json:"kind"`
	Target  Topology              `json:"target,omitempty"`
	Epoch   Epoch                 `json:"epoch,omitempty"`
	Reason  string                `json:"reason,omitempty"`
	Dropped map[DropReason]uint64 `json:"dropped,omitempty"`
	At      time.Time             `json:"at"`
}

// IntentLog is an append-only JSON-lines file, fsynced per record.
type IntentLog struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenIntentLog opens (or creates) the log at path.
func OpenIntentLog(path string) (*IntentLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open intent log: %w", err)
	}
	return &IntentLog{f: f, path: path}, nil
}

// Append writes one record and syncs it to disk.
func (l *IntentLog) Append(rec IntentRecord) error {
	if l == nil {
		return nil
	}
	rec.At = time.Now()
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(raw, '\n')); err != nil {
		return err
	}
	return l.f.Sync()
}

// Last returns the final record in the log, or ok=false for an empty log.
func (l *IntentLog) Last() (IntentRecord, bool, error) {
	if l == nil {
		return IntentRecord{}, false, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return IntentRecord{}, false, err
	}
	defer f.Close()

	var last IntentRecord
	found := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec IntentRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn final line is expected after a crash; stop at the last
			// whole record.
			break
		}
		last = rec
		found = true
	}
	return last, found, scanner.Err()
}

// Close closes the underlying file.
func (l *IntentLog) Close() error {
	if l == nil {
		return nil
	}
	return l.f.Close()
}
