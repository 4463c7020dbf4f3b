package engine

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Journal appends structured progress events for one session: events.jsonl
// (one JSON object per line, the human-readable trail) and optionally
// journal.bin (length-prefixed msgpack records, the compact machine trail).
// Appends are best-effort; journaling never fails a session.
type Journal struct {
	mu      sync.Mutex
	dir     string
	seq     uint64
	binary  bool
	nop     bool
	jsonlFd *os.File
	binFd   *os.File
}

// JournalRecord is one journal entry in either encoding.
type JournalRecord struct {
	Seq         uint64         `json:"seq" msgpack:"seq"`
	TimestampMS int64          `json:"timestamp_ms" msgpack:"timestamp_ms"`
	Event       string         `json:"event" msgpack:"event"`
	Fields      map[string]any `json:"fields,omitempty" msgpack:"fields,omitempty"`
}

func NewJournal(dir string, binary bool) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	j := &Journal{dir: dir, binary: binary}
	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	j.jsonlFd = f
	if binary {
		bf, err := os.OpenFile(filepath.Join(dir, "journal.bin"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			f.Close()
			return nil, err
		}
		j.binFd = bf
	}
	return j, nil
}

// NopJournal drops every event. Nil journals are also safe to append to.
func NopJournal() *Journal {
	return &Journal{nop: true}
}

func (j *Journal) Append(event string, fields map[string]any) {
	if j == nil || j.nop {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	rec := JournalRecord{
		Seq:         j.seq,
		TimestampMS: time.Now().UTC().UnixMilli(),
		Event:       event,
		Fields:      fields,
	}
	if j.jsonlFd != nil {
		if b, err := json.Marshal(rec); err == nil {
			j.jsonlFd.Write(append(b, '\n'))
		}
	}
	if j.binFd != nil {
		if b, err := msgpack.Marshal(rec); err == nil {
			frame := binary.AppendUvarint(nil, uint64(len(b)))
			j.binFd.Write(append(frame, b...))
		}
	}
}

func (j *Journal) Close() error {
	if j == nil || j.nop {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	var firstErr error
	if j.jsonlFd != nil {
		if err := j.jsonlFd.Close(); err != nil {
			firstErr = err
		}
		j.jsonlFd = nil
	}
	if j.binFd != nil {
		if err := j.binFd.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		j.binFd = nil
	}
	return firstErr
}

// ReadBinaryJournal decodes a journal.bin stream back into records.
func ReadBinaryJournal(path string) ([]JournalRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []JournalRecord
	for len(b) > 0 {
		n, width := binary.Uvarint(b)
		if width <= 0 {
			return nil, fmt.Errorf("corrupt journal frame at record %d", len(out))
		}
		b = b[width:]
		if uint64(len(b)) < n {
			return nil, io.ErrUnexpectedEOF
		}
		var rec JournalRecord
		if err := msgpack.Unmarshal(b[:n], &rec); err != nil {
			return nil, fmt.Errorf("decode journal record %d: %w", len(out), err)
		}
		out = append(out, rec)
		b = b[n:]
	}
	return out, nil
}
