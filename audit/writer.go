package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/coyaSONG/tab/errs"
)

// syncer is implemented by *os.File; writers backed by something else
// (a bytes.Buffer in tests, a network sink) simply skip the fsync
// step.
type syncer interface {
	Sync() error
}

// Writer appends Records to an underlying io.Writer, chaining each
// one to the previous via PrevHash. It is safe for concurrent use: an
// Orchestrator shares one Writer across every session it runs, and the
// mutex here serializes their appends into a single chain.
type Writer struct {
	mu       sync.Mutex
	w        io.Writer
	enc      *json.Encoder
	lastHash string
}

// NewWriter constructs a Writer appending to w, chaining from the
// genesis hash. Use NewWriterFromTail to resume an existing journal.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, enc: json.NewEncoder(w), lastHash: genesisHash}
}

// NewWriterFromTail constructs a Writer that continues an existing
// chain whose last record's canonical hash is lastHash.
func NewWriterFromTail(w io.Writer, lastHash string) *Writer {
	return &Writer{w: w, enc: json.NewEncoder(w), lastHash: lastHash}
}

// Append assigns id/timestamp/prev_hash if unset, writes the record as
// one canonical JSON line, flushes (fsync-equivalent if the
// underlying writer supports it), and advances the chain. It returns a
// JournalWriteError on any failure, which spec.md §7 treats as fatal
// to the session that produced it.
func (wr *Writer) Append(rec Record) (Record, error) {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	if rec.ID == "" {
		rec.ID = newRecordID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = nowUTC()
	}
	rec.PrevHash = wr.lastHash

	canonical, err := canonicalEncode(rec)
	if err != nil {
		return Record{}, &errs.JournalWriteError{RecordID: rec.ID, Cause: err}
	}

	if _, err := wr.w.Write(append(canonical, '\n')); err != nil {
		return Record{}, &errs.JournalWriteError{RecordID: rec.ID, Cause: err}
	}
	if s, ok := wr.w.(syncer); ok {
		if err := s.Sync(); err != nil {
			return Record{}, &errs.JournalWriteError{RecordID: rec.ID, Cause: err}
		}
	}

	wr.lastHash = hashOf(canonical)
	return rec, nil
}

// OpenFileWriter opens (creating if needed) an append-only journal
// file and wraps it in a Writer. The returned close func must be
// called when the journal is no longer needed.
func OpenFileWriter(path string) (*Writer, func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return NewWriter(f), f.Close, nil
}
