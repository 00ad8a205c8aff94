package logstore

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/CZERTAINLY/Jobman/internal/runner"
)

// Writer appends records of one run. A chunk is split into lines and the
// unterminated rest is written right away as a partial record, nothing is
// held back in memory. Each call of Write ends in a single write(2), so
// readers see the records in arrival order and never one from the middle.
type Writer struct {
	mx      sync.Mutex
	f       *os.File
	attempt int
}

func newWriter(f *os.File, attempt int) *Writer {
	return &Writer{f: f, attempt: attempt}
}

func (w *Writer) Write(stream runner.Stream, at time.Time, p []byte) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.f == nil {
		return ErrClosed
	}
	if len(p) == 0 {
		return nil
	}

	var out []byte
	for len(p) > 0 {
		n := len(p)
		if i := bytes.IndexByte(p, '\n'); i >= 0 {
			n = i + 1
		}
		out = w.appendRecord(out, stream, at, p[:n])
		p = p[n:]
	}
	_, err := w.f.Write(out)
	return err
}

func (w *Writer) appendRecord(out []byte, stream runner.Stream, at time.Time, data []byte) []byte {
	rec := Record{
		TS:      at.UTC(),
		Stream:  stream,
		Attempt: w.attempt,
		Data:    data,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		// Record has no types json can't encode
		panic(err)
	}
	out = append(out, b...)
	return append(out, '\n')
}

// Close closes the file. It is safe to call more than once.
func (w *Writer) Close() error {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
