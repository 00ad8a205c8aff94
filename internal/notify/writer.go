package notify

import (
	"context"
	"io"
	"os"
	"sync"
)

// Writer prints the text of events, one block per event.
type Writer struct {
	mx sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	if w == nil {
		w = os.Stdout
	}
	return &Writer{w: w}
}

func (w *Writer) Notify(_ context.Context, event Event) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	_, err := io.WriteString(w.w, event.Text()+"\n")
	return err
}
