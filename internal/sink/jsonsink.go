package sink

import (
	"context"
	"encoding/json"
	"io"
	"os"
)

// JSONSink writes rows as JSON lines to an io.Writer.
type JSONSink struct {
	w io.Writer
}

// NewJSONSink creates a JSON sink writing to the provided writer.
func NewJSONSink(w io.Writer) *JSONSink { return &JSONSink{w: w} }

// NewStdoutJSON returns a JSON sink that writes to os.Stdout.
func NewStdoutJSON() *JSONSink { return &JSONSink{w: os.Stdout} }

// Write encodes one line per row, in order.
func (s *JSONSink) Write(_ context.Context, rows []Row) error {
	enc := json.NewEncoder(s.w)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}

	return nil
}
