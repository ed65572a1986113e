package tap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// ConsoleWriter prints records as JSON lines or human readable text.
type ConsoleWriter struct {
	out    io.Writer
	format string
}

// NewConsoleWriter creates a console writer. format is "json" or "text".
func NewConsoleWriter(out io.Writer, format string) (*ConsoleWriter, error) {
	switch format {
	case "":
		format = "text"
	case "json", "text":
	default:
		return nil, fmt.Errorf("invalid format %q, must be json or text", format)
	}
	return &ConsoleWriter{out: out, format: format}, nil
}

// Name returns the sink name.
func (w *ConsoleWriter) Name() string {
	return "console"
}

// Write prints records.
func (w *ConsoleWriter) Write(_ context.Context, records []Record) error {
	for _, r := range records {
		if w.format == "json" {
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w.out, "%s\n", data); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w.out, "[%s] %04x -> %04x %s/%d %s\n",
			r.Time.Format("15:04:05.000000"), r.Src, r.Dest, r.Type, r.Subtype, r.Payload); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op.
func (w *ConsoleWriter) Close() error {
	return nil
}
