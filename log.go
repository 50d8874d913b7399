package ghostdrop

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

// jsonlRecord is one line of the NDJSON log export: newline-delimited
// JSON, one entry per line, UTF-8.
type jsonlRecord struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Module  string `json:"module"`
	Message string `json:"message"`
}

// jsonlLogBackend implements logging.Backend, turning every go-logging
// record into one NDJSON line for export to a host application or log
// shipper.
type jsonlLogBackend struct {
	mu sync.Mutex
	w  io.Writer
	enc *json.Encoder
}

// NewJSONLLogWriter returns a logging.Backend that writes one
// newline-delimited JSON object per log record to w.
func NewJSONLLogWriter(w io.Writer) logging.Backend {
	return &jsonlLogBackend{w: w, enc: json.NewEncoder(w)}
}

// Log implements logging.Backend.
func (b *jsonlLogBackend) Log(level logging.Level, calldepth int, rec *logging.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := jsonlRecord{
		Time:    rec.Time.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Level:   level.String(),
		Module:  rec.Module,
		Message: rec.Message(),
	}
	if err := b.enc.Encode(entry); err != nil {
		return fmt.Errorf("ghostdrop: jsonl log encode: %w", err)
	}
	return nil
}
