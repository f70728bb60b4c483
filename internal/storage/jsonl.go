package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// JSONLFile appends records to a JSON Lines file. An empty path or "-"
// writes to Stdout instead.
type JSONLFile struct {
	path   string
	Stdout io.Writer
	mu     sync.Mutex
}

func NewJSONLFile(path string) *JSONLFile {
	return &JSONLFile{path: path, Stdout: os.Stdout}
}

// Append writes records as JSON lines.
func (s *JSONLFile) Append(records ...any) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" || s.path == "-" {
		return EncodeJSONL(s.Stdout, records...)
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	return EncodeJSONL(file, records...)
}

// EncodeJSONL writes one JSON document per line to w.
func EncodeJSONL(w io.Writer, records ...any) error {
	writer := bufio.NewWriter(w)
	for _, record := range records {
		line, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}

	return nil
}
