package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"leverswap/internal/model"
)

// JsonlStorage appends engine events to a JSONL file.
type JsonlStorage struct {
	path string
	mu   sync.Mutex
}

func NewJsonlStorage(path string) *JsonlStorage {
	return &JsonlStorage{path: path}
}

// PutEventBatch appends a batch of events as JSON lines.
func (s *JsonlStorage) PutEventBatch(events []model.EngineEvent) error {
	if len(events) == 0 {
		return nil
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, event := range events {
		line, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write event: %w", err)
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
