package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sync"

	"github.com/industrion/jobharvest/internal/pipeline"
)

// CSV writes rows to a local file. It is the offline stand-in for the
// spreadsheet sink: same header, same row shape, no credentials needed.
type CSV struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	writer    *csv.Writer
	hasHeader bool
}

// NewCSV opens (or creates) path for appending. A non-empty existing
// file is assumed to already carry the header.
func NewCSV(path string) (*CSV, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open csv sink: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat csv sink: %w", err)
	}
	return &CSV{
		path:      path,
		file:      file,
		writer:    csv.NewWriter(file),
		hasHeader: info.Size() > 0,
	}, nil
}

func (c *CSV) EnsureHeader(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasHeader {
		return nil
	}
	if err := c.writer.Write(pipeline.SinkHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	c.writer.Flush()
	if err := c.writer.Error(); err != nil {
		return fmt.Errorf("flush csv header: %w", err)
	}
	c.hasHeader = true
	return nil
}

func (c *CSV) Append(_ context.Context, rows [][]string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, row := range rows {
		if err := c.writer.Write(row); err != nil {
			c.writer.Flush()
			return i, fmt.Errorf("write csv row: %w", err)
		}
	}
	c.writer.Flush()
	if err := c.writer.Error(); err != nil {
		return 0, fmt.Errorf("flush csv rows: %w", err)
	}
	return len(rows), nil
}

// Close flushes and closes the underlying file.
func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writer.Flush()
	if err := c.writer.Error(); err != nil {
		c.file.Close()
		return err
	}
	return c.file.Close()
}
