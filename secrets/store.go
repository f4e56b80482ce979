// Package secrets reads the link daemon's secrets store.
//
// The store is a text file of records, one per line:
//
//	# identity   secret-or-!command        [address/width]
//	alice        secret123                 10.0.0.5/32
//	*            "!/usr/local/bin/getpw"
//
// Lines ending in a backslash continue on the next line. Blank lines and
// lines starting with '#' are ignored. Readers yield each record as its
// tokenized field list; interpretation of the fields is left to the caller.
package secrets

import (
	"bufio"
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultFile is the conventional location of the secrets store
const DefaultFile = "/etc/linkauth/secrets"

// ScanFunc receives the fields of one record. Returning false stops the scan.
type ScanFunc func(fields []string) bool

// File is a secrets store backed by a file that is reopened on every scan,
// so edits take effect on the next lookup without a reload.
type File struct {
	path   string
	logger *zap.Logger
}

// NewFile creates a file-backed store for path
func NewFile(path string, logger *zap.Logger) *File {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &File{path: path, logger: logger}
}

// Path returns the path of the store
func (f *File) Path() string {
	return f.path
}

// Scan reads the file and calls fn for every record in file order
func (f *File) Scan(ctx context.Context, fn ScanFunc) error {
	fp, err := os.Open(f.path)
	if err != nil {
		return errors.Wrapf(err, "open secrets file %s", f.path)
	}
	defer fp.Close()

	scanner := bufio.NewScanner(fp)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)

	lineNum := 0
	var pending strings.Builder
	for scanner.Scan() {
		lineNum++
		if err := ctx.Err(); err != nil {
			return err
		}

		text := scanner.Text()
		if strings.HasSuffix(text, "\\") {
			pending.WriteString(strings.TrimSuffix(text, "\\"))
			continue
		}
		pending.WriteString(text)
		line := pending.String()
		pending.Reset()

		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		fields, err := ParseLine(line)
		if err != nil {
			f.logger.Warn("skipping malformed secrets line",
				zap.String("path", f.path), zap.Int("line", lineNum), zap.Error(err))
			continue
		}
		if len(fields) == 0 {
			continue
		}
		if !fn(fields) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "read secrets file %s", f.path)
	}
	return nil
}

// Memory is an in-memory secrets store, mainly for tests and for
// deployments that build records from another source at startup.
type Memory struct {
	records [][]string
}

// NewMemory creates a store holding the given records in order
func NewMemory(records ...[]string) *Memory {
	return &Memory{records: records}
}

// ParseMemory tokenizes text in the secrets file format
func ParseMemory(text string) (*Memory, error) {
	m := &Memory{}
	for i, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fields, err := ParseLine(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", i+1)
		}
		if len(fields) > 0 {
			m.records = append(m.records, fields)
		}
	}
	return m, nil
}

// Add appends a record
func (m *Memory) Add(fields ...string) {
	m.records = append(m.records, fields)
}

// Scan calls fn for every record in insertion order
func (m *Memory) Scan(ctx context.Context, fn ScanFunc) error {
	for _, rec := range m.records {
		if err := ctx.Err(); err != nil {
			return err
		}
		fields := make([]string, len(rec))
		copy(fields, rec)
		if !fn(fields) {
			return nil
		}
	}
	return nil
}
