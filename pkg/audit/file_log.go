package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

// FileLog implements Log as a JSON-lines file. Each Append writes and syncs
// one line; the file is never rewritten.
type FileLog struct {
	path string
	mu   sync.Mutex
	head *contracts.AuditEntry
}

// OpenFileLog opens or creates the log at path and loads its head.
func OpenFileLog(path string) (*FileLog, error) {
	fl := &FileLog{path: path}
	err := fl.scan(context.Background(), 0, func(e contracts.AuditEntry) error {
		fl.head = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fl, nil
}

// Append implements Log.
func (f *FileLog) Append(_ context.Context, entry contracts.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.head != nil && entry.Sequence <= f.head.Sequence {
		return contracts.E(contracts.KindChainIntegrityViolation, "audit.FileLog.Append",
			"sequence %d not after head %d", entry.Sequence, f.head.Sequence)
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", f.path, err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry %d: %w", entry.Sequence, err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	stored := cloneEntry(entry)
	f.head = &stored
	return nil
}

// Iterate implements Log.
func (f *FileLog) Iterate(ctx context.Context, from uint64, fn func(contracts.AuditEntry) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scan(ctx, from, fn)
}

// Head implements Log.
func (f *FileLog) Head(_ context.Context) (contracts.AuditEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.head == nil {
		return contracts.AuditEntry{}, false, nil
	}
	return cloneEntry(*f.head), true, nil
}

func (f *FileLog) scan(ctx context.Context, from uint64, fn func(contracts.AuditEntry) error) error {
	file, err := os.Open(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", f.path, err)
	}
	defer func() { _ = file.Close() }()

	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		var e contracts.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return contracts.Wrap(contracts.KindChainIntegrityViolation, "audit.FileLog",
				fmt.Errorf("line %d: %w", line, err))
		}
		if e.Sequence < from {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}
