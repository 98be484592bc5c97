package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

// ErrWriterClosed is returned by Append after Close.
var ErrWriterClosed = errors.New("audit: writer closed")

// EntryHandler is called, in sequence order, after an entry is persisted.
type EntryHandler func(entry contracts.AuditEntry)

// WriterOptions configures a Writer.
type WriterOptions struct {
	Logger    *slog.Logger
	Clock     func() time.Time
	QueueSize int
}

type appendRequest struct {
	eventType  contracts.AuditEventType
	conflictID string
	actorID    string
	data       map[string]any
	reply      chan appendResult
}

type appendResult struct {
	entry contracts.AuditEntry
	err   error
}

// Writer is the single append path of the chain. Callers on any goroutine
// submit events; one goroutine assigns sequence numbers, links hashes and
// persists entries, so the chain has a strict total order.
type Writer struct {
	log    Log
	logger *slog.Logger
	clock  func() time.Time

	reqs    chan appendRequest
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu       sync.RWMutex
	handlers []EntryHandler

	// owned by the run goroutine
	sequence uint64
	head     string
}

// NewWriter loads the current head of log and starts the writer goroutine.
func NewWriter(ctx context.Context, log Log, opts WriterOptions) (*Writer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	queue := opts.QueueSize
	if queue <= 0 {
		queue = 64
	}

	w := &Writer{
		log:     log,
		logger:  logger.With("component", "audit_writer"),
		clock:   clock,
		reqs:    make(chan appendRequest, queue),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		head:    contracts.GenesisHash,
	}

	last, ok, err := log.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: load head: %w", err)
	}
	if ok {
		w.sequence = last.Sequence
		w.head = last.EntryHash
	}

	go w.run()
	return w, nil
}

// AddHandler registers h for every subsequently persisted entry.
func (w *Writer) AddHandler(h EntryHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Append records one event and returns the persisted entry. The event data is
// normalized through JSON so the stored and hashed forms agree for every
// backend.
func (w *Writer) Append(ctx context.Context, eventType contracts.AuditEventType, conflictID, actorID string, data map[string]any) (contracts.AuditEntry, error) {
	normalized, err := normalizeData(data)
	if err != nil {
		return contracts.AuditEntry{}, contracts.Wrap(contracts.KindValidationFailure, "audit.Append", err)
	}

	req := appendRequest{
		eventType:  eventType,
		conflictID: conflictID,
		actorID:    actorID,
		data:       normalized,
		reply:      make(chan appendResult, 1),
	}

	select {
	case <-w.quit:
		return contracts.AuditEntry{}, ErrWriterClosed
	case <-ctx.Done():
		return contracts.AuditEntry{}, ctx.Err()
	case w.reqs <- req:
	}

	// Once queued the entry will be written; wait for it even if ctx ends so
	// the caller learns the outcome.
	select {
	case res := <-req.reply:
		return res.entry, res.err
	case <-w.stopped:
		return contracts.AuditEntry{}, ErrWriterClosed
	}
}

// Close drains queued requests and stops the writer.
func (w *Writer) Close() {
	w.once.Do(func() { close(w.quit) })
	<-w.stopped
}

func (w *Writer) run() {
	defer close(w.stopped)
	for {
		select {
		case req := <-w.reqs:
			w.handle(req)
		case <-w.quit:
			for {
				select {
				case req := <-w.reqs:
					w.handle(req)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) handle(req appendRequest) {
	entry := contracts.AuditEntry{
		EntryID:      uuid.New().String(),
		Sequence:     w.sequence + 1,
		Timestamp:    w.clock().UTC(),
		EventType:    req.eventType,
		ConflictID:   req.conflictID,
		ActorID:      req.actorID,
		EventData:    req.data,
		PreviousHash: w.head,
	}
	hash, err := ComputeEntryHash(entry)
	if err != nil {
		req.reply <- appendResult{err: contracts.Wrap(contracts.KindInternal, "audit.Append", err)}
		return
	}
	entry.EntryHash = hash

	// Persist before advancing the head so a failed write leaves the chain intact.
	if err := w.log.Append(context.Background(), entry); err != nil {
		w.logger.Error("audit append failed", "sequence", entry.Sequence, "event_type", entry.EventType, "conflict_id", entry.ConflictID, "error", err)
		req.reply <- appendResult{err: fmt.Errorf("audit: persist entry %d: %w", entry.Sequence, err)}
		return
	}
	w.sequence = entry.Sequence
	w.head = entry.EntryHash

	w.mu.RLock()
	handlers := w.handlers
	w.mu.RUnlock()
	for _, h := range handlers {
		w.notify(h, entry)
	}

	req.reply <- appendResult{entry: entry}
}

func (w *Writer) notify(h EntryHandler, entry contracts.AuditEntry) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("audit handler panicked", "sequence", entry.Sequence, "panic", r)
		}
	}()
	h(cloneEntry(entry))
}

// Log returns the backing log.
func (w *Writer) Log() Log {
	return w.log
}

// VerifyIntegrity reads the whole log and verifies the chain.
func (w *Writer) VerifyIntegrity(ctx context.Context) error {
	entries, err := ReadAll(ctx, w.log)
	if err != nil {
		return fmt.Errorf("audit: read log: %w", err)
	}
	return VerifyChain(entries)
}

// EntriesFor returns every entry of conflictID in sequence order.
func EntriesFor(ctx context.Context, log Log, conflictID string) ([]contracts.AuditEntry, error) {
	var out []contracts.AuditEntry
	err := log.Iterate(ctx, 0, func(e contracts.AuditEntry) error {
		if e.ConflictID == conflictID {
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func normalizeData(data map[string]any) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("event data is not serializable: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
