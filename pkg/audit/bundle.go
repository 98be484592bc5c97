package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/dislovemartin/ACGS-sub005/pkg/artifacts"
	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

// BundleVersion is the format version written into exported bundles.
const BundleVersion = "1.0.0"

// Bundle is a self-verifying, exportable slice of the chain.
type Bundle struct {
	BundleID   string                 `json:"bundle_id"`
	Version    string                 `json:"version"`
	CreatedAt  time.Time              `json:"created_at"`
	StartSeq   uint64                 `json:"start_sequence"`
	EndSeq     uint64                 `json:"end_sequence"`
	EntryCount int                    `json:"entry_count"`
	Entries    []contracts.AuditEntry `json:"entries"`
	ChainHead  string                 `json:"chain_head"`
	BundleHash string                 `json:"bundle_hash"`
}

// ExportBundle packages a contiguous run of entries.
func ExportBundle(entries []contracts.AuditEntry, createdAt time.Time) (*Bundle, error) {
	if len(entries) == 0 {
		return nil, contracts.E(contracts.KindValidationFailure, "audit.ExportBundle", "no entries to export")
	}
	hash, err := bundleHash(entries)
	if err != nil {
		return nil, err
	}
	last := entries[len(entries)-1]
	return &Bundle{
		BundleID:   uuid.New().String(),
		Version:    BundleVersion,
		CreatedAt:  createdAt.UTC(),
		StartSeq:   entries[0].Sequence,
		EndSeq:     last.Sequence,
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  last.EntryHash,
		BundleHash: hash,
	}, nil
}

func bundleHash(entries []contracts.AuditEntry) (string, error) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("failed to marshal bundle entries: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize bundle entries: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// VerifyBundle checks the bundle hash, its counters, and every entry hash and
// link. The first entry is trusted to link to whatever precedes the bundle.
func VerifyBundle(b *Bundle) error {
	const op = "audit.VerifyBundle"
	if b == nil || len(b.Entries) == 0 {
		return contracts.E(contracts.KindValidationFailure, op, "bundle is empty")
	}
	computed, err := bundleHash(b.Entries)
	if err != nil {
		return contracts.Wrap(contracts.KindChainIntegrityViolation, op, err)
	}
	if computed != b.BundleHash {
		return contracts.E(contracts.KindChainIntegrityViolation, op, "bundle hash mismatch")
	}
	last := b.Entries[len(b.Entries)-1]
	if b.EntryCount != len(b.Entries) || b.StartSeq != b.Entries[0].Sequence || b.EndSeq != last.Sequence {
		return contracts.E(contracts.KindChainIntegrityViolation, op, "bundle header does not match entries")
	}
	if b.ChainHead != last.EntryHash {
		return contracts.E(contracts.KindChainIntegrityViolation, op, "chain head mismatch")
	}
	return verifyFrom(b.Entries[0].PreviousHash, b.Entries)
}

// Pack writes the bundle as a zip with entries.json, manifest.json and a
// README, and returns the archive bytes.
func Pack(b *Bundle) ([]byte, error) {
	entriesJSON, err := json.MarshalIndent(b.Entries, "", "  ")
	if err != nil {
		return nil, err
	}
	header := *b
	header.Entries = nil
	manifestJSON, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	files := []struct {
		name string
		body []byte
	}{
		{"entries.json", entriesJSON},
		{"manifest.json", manifestJSON},
		{"README.txt", []byte(fmt.Sprintf("Audit bundle %s\nSequences %d-%d\nChain head %s\n", b.BundleID, b.StartSeq, b.EndSeq, b.ChainHead))},
	}
	for _, f := range files {
		// Fixed modification times keep the archive bytes reproducible.
		fw, err := w.CreateHeader(&zip.FileHeader{Name: f.name, Method: zip.Deflate, Modified: b.CreatedAt})
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(f.body); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unpack is the inverse of Pack. It does not verify the bundle.
func Unpack(data []byte) (*Bundle, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, contracts.Wrap(contracts.KindValidationFailure, "audit.Unpack", err)
	}
	var (
		b            Bundle
		entries      []contracts.AuditEntry
		haveManifest bool
		haveEntries  bool
	)
	for _, f := range zr.File {
		var target any
		switch f.Name {
		case "manifest.json":
			target, haveManifest = &b, true
		case "entries.json":
			target, haveEntries = &entries, true
		default:
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		raw, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return nil, contracts.Wrap(contracts.KindValidationFailure, "audit.Unpack", fmt.Errorf("%s: %w", f.Name, err))
		}
	}
	if !haveManifest || !haveEntries {
		return nil, contracts.E(contracts.KindValidationFailure, "audit.Unpack", "archive is missing manifest.json or entries.json")
	}
	b.Entries = entries
	return &b, nil
}

// ArchiveResult describes one archived bundle.
type ArchiveResult struct {
	Ref        string `json:"ref"`
	BundleID   string `json:"bundle_id"`
	BundleHash string `json:"bundle_hash"`
	StartSeq   uint64 `json:"start_sequence"`
	EndSeq     uint64 `json:"end_sequence"`
}

// Archiver exports verified chain segments into an artifacts.Store.
type Archiver struct {
	log    Log
	store  artifacts.Store
	logger *slog.Logger
	clock  func() time.Time
}

// NewArchiver creates an Archiver over log and store.
func NewArchiver(log Log, store artifacts.Store, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{log: log, store: store, logger: logger.With("component", "audit_archiver"), clock: time.Now}
}

// WithClock sets the clock used for bundle timestamps.
func (a *Archiver) WithClock(clock func() time.Time) *Archiver {
	a.clock = clock
	return a
}

// Archive exports every entry with Sequence >= from. The whole chain is
// verified first so a tampered log is never archived as evidence.
func (a *Archiver) Archive(ctx context.Context, from uint64) (ArchiveResult, error) {
	all, err := ReadAll(ctx, a.log)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("audit: read log: %w", err)
	}
	if err := VerifyChain(all); err != nil {
		return ArchiveResult{}, err
	}
	var segment []contracts.AuditEntry
	for _, e := range all {
		if e.Sequence >= from {
			segment = append(segment, e)
		}
	}

	bundle, err := ExportBundle(segment, a.clock())
	if err != nil {
		return ArchiveResult{}, err
	}
	data, err := Pack(bundle)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("audit: pack bundle: %w", err)
	}
	ref, err := a.store.Put(ctx, data)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("audit: store bundle: %w", err)
	}

	a.logger.Info("audit bundle archived", "ref", ref, "start_sequence", bundle.StartSeq, "end_sequence", bundle.EndSeq)
	return ArchiveResult{
		Ref:        ref,
		BundleID:   bundle.BundleID,
		BundleHash: bundle.BundleHash,
		StartSeq:   bundle.StartSeq,
		EndSeq:     bundle.EndSeq,
	}, nil
}

// Load fetches, unpacks and verifies an archived bundle.
func (a *Archiver) Load(ctx context.Context, ref string) (*Bundle, error) {
	data, err := a.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	b, err := Unpack(data)
	if err != nil {
		return nil, err
	}
	if err := VerifyBundle(b); err != nil {
		return nil, err
	}
	return b, nil
}
