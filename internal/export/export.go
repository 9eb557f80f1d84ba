// Package export writes provenance records for audit: JSON Lines with one
// canonical JSON object per revision, or a CBOR sequence using Core
// Deterministic Encoding. Either stream may be zstd-compressed. Identical
// records always produce identical bytes.
package export

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/swarmauri/peagen/internal/ir"
)

// Format selects the record encoding.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatCBOR  Format = "cbor"
)

// ParseFormat accepts "jsonl" (or "json") and "cbor". Empty means jsonl.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "jsonl", "json":
		return FormatJSONL, nil
	case "cbor":
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("unknown export format %q (want jsonl or cbor)", s)
	}
}

// Options configures Write and Read.
type Options struct {
	Format   Format
	Compress bool
}

// auditRecord is the wire form of a provenance record.
type auditRecord struct {
	RevisionHash string      `cbor:"revision_hash" json:"revision_hash"`
	ParentHash   string      `cbor:"parent_hash,omitempty" json:"parent_hash,omitempty"`
	PayloadHash  string      `cbor:"payload_hash" json:"payload_hash"`
	Path         string      `cbor:"path" json:"path"`
	Paths        []string    `cbor:"paths" json:"paths"`
	Timestamp    string      `cbor:"timestamp" json:"timestamp"`
	Edges        []auditEdge `cbor:"edges" json:"edges"`
	FanoutRoot   string      `cbor:"fanout_root,omitempty" json:"fanout_root,omitempty"`
}

type auditEdge struct {
	EdgeHash       string `cbor:"edge_hash" json:"edge_hash"`
	PayloadHash    string `cbor:"payload_hash" json:"payload_hash"`
	WorkerID       string `cbor:"worker_id" json:"worker_id"`
	ParentEdgeHash string `cbor:"parent_edge_hash,omitempty" json:"parent_edge_hash,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("export: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("export: CBOR decoder initialization failed: " + err.Error())
	}
}

// Write encodes records to w in the given order.
func Write(w io.Writer, records []ir.ProvenanceRecord, opts Options) (err error) {
	format, err := ParseFormat(string(opts.Format))
	if err != nil {
		return err
	}

	out := w
	if opts.Compress {
		zw, zerr := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zerr != nil {
			return fmt.Errorf("export: zstd writer: %w", zerr)
		}
		defer func() {
			if cerr := zw.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("export: close zstd stream: %w", cerr)
			}
		}()
		out = zw
	}

	switch format {
	case FormatCBOR:
		enc := encMode.NewEncoder(out)
		for _, rec := range records {
			if err := enc.Encode(toAudit(rec)); err != nil {
				return fmt.Errorf("export: encode %s: %w", rec.RevisionHash, err)
			}
		}
	default:
		bw := bufio.NewWriter(out)
		for _, rec := range records {
			line, err := ir.MarshalCanonical(auditMap(toAudit(rec)))
			if err != nil {
				return fmt.Errorf("export: encode %s: %w", rec.RevisionHash, err)
			}
			bw.Write(line)
			bw.WriteByte('\n')
		}
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("export: %w", err)
		}
	}
	return nil
}

// Read decodes a stream produced by Write.
func Read(r io.Reader, opts Options) ([]ir.ProvenanceRecord, error) {
	format, err := ParseFormat(string(opts.Format))
	if err != nil {
		return nil, err
	}

	in := r
	if opts.Compress {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("export: zstd reader: %w", err)
		}
		defer zr.Close()
		in = zr
	}

	var records []ir.ProvenanceRecord
	switch format {
	case FormatCBOR:
		dec := decMode.NewDecoder(in)
		for {
			var a auditRecord
			err := dec.Decode(&a)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("export: decode record %d: %w", len(records), err)
			}
			rec, err := fromAudit(a)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
	default:
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), 64<<20)
		for sc.Scan() {
			line := sc.Bytes()
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			var a auditRecord
			if err := json.Unmarshal(line, &a); err != nil {
				return nil, fmt.Errorf("export: decode line %d: %w", len(records)+1, err)
			}
			rec, err := fromAudit(a)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("export: %w", err)
		}
	}
	return records, nil
}

func toAudit(rec ir.ProvenanceRecord) auditRecord {
	a := auditRecord{
		RevisionHash: rec.RevisionHash,
		ParentHash:   rec.ParentHash,
		PayloadHash:  rec.PayloadHash,
		Path:         rec.Path,
		Paths:        rec.Paths,
		Timestamp:    rec.Timestamp.UTC().Format(time.RFC3339Nano),
		Edges:        make([]auditEdge, len(rec.Edges)),
		FanoutRoot:   rec.FanoutRoot,
	}
	if a.Paths == nil {
		a.Paths = []string{}
	}
	for i, e := range rec.Edges {
		a.Edges[i] = auditEdge{
			EdgeHash:       e.EdgeHash,
			PayloadHash:    e.PayloadHash,
			WorkerID:       e.WorkerID,
			ParentEdgeHash: e.ParentEdgeHash,
		}
	}
	return a
}

func fromAudit(a auditRecord) (ir.ProvenanceRecord, error) {
	ts, err := time.Parse(time.RFC3339Nano, a.Timestamp)
	if err != nil {
		return ir.ProvenanceRecord{}, fmt.Errorf("export: revision %s: %w", a.RevisionHash, err)
	}
	rec := ir.ProvenanceRecord{
		Revision: ir.Revision{
			RevisionHash: a.RevisionHash,
			ParentHash:   a.ParentHash,
			PayloadHash:  a.PayloadHash,
			Path:         a.Path,
			Timestamp:    ts,
		},
		Paths:      a.Paths,
		Edges:      make([]ir.Edge, len(a.Edges)),
		FanoutRoot: a.FanoutRoot,
	}
	for i, e := range a.Edges {
		rec.Edges[i] = ir.Edge{
			EdgeHash:       e.EdgeHash,
			RevisionHash:   a.RevisionHash,
			PayloadHash:    e.PayloadHash,
			WorkerID:       e.WorkerID,
			ParentEdgeHash: e.ParentEdgeHash,
		}
	}
	return rec, nil
}

// auditMap mirrors the struct tags as plain values so MarshalCanonical can
// encode the record.
func auditMap(a auditRecord) map[string]any {
	edges := make([]any, len(a.Edges))
	for i, e := range a.Edges {
		m := map[string]any{
			"edge_hash":    e.EdgeHash,
			"payload_hash": e.PayloadHash,
			"worker_id":    e.WorkerID,
		}
		if e.ParentEdgeHash != "" {
			m["parent_edge_hash"] = e.ParentEdgeHash
		}
		edges[i] = m
	}
	m := map[string]any{
		"revision_hash": a.RevisionHash,
		"payload_hash":  a.PayloadHash,
		"path":          a.Path,
		"paths":         a.Paths,
		"timestamp":     a.Timestamp,
		"edges":         edges,
	}
	if a.ParentHash != "" {
		m["parent_hash"] = a.ParentHash
	}
	if a.FanoutRoot != "" {
		m["fanout_root"] = a.FanoutRoot
	}
	return m
}
