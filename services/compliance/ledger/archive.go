// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// =============================================================================
// Archive sinks
// =============================================================================

// ArchiveSink stores compressed archive segments.
//
// # Description
//
// Put must not leave a partially written object visible under key.
// Delete is best-effort cleanup after a failed commit.
type ArchiveSink interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// FileSink writes segments beneath a local directory.
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, errors.New("archive directory is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create archive directory %s: %w", dir, err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid archive key %q", key)
	}
	return filepath.Join(s.dir, clean), nil
}

// Put writes to a temp file and renames it into place.
func (s *FileSink) Put(_ context.Context, key string, data []byte) error {
	dst, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return fmt.Errorf("create segment directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".segment-*")
	if err != nil {
		return fmt.Errorf("create temp segment: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write segment: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync segment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close segment: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish segment: %w", err)
	}
	return nil
}

func (s *FileSink) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (s *FileSink) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// =============================================================================
// Segment codec
// =============================================================================

var (
	segmentEncoder *zstd.Encoder
	segmentDecoder *zstd.Decoder
)

func init() {
	var err error
	segmentEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("ledger: zstd encoder initialization failed: " + err.Error())
	}
	segmentDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("ledger: zstd decoder initialization failed: " + err.Error())
	}
}

// SegmentKey names the object holding entries firstID..lastID.
func SegmentKey(firstID, lastID int64) string {
	return fmt.Sprintf("audit/segment-%020d-%020d.jsonl.zst", firstID, lastID)
}

// EncodeSegment serializes entries as zstd-compressed JSON lines.
//
// Returns the compressed bytes and their SHA-256.
func EncodeSegment(entries []AuditLogEntry) ([]byte, Hash, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range entries {
		if err := enc.Encode(entries[i]); err != nil {
			return nil, Hash{}, fmt.Errorf("encode entry %d: %w", entries[i].ID, err)
		}
	}
	compressed := segmentEncoder.EncodeAll(buf.Bytes(), nil)
	return compressed, sha256.Sum256(compressed), nil
}

// DecodeSegment reverses EncodeSegment.
func DecodeSegment(data []byte) ([]AuditLogEntry, error) {
	raw, err := segmentDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	var out []AuditLogEntry
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		e, err := DecodeEntry(line)
		if err != nil {
			return nil, fmt.Errorf("decode segment line: %w", err)
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan segment: %w", err)
	}
	return out, nil
}

// DecodeEntry parses one JSON-encoded entry, keeping metadata numbers exact.
func DecodeEntry(data []byte) (AuditLogEntry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var e AuditLogEntry
	if err := dec.Decode(&e); err != nil {
		return AuditLogEntry{}, err
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	return e, nil
}

// VerifySegment re-reads an archived segment and checks it against anchor.
//
// # Description
//
// Confirms the object digest, the internal chain of the segment starting
// from its first entry's recorded PrevHash, the entry count, and that the
// last archived hash is the anchor hash the live chain continues from.
//
// # Outputs
//
//   - VerificationResult: Chain outcome over the segment.
//   - error: Non-nil if the object cannot be read or does not match the
//     anchor's digest, count or final hash.
func VerifySegment(ctx context.Context, sink ArchiveSink, anchor ArchiveAnchor) (VerificationResult, error) {
	data, err := sink.Get(ctx, anchor.SegmentKey)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("read segment %s: %w", anchor.SegmentKey, err)
	}
	if Hash(sha256.Sum256(data)) != anchor.SegmentSHA256 {
		return VerificationResult{}, fmt.Errorf("segment %s digest mismatch", anchor.SegmentKey)
	}
	entries, err := DecodeSegment(data)
	if err != nil {
		return VerificationResult{}, err
	}
	if int64(len(entries)) != anchor.EntryCount {
		return VerificationResult{}, fmt.Errorf("segment %s holds %d entries, anchor records %d",
			anchor.SegmentKey, len(entries), anchor.EntryCount)
	}
	if len(entries) == 0 {
		return VerificationResult{Valid: true}, nil
	}
	res := VerifyRange(entries, entries[0].PrevHash)
	if res.Valid && entries[len(entries)-1].EventHash != anchor.AnchorHash {
		return res, fmt.Errorf("segment %s final hash does not match anchor", anchor.SegmentKey)
	}
	return res, nil
}
