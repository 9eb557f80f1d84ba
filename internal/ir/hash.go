package ir

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
)

// HashSize is the length in bytes of every digest produced by this package.
const HashSize = sha256.Size

// PayloadHash returns the lowercase hex SHA-256 of the canonical encoding of
// value. Structurally equal values hash identically regardless of key order.
func PayloadHash(value any) (string, error) {
	canonical, err := MarshalCanonical(value)
	if err != nil {
		return "", fmt.Errorf("PayloadHash: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// RevisionHash chains a payload onto its parent revision:
//
//	SHA-256(raw(parent) || raw(payload))
//
// where raw decodes the hex digest to its 32 bytes. An empty parent
// contributes the zero-length sentinel, producing a distinguishable genesis
// revision (a 32-byte preimage instead of 64).
func RevisionHash(parentHash, payloadHash string) (string, error) {
	parent, err := decodeOptionalDigest("parent", parentHash)
	if err != nil {
		return "", fmt.Errorf("RevisionHash: %w", err)
	}
	payload, err := decodeDigest("payload", payloadHash)
	if err != nil {
		return "", fmt.Errorf("RevisionHash: %w", err)
	}

	h := sha256.New()
	h.Write(parent)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// EdgeHash identifies one worker's contribution to a revision:
//
//	SHA-256(raw(revision) || raw(payload) || utf8(workerID) || raw(parentEdge))
//
// An empty parentEdge contributes the zero-length sentinel.
func EdgeHash(revisionHash, payloadHash, workerID, parentEdgeHash string) (string, error) {
	revision, err := decodeDigest("revision", revisionHash)
	if err != nil {
		return "", fmt.Errorf("EdgeHash: %w", err)
	}
	payload, err := decodeDigest("payload", payloadHash)
	if err != nil {
		return "", fmt.Errorf("EdgeHash: %w", err)
	}
	if workerID == "" {
		return "", fmt.Errorf("EdgeHash: worker id is required")
	}
	parent, err := decodeOptionalDigest("parent edge", parentEdgeHash)
	if err != nil {
		return "", fmt.Errorf("EdgeHash: %w", err)
	}

	h := sha256.New()
	h.Write(revision)
	h.Write(payload)
	h.Write([]byte(workerID))
	h.Write(parent)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FanoutRootHash computes a Merkle root over edge hashes.
//
// Leaves are sorted by hash value before pairing, so the root does not
// depend on the order in which edges arrived. Adjacent pairs are hashed as
// SHA-256(left || right); an unpaired final leaf is carried up unchanged.
// A single leaf is its own root; an empty set hashes to SHA-256("").
func FanoutRootHash(edgeHashes []string) (string, error) {
	if len(edgeHashes) == 0 {
		sum := sha256.Sum256(nil)
		return hex.EncodeToString(sum[:]), nil
	}

	level := make([][]byte, 0, len(edgeHashes))
	for i, eh := range edgeHashes {
		raw, err := decodeDigest(fmt.Sprintf("edge[%d]", i), eh)
		if err != nil {
			return "", fmt.Errorf("FanoutRootHash: %w", err)
		}
		level = append(level, raw)
	}
	slices.SortFunc(level, bytes.Compare)

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			h := sha256.New()
			h.Write(level[i])
			h.Write(level[i+1])
			next = append(next, h.Sum(nil))
		}
		level = next
	}
	return hex.EncodeToString(level[0]), nil
}

// ValidHash reports whether s is a lowercase hex SHA-256 digest.
func ValidHash(s string) bool {
	if len(s) != HashSize*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func decodeDigest(name, s string) ([]byte, error) {
	if !ValidHash(s) {
		return nil, fmt.Errorf("%s hash %q is not a lowercase hex SHA-256 digest", name, s)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s hash: %w", name, err)
	}
	return raw, nil
}

func decodeOptionalDigest(name, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return decodeDigest(name, s)
}

// MustPayloadHash is like PayloadHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustPayloadHash(value any) string {
	h, err := PayloadHash(value)
	if err != nil {
		panic(err)
	}
	return h
}

// MustRevisionHash is like RevisionHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustRevisionHash(parentHash, payloadHash string) string {
	h, err := RevisionHash(parentHash, payloadHash)
	if err != nil {
		panic(err)
	}
	return h
}

// MustEdgeHash is like EdgeHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustEdgeHash(revisionHash, payloadHash, workerID, parentEdgeHash string) string {
	h, err := EdgeHash(revisionHash, payloadHash, workerID, parentEdgeHash)
	if err != nil {
		panic(err)
	}
	return h
}
