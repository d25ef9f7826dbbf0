package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// EvidenceKind classifies an observable artifact.
type EvidenceKind string

const (
	EvidenceFileDiff      EvidenceKind = "file_diff"
	EvidenceCommandOutput EvidenceKind = "command_output"
	EvidenceTestResult    EvidenceKind = "test_result"
	EvidenceFileContent   EvidenceKind = "file_content"
	EvidenceNote          EvidenceKind = "note"
)

// Evidence is an immutable, content-addressed reference to an artifact.
// Label is a caller-chosen name (e.g. "test_output") and is not hashed.
type Evidence struct {
	Kind    EvidenceKind `json:"kind"`
	Label   string       `json:"label,omitempty"`
	Path    string       `json:"path,omitempty"`
	Content string       `json:"content"`
	Hash    string       `json:"hash"`
}

// NewEvidence builds an evidence item with its content hash computed.
func NewEvidence(kind EvidenceKind, label, path, content string) Evidence {
	e := Evidence{Kind: kind, Label: label, Path: path, Content: content}
	e.Hash = e.ContentHash()
	return e
}

// Sealed returns a copy whose Hash is recomputed from content, discarding
// whatever hash the submitter supplied.
func (e Evidence) Sealed() Evidence {
	e.Hash = e.ContentHash()
	return e
}

// ContentHash computes the stable hash over the normalized content.
func (e Evidence) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(e.Kind))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(e.Path)))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeContent(e.Content)))
	return hex.EncodeToString(h.Sum(nil))
}

// Matches reports whether ref cites this evidence item. A reference may be
// the full hash, a hash prefix of at least 8 characters, the label, or the kind.
func (e Evidence) Matches(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return false
	}
	if ref == e.Hash || (e.Label != "" && ref == e.Label) || ref == string(e.Kind) {
		return true
	}
	return len(ref) >= 8 && strings.HasPrefix(e.Hash, ref)
}

// NormalizeContent canonicalizes line endings and trailing whitespace.
func NormalizeContent(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Hashes returns the content hashes of the given evidence items.
func Hashes(items []Evidence) []string {
	out := make([]string, 0, len(items))
	for _, e := range items {
		out = append(out, e.ContentHash())
	}
	return out
}
