// Package hashing computes content hashes used for duplicate detection and
// artifact verification.
//
// A hash is the MD5 hex digest of the canonical JSON form of a document:
// object keys sorted, no insignificant whitespace, numbers kept as written.
// Two payloads that differ only in key order or formatting hash equally.
package hashing

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Canonical returns the canonical JSON encoding of v.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return canonicalize(raw)
}

// Hash returns the content hash of v.
func Hash(v any) (string, error) {
	canon, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return digest(canon), nil
}

// HashBytes returns the content hash of a raw JSON document.
func HashBytes(raw []byte) (string, error) {
	canon, err := canonicalize(raw)
	if err != nil {
		return "", err
	}
	return digest(canon), nil
}

// canonicalize decodes into generic values and re-encodes; encoding/json
// writes map keys in sorted order.
func canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func digest(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
