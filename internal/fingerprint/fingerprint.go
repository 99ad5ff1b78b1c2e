// Package fingerprint derives the deterministic identifier for "this exact
// priced content". The normalization and delimiter rules are part of the
// contract: changing them changes every stored fingerprint.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Length is the number of hex characters kept from the SHA-256 digest.
const Length = 32

var (
	ErrEmptySourceID   = errors.New("source id is empty")
	ErrReservedChar    = errors.New("source id contains the list delimiter")
	ErrNegativePrice   = errors.New("price must not be negative")
	reservedDelimiters = ","
)

// Compute returns the fingerprint for (query, sourceIDs, priceMinor).
// The query is trimmed and lowercased, source ids are sorted, and the
// canonical string "{query}:{ids}:{price}" is hashed with SHA-256.
func Compute(query string, sourceIDs []string, priceMinor int64) string {
	sum := sha256.Sum256([]byte(Canonical(query, sourceIDs, priceMinor)))
	return hex.EncodeToString(sum[:])[:Length]
}

// Canonical returns the pre-hash string. Exposed so other implementations can
// be checked against it.
func Canonical(query string, sourceIDs []string, priceMinor int64) string {
	ids := make([]string, len(sourceIDs))
	copy(ids, sourceIDs)
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString(NormalizeQuery(query))
	b.WriteByte(':')
	b.WriteString(strings.Join(ids, ","))
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(priceMinor, 10))
	return b.String()
}

// NormalizeQuery trims surrounding whitespace and lowercases.
func NormalizeQuery(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// Validate checks inputs that would make the canonical form ambiguous.
func Validate(sourceIDs []string, priceMinor int64) error {
	if priceMinor < 0 {
		return ErrNegativePrice
	}
	for _, id := range sourceIDs {
		if id == "" {
			return ErrEmptySourceID
		}
		if strings.ContainsAny(id, reservedDelimiters) {
			return fmt.Errorf("%w: %q", ErrReservedChar, id)
		}
	}
	return nil
}
