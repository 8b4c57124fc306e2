// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package textsplit cuts text into overlapping windows for embedding.
package textsplit

import (
	"strings"
	"unicode"
)

// Window sizes used by the ingestion pipeline and by conversation memory.
const (
	DocumentSize    = 500
	DocumentOverlap = 50
	MemorySize      = 300
	MemoryOverlap   = 50
)

// Split breaks text into windows of at most size runes, each starting
// overlap runes before the end of the previous one. A window that would end
// mid-word is pulled back to the last whitespace when that keeps more than
// half of it. Whitespace-only windows are dropped and the rest are trimmed.
//
// A non-positive size falls back to DocumentSize. An overlap outside
// [0, size) is clamped to size/10.
func Split(text string, size, overlap int) []string {
	if size <= 0 {
		size = DocumentSize
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 10
	}

	runes := []rune(text)
	var chunks []string
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else if cut := lastSpace(runes[start:end]); cut > size/2 {
			end = start + cut
		}

		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}

		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

func lastSpace(rs []rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if unicode.IsSpace(rs[i]) {
			return i
		}
	}
	return -1
}
