// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

package textsplit

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		size    int
		overlap int
		want    []string
	}{
		{"empty", "", 10, 2, nil},
		{"whitespace only", "  \n\t ", 10, 2, nil},
		{"shorter than window", "hello", 10, 2, []string{"hello"}},
		{"fixed windows with overlap", "abcdefghij", 4, 1, []string{"abcd", "defg", "ghij"}},
		{"multibyte runes", "ééééé", 2, 0, []string{"éé", "éé", "é"}},
		{"breaks at whitespace", "alpha beta gamma", 12, 0, []string{"alpha beta", "gamma"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.text, tt.size, tt.overlap)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Split(%q, %d, %d) = %q, want %q", tt.text, tt.size, tt.overlap, got, tt.want)
			}
		})
	}
}

func TestSplit_WindowBoundAndOrder(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 400; i++ {
		fmt.Fprintf(&sb, "word%d ", i)
	}
	text := sb.String()

	chunks := Split(text, DocumentSize, DocumentOverlap)
	if len(chunks) < 4 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	pos := 0
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > DocumentSize {
			t.Errorf("chunk %d has %d runes, limit %d", i, n, DocumentSize)
		}
		idx := strings.Index(text[pos:], c)
		if idx < 0 {
			t.Fatalf("chunk %d not found after offset %d: order not preserved", i, pos)
		}
		pos += idx + 1
	}
}

func TestSplit_ClampsOverlap(t *testing.T) {
	got := Split("abcdefghijklmnopqrst", 10, 10)
	want := []string{"abcdefghij", "jklmnopqrs", "st"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Split with overlap == size = %q, want %q", got, want)
	}
}
