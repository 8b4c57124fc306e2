// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

package extract

import (
	"context"
	"strings"
	"testing"
)

func TestByExtension(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
		contains string
		excludes string
	}{
		{"plain text", "notes.txt", "Quarterly numbers", "Quarterly numbers", ""},
		{"unknown extension", "data.xyz", "raw content", "raw content", ""},
		{"uppercase extension", "PAGE.HTML", "<p>Shout</p>", "Shout", "<p>"},
		{"html drops script", "page.html", "<body><p>Hello</p><script>var x=1;</script><p>World</p></body>", "Hello World", "var x"},
		{"html drops style", "page.htm", "<head><style>body{}</style></head><body>visible</body>", "visible", "body{}"},
		{"csv to tabs", "data.csv", "name,age\nAlice,30", "Alice\t30", ","},
		{"json pretty", "config.json", `{"key":"value"}`, `"key": "value"`, ""},
		{"jsonl pretty", "log.jsonl", "{\"a\":1}\n\n{\"b\":2}", `"b": 2`, ""},
		{"bad json passthrough", "bad.json", "not json", "not json", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ByExtension{}.Extract(context.Background(), tt.filename, []byte(tt.content))
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if !strings.Contains(got, tt.contains) {
				t.Errorf("Extract = %q, want substring %q", got, tt.contains)
			}
			if tt.excludes != "" && strings.Contains(got, tt.excludes) {
				t.Errorf("Extract = %q, must not contain %q", got, tt.excludes)
			}
		})
	}
}

func TestByExtension_InvalidPDF(t *testing.T) {
	_, err := ByExtension{}.Extract(context.Background(), "broken.pdf", []byte("not a pdf"))
	if err == nil {
		t.Fatal("expected error for malformed PDF")
	}
}

func TestByExtension_InvalidUTF8(t *testing.T) {
	got, err := ByExtension{}.Extract(context.Background(), "x.txt", []byte{'o', 'k', 0xff})
	if err != nil {
		t.Fatal(err)
	}
	if got != "ok�" {
		t.Errorf("Extract = %q", got)
	}
}

func TestFunc(t *testing.T) {
	var e Extractor = Func(func(_ context.Context, name string, _ []byte) (string, error) {
		return "from " + name, nil
	})
	got, _ := e.Extract(context.Background(), "a.bin", nil)
	if got != "from a.bin" {
		t.Errorf("Func.Extract = %q", got)
	}
}
