// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package extract turns raw document bytes into plain text for ingestion.
package extract

import (
	"context"
	"path/filepath"
	"strings"
)

// Extractor converts a stored document to plain text. An empty result with a
// nil error means the document has no extractable text.
type Extractor interface {
	Extract(ctx context.Context, filename string, data []byte) (string, error)
}

// Func adapts a function to the Extractor interface.
type Func func(ctx context.Context, filename string, data []byte) (string, error)

func (f Func) Extract(ctx context.Context, filename string, data []byte) (string, error) {
	return f(ctx, filename, data)
}

// ByExtension dispatches on the file extension. Unknown extensions are read
// as UTF-8 text.
type ByExtension struct{}

// compile-time check
var _ Extractor = ByExtension{}

func (ByExtension) Extract(_ context.Context, filename string, data []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return extractPDF(data)
	case ".html", ".htm":
		return extractHTML(data)
	case ".csv":
		return extractCSV(data)
	case ".json":
		return extractJSON(data)
	case ".jsonl":
		return extractJSONL(data)
	default:
		return extractText(data), nil
	}
}
