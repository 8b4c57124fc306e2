// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

package extract

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// extractCSV renders rows as tab-separated lines. Malformed CSV is returned
// as raw text.
func extractCSV(content []byte) (string, error) {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	var rows []string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return extractText(content), nil
		}
		rows = append(rows, strings.Join(record, "\t"))
	}
	return strings.Join(rows, "\n"), nil
}

// extractJSON pretty-prints a JSON document; invalid JSON is returned as is.
func extractJSON(content []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, content, "", "  "); err != nil {
		return extractText(content), nil
	}
	return buf.String(), nil
}

// extractJSONL pretty-prints each non-empty line of a JSON Lines file.
func extractJSONL(content []byte) (string, error) {
	var out []string
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, []byte(line), "", "  "); err != nil {
			out = append(out, line)
			continue
		}
		out = append(out, buf.String())
	}
	return strings.Join(out, "\n"), nil
}
