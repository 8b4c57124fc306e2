// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

package extract

import "strings"

// extractText passes content through, replacing invalid UTF-8 sequences.
func extractText(content []byte) string {
	return strings.ToValidUTF8(string(content), "�")
}
