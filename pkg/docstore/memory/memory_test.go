// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

package memory_test

import (
	"testing"

	"github.com/groundchat/memcore/pkg/docstore"
	"github.com/groundchat/memcore/pkg/docstore/docstoretest"
	"github.com/groundchat/memcore/pkg/docstore/memory"
)

func TestMemoryConformance(t *testing.T) {
	docstoretest.RunConformanceTests(t, func(t *testing.T) docstore.Store {
		return memory.New()
	})
}
