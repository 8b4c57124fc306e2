// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

package memory_test

import (
	"testing"

	"github.com/groundchat/memcore/pkg/index"
	"github.com/groundchat/memcore/pkg/index/indextest"
	"github.com/groundchat/memcore/pkg/index/memory"
)

func TestMemoryConformance(t *testing.T) {
	indextest.RunConformanceTests(t, func(t *testing.T) index.Index {
		return memory.New()
	})
}
