// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

package chromem_test

import (
	"context"
	"testing"

	"github.com/groundchat/memcore/pkg/index"
	"github.com/groundchat/memcore/pkg/index/chromem"
	"github.com/groundchat/memcore/pkg/index/indextest"
)

func TestChromemConformance(t *testing.T) {
	indextest.RunConformanceTests(t, func(t *testing.T) index.Index {
		x, err := chromem.New(chromem.Options{})
		if err != nil {
			t.Fatalf("chromem.New: %v", err)
		}
		return x
	})
}

func TestChromemPersistentConformance(t *testing.T) {
	indextest.RunConformanceTests(t, func(t *testing.T) index.Index {
		x, err := chromem.New(chromem.Options{Path: t.TempDir()})
		if err != nil {
			t.Fatalf("chromem.New: %v", err)
		}
		return x
	})
}

func TestChromemReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	x, err := chromem.New(chromem.Options{Path: dir})
	if err != nil {
		t.Fatalf("chromem.New: %v", err)
	}
	err = x.Upsert(ctx, "documents", []index.Chunk{
		{ID: "c1", Source: "public/a.txt", Content: "alpha", Vector: []float32{1, 0, 0}},
		{ID: "c2", Source: "public/b.txt", Content: "beta", Vector: []float32{0, 1, 0}},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	reopened, err := chromem.New(chromem.Options{Path: dir, Dimensions: 3})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	chunks, err := reopened.Scan(ctx, "documents")
	if err != nil {
		t.Fatalf("Scan after reopen: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Source != "public/a.txt" || chunks[1].Content != "beta" {
		t.Errorf("Scan after reopen = %+v", chunks)
	}
}
