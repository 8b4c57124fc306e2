// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package docstoretest provides a shared conformance suite for docstore.Store
// implementations. Each backend calls RunConformanceTests from its own
// _test.go file.
package docstoretest

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/groundchat/memcore/pkg/docstore"
)

// RunConformanceTests exercises a Store against the shared contract.
// newStore is called once per sub-test to provide an isolated instance.
func RunConformanceTests(t *testing.T, newStore func(t *testing.T) docstore.Store) {
	t.Helper()

	t.Run("WriteAndRead", func(t *testing.T) {
		store := newStore(t)
		defer store.Close(context.Background())
		ctx := context.Background()

		if err := store.Write(ctx, "alice/notes.txt", []byte("hello")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		got, err := store.Read(ctx, "alice/notes.txt")
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(got) != "hello" {
			t.Errorf("Read = %q, want %q", got, "hello")
		}
		ok, err := store.Exists(ctx, "alice/notes.txt")
		if err != nil || !ok {
			t.Errorf("Exists = %v, %v; want true", ok, err)
		}
	})

	t.Run("WriteRejectsExisting", func(t *testing.T) {
		store := newStore(t)
		defer store.Close(context.Background())
		ctx := context.Background()

		if err := store.Write(ctx, "public/guide.txt", []byte("v1")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		err := store.Write(ctx, "public/guide.txt", []byte("v2"))
		if !errors.Is(err, docstore.ErrExists) {
			t.Fatalf("second Write error = %v, want ErrExists", err)
		}
		got, err := store.Read(ctx, "public/guide.txt")
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(got) != "v1" {
			t.Errorf("content was overwritten: %q", got)
		}
	})

	t.Run("ReadMissing", func(t *testing.T) {
		store := newStore(t)
		defer store.Close(context.Background())

		_, err := store.Read(context.Background(), "bob/missing.pdf")
		if !errors.Is(err, docstore.ErrNotFound) {
			t.Errorf("Read missing error = %v, want ErrNotFound", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		store := newStore(t)
		defer store.Close(context.Background())
		ctx := context.Background()

		if err := store.Write(ctx, "bob/a.txt", []byte("a")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := store.Delete(ctx, "bob/a.txt"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		ok, err := store.Exists(ctx, "bob/a.txt")
		if err != nil || ok {
			t.Errorf("Exists after delete = %v, %v; want false", ok, err)
		}
		if err := store.Delete(ctx, "bob/a.txt"); !errors.Is(err, docstore.ErrNotFound) {
			t.Errorf("second Delete error = %v, want ErrNotFound", err)
		}
		if err := store.Write(ctx, "bob/a.txt", []byte("again")); err != nil {
			t.Errorf("Write after delete: %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		store := newStore(t)
		defer store.Close(context.Background())
		ctx := context.Background()

		for _, p := range []string{"public/z.txt", "alice/b.txt", "alice/a.txt", "alicia/c.txt"} {
			if err := store.Write(ctx, p, []byte(p)); err != nil {
				t.Fatalf("Write %s: %v", p, err)
			}
		}
		got, err := store.List(ctx, "alice/")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		want := []string{"alice/a.txt", "alice/b.txt"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("List(alice/) = %v, want %v", got, want)
		}
		all, err := store.List(ctx, "")
		if err != nil {
			t.Fatalf("List all: %v", err)
		}
		if len(all) != 4 {
			t.Errorf("List(\"\") returned %d paths, want 4: %v", len(all), all)
		}
	})

	t.Run("InvalidPath", func(t *testing.T) {
		store := newStore(t)
		defer store.Close(context.Background())

		for _, p := range []string{"", "/abs.txt", "alice/../bob/x.txt"} {
			if err := store.Write(context.Background(), p, []byte("x")); !errors.Is(err, docstore.ErrInvalidPath) {
				t.Errorf("Write(%q) error = %v, want ErrInvalidPath", p, err)
			}
		}
	})

	t.Run("ConcurrentWritersOneWins", func(t *testing.T) {
		store := newStore(t)
		defer store.Close(context.Background())
		ctx := context.Background()

		const writers = 8
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = store.Write(ctx, "carol/race.txt", []byte{byte('a' + i)})
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case !errors.Is(err, docstore.ErrExists):
				t.Errorf("unexpected error: %v", err)
			}
		}
		if wins != 1 {
			t.Errorf("%d writers succeeded, want exactly 1", wins)
		}
	})
}
