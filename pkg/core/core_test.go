// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/groundchat/memcore/pkg/config"
	"github.com/groundchat/memcore/pkg/deletion"
	"github.com/groundchat/memcore/pkg/docstore"
	"github.com/groundchat/memcore/pkg/generate"
	"github.com/groundchat/memcore/pkg/registry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Registry: config.RegistryConfig{
			Driver:     "sqlite",
			DSN:        filepath.Join(t.TempDir(), "memcore.db"),
			BcryptCost: bcrypt.MinCost,
		},
		DocumentStore: config.DocumentStoreConfig{Type: "memory"},
		Index:         config.IndexConfig{Type: "memory", Collection: "documents"},
		Embedding:     config.EmbeddingConfig{Provider: "hash", Dimensions: 64},
		Generation:    config.GenerationConfig{Provider: "static", Response: "dummy response"},
		Ingest:        config.IngestConfig{ChunkSize: 200, ChunkOverlap: 20, BatchSize: 8, Concurrency: 2},
		Memory:        config.MemoryConfig{Limit: 10, ChunkSize: 300, ChunkOverlap: 50},
		Retrieval:     config.RetrievalConfig{KMemory: 3, KDocs: 3, Overfetch: 4},
	}
}

func newService(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, testConfig(t), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })

	for _, u := range []struct {
		id    string
		admin bool
	}{{"admin", true}, {"alice", false}, {"bob", false}} {
		if err := s.RegisterUser(ctx, u.id, u.id+"-pw", u.admin); err != nil {
			t.Fatalf("RegisterUser(%s): %v", u.id, err)
		}
	}
	return s
}

func upload(t *testing.T, s *Service, actor, name, text string) registry.Document {
	t.Helper()
	res, err := s.Upload(context.Background(), UploadRequest{Actor: actor, Filename: name, Data: []byte(text)})
	if err != nil {
		t.Fatalf("Upload(%s, %s): %v", actor, name, err)
	}
	if !res.Ingest.Success || res.Ingest.ChunksWritten == 0 {
		t.Fatalf("Upload(%s, %s) ingest = %+v", actor, name, res.Ingest)
	}
	return res.Document
}

func chunksOf(t *testing.T, s *Service, path string) int {
	t.Helper()
	chunks, err := s.index.Scan(context.Background(), s.cfg.Index.Collection)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	n := 0
	for _, c := range chunks {
		if c.Source == path {
			n++
		}
	}
	return n
}

func TestOpen_UnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Index.Type = "faiss"
	if _, err := Open(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error for unknown index backend")
	}
}

func TestAuthenticate(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	if ok, err := s.Authenticate(ctx, "alice", "alice-pw"); err != nil || !ok {
		t.Fatalf("Authenticate(alice) = %v, %v", ok, err)
	}
	if ok, _ := s.Authenticate(ctx, "alice", "wrong"); ok {
		t.Error("wrong password accepted")
	}
	if err := s.ChangePassword(ctx, "bob", "alice", "stolen"); !errors.Is(err, ErrAuthorizationDenied) {
		t.Errorf("ChangePassword by bob = %v, want ErrAuthorizationDenied", err)
	}
	if err := s.ChangePassword(ctx, "alice", "alice", "new-pw"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if ok, _ := s.Authenticate(ctx, "alice", "new-pw"); !ok {
		t.Error("new password rejected")
	}
	if _, err := s.Users(ctx, "alice"); !errors.Is(err, ErrAuthorizationDenied) {
		t.Errorf("Users by alice = %v, want ErrAuthorizationDenied", err)
	}
	users, err := s.Users(ctx, "admin")
	if err != nil || len(users) != 3 {
		t.Errorf("Users = %d, %v", len(users), err)
	}
}

func TestUpload_PrivateDocumentHidden(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	doc := upload(t, s, "alice", "report.txt", "Quarterly revenue grew twelve percent in the northern region.")
	if doc.Path != "alice/report.txt" || doc.UploadedBy != "alice" || doc.IsGlobal {
		t.Fatalf("document = %+v", doc)
	}

	bobDocs, err := s.Documents(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(bobDocs) != 0 {
		t.Errorf("bob sees %v", bobDocs)
	}

	rc, err := s.BuildContext(ctx, "bob", "quarterly revenue")
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range rc.Documents {
		if h.Source == doc.Path {
			t.Fatalf("bob retrieved %s", doc.Path)
		}
	}

	rc, err = s.BuildContext(ctx, "alice", "quarterly revenue")
	if err != nil {
		t.Fatal(err)
	}
	if len(rc.Documents) == 0 || rc.Documents[0].Source != doc.Path {
		t.Errorf("alice documents = %+v", rc.Documents)
	}
}

func TestUpload_Conflicts(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	upload(t, s, "alice", "notes.txt", "first version")
	_, err := s.Upload(ctx, UploadRequest{Actor: "alice", Filename: "notes.txt", Data: []byte("second version")})
	if !IsConflict(err) {
		t.Fatalf("second upload = %v, want conflict", err)
	}
	// Same file name in another tenant's directory is a different document.
	upload(t, s, "bob", "notes.txt", "bob's notes")

	_, err = s.Upload(ctx, UploadRequest{Actor: "alice", Filename: "handbook.txt", Data: []byte("x"), Global: true})
	if !errors.Is(err, ErrAuthorizationDenied) {
		t.Errorf("global upload by alice = %v, want ErrAuthorizationDenied", err)
	}
	_, err = s.Upload(ctx, UploadRequest{Actor: "mallory", Filename: "x.txt", Data: []byte("x")})
	if !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("upload by unknown user = %v, want ErrNotFound", err)
	}
	_, err = s.Upload(ctx, UploadRequest{Actor: "alice", Filename: "../bob/notes.txt", Data: []byte("x")})
	if err == nil {
		t.Error("path traversal accepted")
	}
}

func TestShareAndRevoke(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	doc := upload(t, s, "alice", "shared.txt", "The shared plan covers hiring and budget for next year.")
	if err := s.Share(ctx, "bob", doc.ID, "bob"); !errors.Is(err, ErrAuthorizationDenied) {
		t.Fatalf("Share by non-owner = %v, want ErrAuthorizationDenied", err)
	}
	if err := s.Share(ctx, "alice", doc.ID, "bob"); err != nil {
		t.Fatalf("Share: %v", err)
	}

	report, err := s.Revoke(ctx, "alice", doc.ID)
	if err != nil {
		t.Fatalf("Revoke(alice): %v", err)
	}
	if report.State != deletion.StateActive || report.Remaining != 1 {
		t.Errorf("report = %+v", report)
	}
	if n := chunksOf(t, s, doc.Path); n == 0 {
		t.Fatal("chunks removed while bob still owns the document")
	}
	rc, err := s.BuildContext(ctx, "bob", "hiring budget plan")
	if err != nil {
		t.Fatal(err)
	}
	if len(rc.Documents) == 0 {
		t.Error("bob lost access to the shared document")
	}

	report, err = s.Revoke(ctx, "bob", doc.ID)
	if err != nil {
		t.Fatalf("Revoke(bob): %v", err)
	}
	if report.State != deletion.StatePurged {
		t.Errorf("state = %s, want %s", report.State, deletion.StatePurged)
	}
	if n := chunksOf(t, s, doc.Path); n != 0 {
		t.Errorf("%d orphaned chunks left", n)
	}
	if ok, _ := s.files.Exists(ctx, doc.Path); ok {
		t.Error("file left behind")
	}
	if _, err := s.registry.GetDocument(ctx, doc.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("GetDocument = %v, want ErrNotFound", err)
	}
}

func TestChat(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	first, err := s.Chat(ctx, "alice", "My favourite colour is green.", nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if first.Answer != "dummy response" {
		t.Errorf("answer = %q", first.Answer)
	}
	if !strings.Contains(first.Prompt, "No previous conversation found.") ||
		!strings.Contains(first.Prompt, "No relevant documents found.") {
		t.Errorf("first prompt = %q", first.Prompt)
	}
	if first.Memory.Total != 1 {
		t.Errorf("memory total = %d, want 1", first.Memory.Total)
	}

	var seen string
	gen := generate.Func(func(_ context.Context, prompt string) (string, error) {
		seen = prompt
		return "green", nil
	})
	second, err := s.Chat(ctx, "alice", "What is my favourite colour?", gen)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if second.Answer != "green" || !strings.Contains(seen, "My favourite colour is green.") {
		t.Errorf("answer %q from prompt %q", second.Answer, seen)
	}
	if !strings.HasSuffix(seen, "User: What is my favourite colour?\nAnswer:") {
		t.Errorf("prompt tail = %q", seen)
	}

	// Memory never crosses tenants.
	bob, err := s.Chat(ctx, "bob", "What is my favourite colour?", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(bob.Context.Memory) != 0 {
		t.Errorf("bob recalled %v", bob.Context.Memory)
	}

	if _, err := s.Chat(ctx, "mallory", "hello", nil); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Chat(unknown) = %v, want ErrNotFound", err)
	}
}

func TestChat_GenerationFailureNotRecorded(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	boom := errors.New("model unavailable")
	failing := generate.Func(func(context.Context, string) (string, error) { return "", boom })
	if _, err := s.Chat(ctx, "alice", "hello", failing); !errors.Is(err, boom) {
		t.Fatalf("Chat = %v, want %v", err, boom)
	}
	hist, err := s.History(ctx, "alice", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 0 {
		t.Errorf("history = %v, want empty", hist)
	}
}

func TestChat_MemoryBound(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	for i := range 11 {
		if _, err := s.Chat(ctx, "alice", fmt.Sprintf("message number %d", i), nil); err != nil {
			t.Fatal(err)
		}
	}
	hist, err := s.History(ctx, "alice", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 10 {
		t.Fatalf("history has %d fragments, want 10", len(hist))
	}
	if hist[0].Text != "message number 1" || hist[9].Text != "message number 10" {
		t.Errorf("history spans %q .. %q", hist[0].Text, hist[9].Text)
	}
	if _, err := s.History(ctx, "bob", "alice"); !errors.Is(err, ErrAuthorizationDenied) {
		t.Errorf("History by bob = %v, want ErrAuthorizationDenied", err)
	}
}

func TestDeleteUser(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	private := upload(t, s, "alice", "diary.txt", "Private thoughts about the weekend trip.")
	shared := upload(t, s, "alice", "plan.txt", "Team plan for the product launch.")
	if err := s.Share(ctx, "alice", shared.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Chat(ctx, "alice", "remember the launch", nil); err != nil {
		t.Fatal(err)
	}

	if _, err := s.DeleteUser(ctx, "bob", "alice"); !errors.Is(err, ErrAuthorizationDenied) {
		t.Fatalf("DeleteUser by bob = %v, want ErrAuthorizationDenied", err)
	}

	report, err := s.DeleteUser(ctx, "alice", "alice")
	if err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if len(report.Errors) != 0 {
		t.Fatalf("errors = %v", report.Errors)
	}
	if !slices.Equal(report.DeletedFiles, []string{private.Path}) {
		t.Errorf("deleted = %v", report.DeletedFiles)
	}
	if !slices.Equal(report.RetainedFilesDueToSharing, []string{shared.Path}) {
		t.Errorf("retained = %v", report.RetainedFilesDueToSharing)
	}

	if _, err := s.registry.GetUser(ctx, "alice"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("GetUser = %v, want ErrNotFound", err)
	}
	if n := chunksOf(t, s, private.Path); n != 0 {
		t.Errorf("%d chunks of the private document left", n)
	}
	if n := chunksOf(t, s, shared.Path); n == 0 {
		t.Error("shared document chunks removed")
	}
	tenants, err := s.MemoryTenants(ctx, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if slices.Contains(tenants, "alice") {
		t.Errorf("alice memory survived: %v", tenants)
	}

	docs, err := s.Documents(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].ID != shared.ID {
		t.Errorf("bob documents = %+v", docs)
	}
}

func TestSeedGlobalAndAdminOperations(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	seeded, err := s.SeedGlobal(ctx, "faq.txt", []byte("Support hours are nine to five on weekdays."))
	if err != nil {
		t.Fatalf("SeedGlobal: %v", err)
	}
	if seeded.Document.Path != "public/faq.txt" || seeded.Document.UploadedBy != "" {
		t.Fatalf("seeded = %+v", seeded.Document)
	}
	if _, err := s.SeedGlobal(ctx, "faq.txt", []byte("again")); !IsConflict(err) {
		t.Errorf("second seed = %v, want conflict", err)
	}
	for _, tenant := range []string{"alice", "bob"} {
		rc, err := s.BuildContext(ctx, tenant, "support hours")
		if err != nil {
			t.Fatal(err)
		}
		if len(rc.Documents) == 0 || rc.Documents[0].Source != "public/faq.txt" {
			t.Errorf("%s documents = %+v", tenant, rc.Documents)
		}
	}

	batch, err := s.IngestGlobal(ctx, "admin")
	if err != nil || batch.Succeeded() != 1 {
		t.Fatalf("IngestGlobal = %+v, %v", batch, err)
	}
	if n := chunksOf(t, s, "public/faq.txt"); n != seeded.Ingest.ChunksWritten {
		t.Errorf("re-ingest left %d chunks, want %d", n, seeded.Ingest.ChunksWritten)
	}

	if _, err := s.PurgeSource(ctx, "alice", "faq.txt"); !errors.Is(err, ErrAuthorizationDenied) {
		t.Errorf("PurgeSource by alice = %v", err)
	}
	n, err := s.PurgeSource(ctx, "admin", "faq.txt")
	if err != nil || n != seeded.Ingest.ChunksWritten {
		t.Errorf("PurgeSource = %d, %v", n, err)
	}

	report, err := s.PurgeGlobal(ctx, "admin", seeded.Document.ID)
	if err != nil {
		t.Fatalf("PurgeGlobal: %v", err)
	}
	if report.State != deletion.StatePurged {
		t.Errorf("state = %s", report.State)
	}
	if docs, _ := s.Documents(ctx, "alice"); len(docs) != 0 {
		t.Errorf("alice still sees %+v", docs)
	}
}

func TestClearOperations(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	doc := upload(t, s, "alice", "a.txt", "Alpha document text.")
	for _, tenant := range []string{"alice", "bob"} {
		if _, err := s.Chat(ctx, tenant, "hello from "+tenant, nil); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.ClearMemory(ctx, "bob", "alice"); !errors.Is(err, ErrAuthorizationDenied) {
		t.Errorf("ClearMemory by bob = %v", err)
	}
	if err := s.ClearMemory(ctx, "alice", "alice"); err != nil {
		t.Fatal(err)
	}
	tenants, err := s.MemoryTenants(ctx, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(tenants, []string{"bob"}) {
		t.Errorf("tenants = %v, want [bob]", tenants)
	}

	if err := s.ClearAllMemory(ctx, "alice"); !errors.Is(err, ErrAuthorizationDenied) {
		t.Errorf("ClearAllMemory by alice = %v", err)
	}
	if err := s.ClearAllMemory(ctx, "admin"); err != nil {
		t.Fatal(err)
	}
	if tenants, _ := s.MemoryTenants(ctx, "admin"); len(tenants) != 0 {
		t.Errorf("tenants after ClearAllMemory = %v", tenants)
	}

	if err := s.ClearIndex(ctx, "admin"); err != nil {
		t.Fatal(err)
	}
	if n := chunksOf(t, s, doc.Path); n != 0 {
		t.Errorf("%d chunks after ClearIndex", n)
	}
	batch, err := s.IngestMine(ctx, "alice")
	if err != nil || batch.Succeeded() != 1 {
		t.Fatalf("IngestMine = %+v, %v", batch, err)
	}
	if n := chunksOf(t, s, doc.Path); n == 0 {
		t.Error("IngestMine did not restore chunks")
	}
}

func sourcePaths(sources []deletion.Source) []string {
	out := make([]string, len(sources))
	for i, src := range sources {
		out[i] = src.Path
	}
	return out
}

func TestUpload_RejectsDotOwner(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	for _, id := range []string{".", ".."} {
		if err := s.RegisterUser(ctx, id, "pw", false); err != nil {
			t.Fatalf("RegisterUser(%q): %v", id, err)
		}
		_, err := s.Upload(ctx, UploadRequest{Actor: id, Filename: "x.txt", Data: []byte("escape")})
		if !errors.Is(err, docstore.ErrInvalidPath) {
			t.Errorf("Upload by %q = %v, want ErrInvalidPath", id, err)
		}
	}
	if paths, err := s.files.List(ctx, ""); err != nil || len(paths) != 0 {
		t.Errorf("stored paths = %v, %v", paths, err)
	}
}

func TestIngestOne(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	doc := upload(t, s, "alice", "a.txt", "Alpha document about quarterly planning.")
	want := chunksOf(t, s, doc.Path)
	seeded, err := s.SeedGlobal(ctx, "faq.txt", []byte("Support hours are nine to five."))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.IngestOne(ctx, "bob", doc.ID); !errors.Is(err, ErrAuthorizationDenied) {
		t.Errorf("IngestOne by bob = %v, want ErrAuthorizationDenied", err)
	}
	if _, err := s.IngestOne(ctx, "alice", seeded.Document.ID); !errors.Is(err, ErrAuthorizationDenied) {
		t.Errorf("IngestOne of global doc by alice = %v, want ErrAuthorizationDenied", err)
	}
	if _, err := s.IngestOne(ctx, "alice", 999); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("IngestOne of missing doc = %v, want ErrNotFound", err)
	}

	if _, err := s.ClearMyChunks(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	res, err := s.IngestOne(ctx, "alice", doc.ID)
	if err != nil || !res.Success {
		t.Fatalf("IngestOne by owner = %+v, %v", res, err)
	}
	if n := chunksOf(t, s, doc.Path); n != want {
		t.Errorf("chunks after IngestOne = %d, want %d", n, want)
	}
	if res, err := s.IngestOne(ctx, "admin", doc.ID); err != nil || !res.Success {
		t.Errorf("IngestOne by admin = %+v, %v", res, err)
	}
	if res, err := s.IngestOne(ctx, "admin", seeded.Document.ID); err != nil || !res.Success {
		t.Errorf("IngestOne of global doc by admin = %+v, %v", res, err)
	}
	if n := chunksOf(t, s, doc.Path); n != want {
		t.Errorf("repeated ingest left %d chunks, want %d", n, want)
	}
}

func TestIndexedSources(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	upload(t, s, "alice", "a.txt", "Alpha document text.")
	upload(t, s, "bob", "b.txt", "Bravo document text.")
	shared := upload(t, s, "bob", "c.txt", "Charlie document text.")
	if err := s.Share(ctx, "bob", shared.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SeedGlobal(ctx, "faq.txt", []byte("Support hours are nine to five.")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		actor string
		want  []string
	}{
		{"alice", []string{"alice/a.txt", "bob/c.txt", "public/faq.txt"}},
		{"bob", []string{"bob/b.txt", "bob/c.txt", "public/faq.txt"}},
		{"admin", []string{"alice/a.txt", "bob/b.txt", "bob/c.txt", "public/faq.txt"}},
	}
	for _, tt := range tests {
		sources, err := s.IndexedSources(ctx, tt.actor)
		if err != nil {
			t.Fatalf("IndexedSources(%s): %v", tt.actor, err)
		}
		if got := sourcePaths(sources); !slices.Equal(got, tt.want) {
			t.Errorf("IndexedSources(%s) = %v, want %v", tt.actor, got, tt.want)
		}
		for _, src := range sources {
			if src.Chunks != chunksOf(t, s, src.Path) {
				t.Errorf("%s chunks = %d, want %d", src.Path, src.Chunks, chunksOf(t, s, src.Path))
			}
			if src.Path == "bob/c.txt" && src.OwnerScope != "bob" {
				t.Errorf("%s owner scope = %q, want bob", src.Path, src.OwnerScope)
			}
			if src.Path == "public/faq.txt" && src.OwnerScope != docstore.PublicScope {
				t.Errorf("%s owner scope = %q, want public", src.Path, src.OwnerScope)
			}
		}
	}

	if _, err := s.IndexedSources(ctx, "mallory"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("IndexedSources(mallory) = %v, want ErrNotFound", err)
	}
}

func TestClearChunksOf(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	a := upload(t, s, "alice", "a.txt", "Alpha document text.")
	b := upload(t, s, "bob", "b.txt", "Bravo document text.")
	aChunks, bChunks := chunksOf(t, s, a.Path), chunksOf(t, s, b.Path)

	if _, err := s.ClearChunksOf(ctx, "bob", "alice"); !errors.Is(err, ErrAuthorizationDenied) {
		t.Errorf("ClearChunksOf by bob = %v, want ErrAuthorizationDenied", err)
	}
	n, err := s.ClearMyChunks(ctx, "alice")
	if err != nil || n != aChunks {
		t.Fatalf("ClearMyChunks = %d, %v, want %d", n, err, aChunks)
	}
	if chunksOf(t, s, a.Path) != 0 || chunksOf(t, s, b.Path) != bChunks {
		t.Errorf("chunks after clear: alice %d, bob %d", chunksOf(t, s, a.Path), chunksOf(t, s, b.Path))
	}
	docs, err := s.Documents(ctx, "alice")
	if err != nil || len(docs) != 1 || docs[0].ID != a.ID {
		t.Errorf("alice documents = %+v, %v", docs, err)
	}
	if ok, _ := s.files.Exists(ctx, a.Path); !ok {
		t.Error("file removed by ClearMyChunks")
	}

	n, err = s.ClearChunksOf(ctx, "admin", "bob")
	if err != nil || n != bChunks {
		t.Errorf("ClearChunksOf by admin = %d, %v, want %d", n, err, bChunks)
	}
}

func TestPurgeDocumentsOf(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	private := upload(t, s, "alice", "a.txt", "Alpha document text.")
	shared := upload(t, s, "alice", "shared.txt", "Shared document text.")
	if err := s.Share(ctx, "alice", shared.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	sharedChunks := chunksOf(t, s, shared.Path)

	if _, err := s.PurgeDocumentsOf(ctx, "bob", "alice"); !errors.Is(err, ErrAuthorizationDenied) {
		t.Errorf("PurgeDocumentsOf by bob = %v, want ErrAuthorizationDenied", err)
	}
	if _, err := s.PurgeDocumentsOf(ctx, "admin", "ghost"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("PurgeDocumentsOf(ghost) = %v, want ErrNotFound", err)
	}

	report, err := s.PurgeDocumentsOf(ctx, "admin", "alice")
	if err != nil {
		t.Fatalf("PurgeDocumentsOf: %v", err)
	}
	if !slices.Equal(report.DeletedFiles, []string{private.Path}) ||
		!slices.Equal(report.RetainedFilesDueToSharing, []string{shared.Path}) ||
		len(report.Errors) != 0 {
		t.Errorf("report = %+v", report)
	}
	if ok, err := s.Authenticate(ctx, "alice", "alice-pw"); err != nil || !ok {
		t.Errorf("alice account removed: %v, %v", ok, err)
	}
	if docs, _ := s.Documents(ctx, "alice"); len(docs) != 0 {
		t.Errorf("alice still sees %+v", docs)
	}
	if chunksOf(t, s, private.Path) != 0 {
		t.Error("chunks of purged document left in index")
	}
	if chunksOf(t, s, shared.Path) != sharedChunks {
		t.Error("shared document chunks removed")
	}
	if docs, _ := s.Documents(ctx, "bob"); len(docs) != 1 || docs[0].ID != shared.ID {
		t.Errorf("bob documents = %+v", docs)
	}
}

func TestService_DoesNotExposeRegistry(t *testing.T) {
	store := reflect.TypeOf((*registry.Store)(nil))
	svc := reflect.TypeOf((*Service)(nil))
	for i := range svc.NumMethod() {
		m := svc.Method(i)
		for j := range m.Type.NumOut() {
			if m.Type.Out(j) == store {
				t.Errorf("%s returns *registry.Store", m.Name)
			}
		}
	}
}
