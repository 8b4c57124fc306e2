// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	milvusclient "github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/groundchat/memcore/pkg/index"
	"github.com/groundchat/memcore/pkg/provider"
)

func init() {
	index.Providers.Register("milvus", func(ctx context.Context, params provider.Params) (index.Index, error) {
		return New(ctx, params.String("address", "localhost:19530"))
	})
}

// compile-time check
var _ index.Index = (*Index)(nil)

const (
	fieldChunkID   = "chunk_id"
	fieldSource    = "source"
	fieldContent   = "content"
	fieldMetadata  = "metadata"
	fieldEmbedding = "embedding"

	maxContentLength  = 65535
	maxChunkIDLength  = 256
	maxSourceLength   = 1024
	maxMetadataLength = 4096
)

// Index implements index.Index on Milvus, one Milvus collection per index
// collection.
type Index struct {
	client milvusclient.Client
}

// New connects to Milvus.
func New(ctx context.Context, address string) (*Index, error) {
	c, err := milvusclient.NewClient(ctx, milvusclient.Config{
		Address: address,
	})
	if err != nil {
		return nil, fmt.Errorf("milvus connect %s: %w", address, err)
	}
	return &Index{client: c}, nil
}

// EnsureCollection creates the collection with an HNSW index and loads it.
// Strong consistency makes freshly upserted chunks visible to the next
// search, which conversation memory relies on.
func (x *Index) EnsureCollection(ctx context.Context, name string, dims int) error {
	if err := index.ValidateCollection(name); err != nil {
		return err
	}
	exists, err := x.client.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", name, err)
	}
	if exists {
		return nil
	}

	schema := entity.NewSchema().
		WithName(name).
		WithField(entity.NewField().
			WithName(fieldChunkID).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxChunkIDLength).
			WithIsPrimaryKey(true)).
		WithField(entity.NewField().
			WithName(fieldSource).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxSourceLength)).
		WithField(entity.NewField().
			WithName(fieldContent).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxContentLength)).
		WithField(entity.NewField().
			WithName(fieldMetadata).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxMetadataLength)).
		WithField(entity.NewField().
			WithName(fieldEmbedding).
			WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(dims)))

	if err := x.client.CreateCollection(ctx, schema, 1, milvusclient.WithConsistencyLevel(entity.ClStrong)); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}

	idx, err := entity.NewIndexHNSW(entity.COSINE, 16, 200)
	if err != nil {
		return fmt.Errorf("create HNSW index params: %w", err)
	}
	if err := x.client.CreateIndex(ctx, name, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("create index on %s: %w", name, err)
	}
	if err := x.client.LoadCollection(ctx, name, false); err != nil {
		return fmt.Errorf("load collection %s: %w", name, err)
	}
	return nil
}

func (x *Index) Upsert(ctx context.Context, name string, chunks []index.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	dim := len(chunks[0].Vector)
	if err := x.EnsureCollection(ctx, name, dim); err != nil {
		return err
	}

	ids := make([]string, len(chunks))
	sources := make([]string, len(chunks))
	contents := make([]string, len(chunks))
	metas := make([]string, len(chunks))
	vectors := make([][]float32, len(chunks))
	for i, c := range chunks {
		if len(c.Vector) != dim {
			return fmt.Errorf("%w: chunk %s has %d, batch has %d", index.ErrDimensionMismatch, c.ID, len(c.Vector), dim)
		}
		meta, err := json.Marshal(index.CloneMetadata(c.Metadata))
		if err != nil {
			return fmt.Errorf("marshal metadata of %s: %w", c.ID, err)
		}
		ids[i] = c.ID
		sources[i] = c.Source
		contents[i] = truncate(c.Content, maxContentLength)
		metas[i] = string(meta)
		vectors[i] = c.Vector
	}

	_, err := x.client.Upsert(ctx, name, "",
		entity.NewColumnVarChar(fieldChunkID, ids),
		entity.NewColumnVarChar(fieldSource, sources),
		entity.NewColumnVarChar(fieldContent, contents),
		entity.NewColumnVarChar(fieldMetadata, metas),
		entity.NewColumnFloatVector(fieldEmbedding, dim, vectors),
	)
	if err != nil {
		return fmt.Errorf("upsert into %s: %w", name, err)
	}
	if err := x.client.Flush(ctx, name, false); err != nil {
		return fmt.Errorf("flush %s: %w", name, err)
	}
	return nil
}

func (x *Index) Search(ctx context.Context, name string, vector []float32, k int) ([]index.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	exists, err := x.client.HasCollection(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("check collection %s: %w", name, err)
	}
	if !exists {
		return nil, nil
	}

	sp, err := entity.NewIndexHNSWSearchParam(max(64, k))
	if err != nil {
		return nil, fmt.Errorf("create search params: %w", err)
	}
	results, err := x.client.Search(
		ctx,
		name,
		nil,
		"",
		[]string{fieldChunkID, fieldSource, fieldContent, fieldMetadata},
		[]entity.Vector{entity.FloatVector(vector)},
		fieldEmbedding,
		entity.COSINE,
		k,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", name, err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	sr := results[0]
	if sr.Err != nil {
		return nil, fmt.Errorf("search result error: %w", sr.Err)
	}

	chunks, err := readChunks(sr.Fields, sr.ResultCount)
	if err != nil {
		return nil, err
	}
	hits := make([]index.Hit, len(chunks))
	for i, c := range chunks {
		hits[i] = index.Hit{Chunk: c, Score: sr.Scores[i]}
	}
	return hits, nil
}

func (x *Index) query(ctx context.Context, name, expr string, fields []string) (milvusclient.ResultSet, bool, error) {
	exists, err := x.client.HasCollection(ctx, name)
	if err != nil {
		return nil, false, fmt.Errorf("check collection %s: %w", name, err)
	}
	if !exists {
		return nil, false, nil
	}
	rs, err := x.client.Query(ctx, name, nil, expr, fields)
	if err != nil {
		return nil, true, fmt.Errorf("query %s: %w", name, err)
	}
	return rs, true, nil
}

// Scan returns chunks without vectors, sorted by ID.
func (x *Index) Scan(ctx context.Context, name string) ([]index.Chunk, error) {
	rs, ok, err := x.query(ctx, name, fmt.Sprintf(`%s != ""`, fieldChunkID),
		[]string{fieldChunkID, fieldSource, fieldContent, fieldMetadata})
	if err != nil || !ok {
		return nil, err
	}
	chunks, err := readChunks(rs, rs.Len())
	if err != nil {
		return nil, err
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ID < chunks[j].ID })
	return chunks, nil
}

func (x *Index) Count(ctx context.Context, name string) (int, error) {
	return x.countWhere(ctx, name, fmt.Sprintf(`%s != ""`, fieldChunkID))
}

func (x *Index) countWhere(ctx context.Context, name, expr string) (int, error) {
	rs, ok, err := x.query(ctx, name, expr, []string{fieldChunkID})
	if err != nil || !ok {
		return 0, err
	}
	return rs.Len(), nil
}

func (x *Index) Delete(ctx context.Context, name string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = `"` + escapeExpr(id) + `"`
	}
	return x.deleteWhere(ctx, name, fmt.Sprintf(`%s in [%s]`, fieldChunkID, strings.Join(quoted, ",")))
}

func (x *Index) DeleteBySource(ctx context.Context, name, source string) (int, error) {
	expr := fmt.Sprintf(`%s == "%s"`, fieldSource, escapeExpr(source))
	n, err := x.countWhere(ctx, name, expr)
	if err != nil || n == 0 {
		return 0, err
	}
	if err := x.deleteWhere(ctx, name, expr); err != nil {
		return 0, err
	}
	return n, nil
}

func (x *Index) deleteWhere(ctx context.Context, name, expr string) error {
	exists, err := x.client.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", name, err)
	}
	if !exists {
		return nil
	}
	if err := x.client.Delete(ctx, name, "", expr); err != nil {
		return fmt.Errorf("delete from %s: %w", name, err)
	}
	return nil
}

func (x *Index) DropCollection(ctx context.Context, name string) error {
	exists, err := x.client.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", name, err)
	}
	if !exists {
		return nil
	}
	if err := x.client.DropCollection(ctx, name); err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	return nil
}

func (x *Index) Collections(ctx context.Context) ([]string, error) {
	colls, err := x.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	names := make([]string, len(colls))
	for i, c := range colls {
		names[i] = c.Name
	}
	sort.Strings(names)
	return names, nil
}

// Close releases the Milvus client connection.
func (x *Index) Close(_ context.Context) error {
	return x.client.Close()
}

type columnSet interface {
	GetColumn(fieldName string) entity.Column
}

func readChunks(cols columnSet, n int) ([]index.Chunk, error) {
	idCol := cols.GetColumn(fieldChunkID)
	sourceCol := cols.GetColumn(fieldSource)
	contentCol := cols.GetColumn(fieldContent)
	metaCol := cols.GetColumn(fieldMetadata)
	if idCol == nil || sourceCol == nil || contentCol == nil || metaCol == nil {
		return nil, fmt.Errorf("milvus result is missing output fields")
	}

	out := make([]index.Chunk, n)
	for i := 0; i < n; i++ {
		id, _ := idCol.GetAsString(i)
		source, _ := sourceCol.GetAsString(i)
		content, _ := contentCol.GetAsString(i)
		rawMeta, _ := metaCol.GetAsString(i)

		meta := map[string]string{}
		if rawMeta != "" {
			if err := json.Unmarshal([]byte(rawMeta), &meta); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", id, err)
			}
		}
		out[i] = index.Chunk{ID: id, Source: source, Content: content, Metadata: meta}
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// escapeExpr escapes backslashes and double quotes for Milvus filter
// expressions.
func escapeExpr(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
