// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

package qdrant

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/groundchat/memcore/pkg/index"
	"github.com/groundchat/memcore/pkg/provider"
)

func init() {
	index.Providers.Register("qdrant", func(_ context.Context, params provider.Params) (index.Index, error) {
		port, err := params.Int("port", 6334)
		if err != nil {
			return nil, err
		}
		return New(Options{
			Host:   params.String("host", "localhost"),
			Port:   port,
			APIKey: params.String("api_key", ""),
		})
	})
}

// compile-time check
var _ index.Index = (*Index)(nil)

const (
	payloadChunkID  = "chunk_id"
	payloadText     = "text"
	payloadSource   = "source"
	payloadMetadata = "metadata"

	scrollPage = 256
)

// pointNamespace derives stable point UUIDs for chunk ids that are not
// UUIDs themselves.
var pointNamespace = uuid.MustParse("6f6b2f1e-8a43-4e39-9c55-0d7f3b1c2a90")

// Options configures the gRPC connection.
type Options struct {
	Host   string
	Port   int
	APIKey string
}

// Index implements index.Index on Qdrant.
type Index struct {
	client *qdrant.Client
}

// New connects to Qdrant over gRPC.
func New(opts Options) (*Index, error) {
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.Port == 0 {
		opts.Port = 6334
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   opts.Host,
		Port:   opts.Port,
		APIKey: opts.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s:%d: %w", opts.Host, opts.Port, err)
	}
	return &Index{client: client}, nil
}

func (x *Index) EnsureCollection(ctx context.Context, name string, dims int) error {
	if err := index.ValidateCollection(name); err != nil {
		return err
	}
	exists, err := x.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", name, err)
	}
	if exists {
		return nil
	}
	err = x.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dims),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
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

	pts := make([]*qdrant.PointStruct, len(chunks))
	for i, c := range chunks {
		if len(c.Vector) != dim {
			return fmt.Errorf("%w: chunk %s has %d, batch has %d", index.ErrDimensionMismatch, c.ID, len(c.Vector), dim)
		}
		meta := make(map[string]any, len(c.Metadata))
		for k, v := range index.CloneMetadata(c.Metadata) {
			meta[k] = v
		}
		payload, err := qdrant.TryValueMap(map[string]any{
			payloadChunkID:  c.ID,
			payloadText:     c.Content,
			payloadSource:   c.Source,
			payloadMetadata: meta,
		})
		if err != nil {
			return fmt.Errorf("payload of %s: %w", c.ID, err)
		}
		pts[i] = &qdrant.PointStruct{
			Id:      pointID(c.ID),
			Vectors: qdrant.NewVectors(c.Vector...),
			Payload: payload,
		}
	}

	_, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Wait:           qdrant.PtrOf(true),
		Points:         pts,
	})
	if err != nil {
		return fmt.Errorf("upsert into %s: %w", name, err)
	}
	return nil
}

func (x *Index) exists(ctx context.Context, name string) (bool, error) {
	ok, err := x.client.CollectionExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("check collection %s: %w", name, err)
	}
	return ok, nil
}

func (x *Index) Search(ctx context.Context, name string, vector []float32, k int) ([]index.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	if ok, err := x.exists(ctx, name); err != nil || !ok {
		return nil, err
	}
	limit := uint64(k)
	resp, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}

	hits := make([]index.Hit, 0, len(resp))
	for _, p := range resp {
		hits = append(hits, index.Hit{
			Chunk: chunkFromPayload(p.GetId(), p.GetPayload()),
			Score: p.GetScore(),
		})
	}
	return hits, nil
}

// Scan pages through the collection with scroll and returns chunks sorted
// by ID. Vectors are omitted.
func (x *Index) Scan(ctx context.Context, name string) ([]index.Chunk, error) {
	if ok, err := x.exists(ctx, name); err != nil || !ok {
		return nil, err
	}
	var (
		out    []index.Chunk
		offset *qdrant.PointId
	)
	for {
		points, next, err := x.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
			CollectionName: name,
			Offset:         offset,
			Limit:          qdrant.PtrOf(uint32(scrollPage)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, fmt.Errorf("scroll %s: %w", name, err)
		}
		for _, p := range points {
			out = append(out, chunkFromPayload(p.GetId(), p.GetPayload()))
		}
		if next == nil {
			break
		}
		offset = next
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (x *Index) Count(ctx context.Context, name string) (int, error) {
	return x.count(ctx, name, nil)
}

func (x *Index) count(ctx context.Context, name string, filter *qdrant.Filter) (int, error) {
	if ok, err := x.exists(ctx, name); err != nil || !ok {
		return 0, err
	}
	n, err := x.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: name,
		Filter:         filter,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", name, err)
	}
	return int(n), nil
}

func (x *Index) Delete(ctx context.Context, name string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if ok, err := x.exists(ctx, name); err != nil || !ok {
		return err
	}
	pids := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pids[i] = pointID(id)
	}
	_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: name,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(pids...),
	})
	if err != nil {
		return fmt.Errorf("delete from %s: %w", name, err)
	}
	return nil
}

func (x *Index) DeleteBySource(ctx context.Context, name, source string) (int, error) {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch(payloadSource, source)},
	}
	n, err := x.count(ctx, name, filter)
	if err != nil || n == 0 {
		return 0, err
	}
	_, err = x.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: name,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	if err != nil {
		return 0, fmt.Errorf("delete %s from %s: %w", source, name, err)
	}
	return n, nil
}

func (x *Index) DropCollection(ctx context.Context, name string) error {
	if ok, err := x.exists(ctx, name); err != nil || !ok {
		return err
	}
	if err := x.client.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	return nil
}

func (x *Index) Collections(ctx context.Context) ([]string, error) {
	names, err := x.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (x *Index) Close(_ context.Context) error {
	return x.client.Close()
}

// pointID maps a chunk id to a Qdrant point id. Qdrant only accepts UUIDs
// and unsigned integers, so other ids are hashed into a name-based UUID.
// The original id always travels in the payload.
func pointID(id string) *qdrant.PointId {
	if u, err := uuid.Parse(id); err == nil {
		return qdrant.NewIDUUID(u.String())
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(id)).String())
}

func chunkFromPayload(id *qdrant.PointId, payload map[string]*qdrant.Value) index.Chunk {
	c := index.Chunk{Metadata: map[string]string{}}
	if v, ok := payload[payloadChunkID]; ok {
		c.ID = v.GetStringValue()
	}
	if c.ID == "" && id != nil {
		c.ID = id.GetUuid()
	}
	if v, ok := payload[payloadText]; ok {
		c.Content = v.GetStringValue()
	}
	if v, ok := payload[payloadSource]; ok {
		c.Source = v.GetStringValue()
	}
	if v, ok := payload[payloadMetadata]; ok {
		for k, mv := range v.GetStructValue().GetFields() {
			c.Metadata[k] = convertValue(mv)
		}
	}
	return c
}

func convertValue(v *qdrant.Value) string {
	switch val := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_IntegerValue:
		return fmt.Sprintf("%d", val.IntegerValue)
	case *qdrant.Value_DoubleValue:
		return fmt.Sprintf("%g", val.DoubleValue)
	case *qdrant.Value_BoolValue:
		return fmt.Sprintf("%t", val.BoolValue)
	}
	return ""
}
