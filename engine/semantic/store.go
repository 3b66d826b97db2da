// Package semantic is the sole owner of all Qdrant operations: collection
// lifecycle, scoped upsert/delete, and filtered similarity search.
package semantic

import (
	"context"
	"fmt"

	"github.com/bookworm-ai/bookworm/engine/domain"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// indexedFields are the payload fields that get a keyword index so scoped
// search and delete stay sublinear.
var indexedFields = []string{"book_id", "chapter_id", "section_id", "doc_id"}

// VectorStore talks to Qdrant over gRPC.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr string, collection string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	return v.conn.Close()
}

// EnsureCollection creates the collection with cosine distance if it does not
// exist, and verifies dimension and distance if it does. A mismatch is a
// configuration error, surfaced here rather than on the first write.
func (v *VectorStore) EnsureCollection(ctx context.Context, dims int) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return domain.NewIndexError("list collections", err)
	}

	for _, c := range list.GetCollections() {
		if c.GetName() != v.collection {
			continue
		}
		info, err := v.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: v.collection})
		if err != nil {
			return domain.NewIndexError("get collection", err)
		}
		params := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams()
		if got := params.GetSize(); got != uint64(dims) {
			return fmt.Errorf("%w: collection %s has dimension %d, provider emits %d",
				domain.ErrConfig, v.collection, got, dims)
		}
		if got := params.GetDistance(); got != pb.Distance_Cosine {
			return fmt.Errorf("%w: collection %s uses distance %s, want cosine",
				domain.ErrConfig, v.collection, got)
		}
		return nil
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return domain.NewIndexError(fmt.Sprintf("create collection %s", v.collection), err)
	}

	// Keyword indexes keep scoped filtering off the full-scan path.
	wait := true
	keyword := pb.FieldType_FieldTypeKeyword
	for _, field := range indexedFields {
		_, err := v.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: v.collection,
			Wait:           &wait,
			FieldName:      field,
			FieldType:      &keyword,
		})
		if err != nil {
			return domain.NewIndexError(fmt.Sprintf("create payload index %s", field), err)
		}
	}
	return nil
}

// DeleteCollection drops the collection entirely.
func (v *VectorStore) DeleteCollection(ctx context.Context) error {
	_, err := v.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: v.collection})
	if err != nil {
		return domain.NewIndexError(fmt.Sprintf("delete collection %s", v.collection), err)
	}
	return nil
}

// Upsert stores records keyed by point ID. Re-upserting an ID overwrites the
// previous vector and payload; there are never duplicate points per key.
func (v *VectorStore) Upsert(ctx context.Context, records []VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: r.ID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: r.Embedding},
				},
			},
			Payload: toPayload(r.Payload),
		}
	}

	wait := true
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return domain.NewIndexError(fmt.Sprintf("upsert %d points", len(records)), err)
	}
	return nil
}

// DeleteByScope removes every point matching the scope filter. Used for
// re-ingestion (replace-by-document) and pruning (delete-by-book). An empty
// scope is rejected: wiping the collection must go through DeleteCollection.
func (v *VectorStore) DeleteByScope(ctx context.Context, scope domain.Scope) error {
	if scope.IsEmpty() {
		return fmt.Errorf("semantic: delete: %w", domain.ErrEmptyScope)
	}

	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: scopeFilter(scope),
			},
		},
	})
	if err != nil {
		return domain.NewIndexError(fmt.Sprintf("delete by scope %+v", scope), err)
	}
	return nil
}

// DeleteByIDs removes points by explicit key set.
func (v *VectorStore) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	points := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		points[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
	}

	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: points},
			},
		},
	})
	if err != nil {
		return domain.NewIndexError(fmt.Sprintf("delete %d ids", len(ids)), err)
	}
	return nil
}

// SearchScoped performs k-NN similarity search restricted to the scope.
// Results come back in descending score order, at most topK of them.
func (v *VectorStore) SearchScoped(ctx context.Context, embedding []float32, scope domain.Scope, topK int) ([]SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         embedding,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if !scope.IsEmpty() {
		req.Filter = scopeFilter(scope)
	}

	resp, err := v.points.Search(ctx, req)
	if err != nil {
		return nil, domain.NewIndexError("search", err)
	}

	results := make([]SearchResult, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		results[i] = fromScoredPoint(r)
	}
	return results, nil
}

// Count returns the number of points within a scope. An empty scope counts
// the whole collection.
func (v *VectorStore) Count(ctx context.Context, scope domain.Scope) (uint64, error) {
	exact := true
	req := &pb.CountPoints{
		CollectionName: v.collection,
		Exact:          &exact,
	}
	if !scope.IsEmpty() {
		req.Filter = scopeFilter(scope)
	}

	resp, err := v.points.Count(ctx, req)
	if err != nil {
		return 0, domain.NewIndexError("count", err)
	}
	return resp.GetResult().GetCount(), nil
}

// scopeFilter builds a conjunctive equality filter in fixed field order.
func scopeFilter(scope domain.Scope) *pb.Filter {
	var must []*pb.Condition
	if scope.BookID != "" {
		must = append(must, fieldMatch("book_id", scope.BookID))
	}
	if scope.ChapterID != "" {
		must = append(must, fieldMatch("chapter_id", scope.ChapterID))
	}
	if scope.SectionID != "" {
		must = append(must, fieldMatch("section_id", scope.SectionID))
	}
	if scope.DocID != "" {
		must = append(must, fieldMatch("doc_id", scope.DocID))
	}
	return &pb.Filter{Must: must}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

// toPayload converts a Go payload map into Qdrant values.
func toPayload(payload map[string]any) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(payload))
	for k, val := range payload {
		switch tv := val.(type) {
		case string:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
		case int:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
		case int64:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
		case float64:
			out[k] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
		case bool:
			out[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
		default:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
		}
	}
	return out
}

// fromScoredPoint maps a Qdrant hit onto a SearchResult, routing known scope
// fields into their columns and everything else into Meta.
func fromScoredPoint(p *pb.ScoredPoint) SearchResult {
	sr := SearchResult{
		ID:    p.GetId().GetUuid(),
		Score: p.GetScore(),
		Meta:  make(map[string]string),
	}
	for k, val := range p.GetPayload() {
		switch k {
		case "text":
			sr.Text = val.GetStringValue()
		case "book_id":
			sr.BookID = val.GetStringValue()
		case "chapter_id":
			sr.ChapterID = val.GetStringValue()
		case "section_id":
			sr.SectionID = val.GetStringValue()
		case "doc_id":
			sr.DocID = val.GetStringValue()
		case "chunk_index":
			sr.Index = int(val.GetIntegerValue())
		default:
			sr.Meta[k] = val.GetStringValue()
		}
	}
	return sr
}
