package semantic

import (
	"context"
	"fmt"
	"sort"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// PointsClient is the subset of pb.PointsClient used here.
type PointsClient interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

// CollectionsClient is the subset of pb.CollectionsClient used here.
type CollectionsClient interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations. Errors are wrapped
// and returned as-is; retries belong to the caller's transport policy.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      PointsClient
	collections CollectionsClient
	collection  string
	metric      Metric
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

// NewWithClients builds a VectorStore over existing clients (tests, shared
// connections).
func NewWithClients(points PointsClient, collections CollectionsClient, collection string) *VectorStore {
	return &VectorStore{points: points, collections: collections, collection: collection}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// Collection returns the collection name.
func (v *VectorStore) Collection() string { return v.collection }

// EnsureCollection creates the collection if it doesn't exist. The metric is
// remembered so Search can map euclidean distances onto similarity scores.
func (v *VectorStore) EnsureCollection(ctx context.Context, dims int, metric Metric) error {
	v.metric = metric
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: metric.distance(),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", v.collection, err)
	}
	return nil
}

// DeleteCollection deletes the collection.
func (v *VectorStore) DeleteCollection(ctx context.Context) error {
	_, err := v.collections.Delete(ctx, &pb.DeleteCollection{
		CollectionName: v.collection,
	})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", v.collection, err)
	}
	return nil
}

// Upsert stores one image embedding, replacing any previous record for the
// same object key.
func (v *VectorStore) Upsert(ctx context.Context, objectKey string, vector []float32, payload map[string]any) error {
	return v.UpsertRecords(ctx, []VectorRecord{{ObjectKey: objectKey, Embedding: vector, Payload: payload}})
}

// UpsertRecords stores a batch of embeddings. Called by engine/ingest.
func (v *VectorStore) UpsertRecords(ctx context.Context, records []VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		if r.ObjectKey == "" {
			return fmt.Errorf("semantic: upsert record %d: empty object key", i)
		}
		payload := make(map[string]*pb.Value, len(r.Payload)+1)
		for k, val := range withPath(r.ObjectKey, r.Payload) {
			payload[k] = toValue(val)
		}

		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(r.ObjectKey)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: r.Embedding},
				},
			},
			Payload: payload,
		}
	}

	wait := true
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points: %w", len(records), err)
	}
	return nil
}

// Delete removes the record for an object key.
func (v *VectorStore) Delete(ctx context.Context, objectKey string) error {
	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(objectKey)}}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: delete %s: %w", objectKey, err)
	}
	return nil
}

// Search performs k-NN similarity search. Results are ordered by descending
// score, scores below minScore are dropped, and every filter must match.
func (v *VectorStore) Search(ctx context.Context, embedding []float32, limit int, minScore float32, filters map[string]any) ([]SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         embedding,
		Limit:          uint64(limit),
		ScoreThreshold: v.threshold(minScore),
		Filter:         buildFilter(filters),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}

	resp, err := v.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	results := make([]SearchResult, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		score := r.GetScore()
		if v.metric == MetricEuclidean {
			score = distanceScore(float64(score))
		}
		sr := SearchResult{
			ID:      r.GetId().GetUuid(),
			Score:   score,
			Payload: make(map[string]any, len(r.GetPayload())),
		}
		for k, val := range r.GetPayload() {
			sr.Payload[k] = fromValue(val)
		}
		if p, ok := sr.Payload[PathKey].(string); ok && p != "" {
			sr.ObjectKey = p
		} else {
			sr.ObjectKey = sr.ID
		}
		results[i] = sr
	}
	if v.metric == MetricEuclidean {
		sortResults(results)
	}
	return results, nil
}

// threshold translates a similarity floor into Qdrant's score_threshold.
// Euclid collections compare raw distances, so the floor becomes a maximum
// distance; a non-positive floor admits every point.
func (v *VectorStore) threshold(minScore float32) *float32 {
	if v.metric != MetricEuclidean {
		t := minScore
		return &t
	}
	if minScore <= 0 {
		return nil
	}
	t := 1/minScore - 1
	return &t
}

// Count returns the exact number of records matching filters.
func (v *VectorStore) Count(ctx context.Context, filters map[string]any) (int64, error) {
	exact := true
	resp, err := v.points.Count(ctx, &pb.CountPoints{
		CollectionName: v.collection,
		Filter:         buildFilter(filters),
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("semantic: count: %w", err)
	}
	return int64(resp.GetResult().GetCount()), nil
}

// buildFilter turns an AND map into a Qdrant filter; nil when empty. Keys
// are sorted so identical maps yield identical requests.
func buildFilter(filters map[string]any) *pb.Filter {
	if len(filters) == 0 {
		return nil
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	must := make([]*pb.Condition, 0, len(keys))
	for _, k := range keys {
		must = append(must, fieldMatch(k, filters[k]))
	}
	return &pb.Filter{Must: must}
}

func fieldMatch(key string, value any) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: matchFor(value),
			},
		},
	}
}

func matchFor(value any) *pb.Match {
	switch tv := value.(type) {
	case bool:
		return &pb.Match{MatchValue: &pb.Match_Boolean{Boolean: tv}}
	case int:
		return &pb.Match{MatchValue: &pb.Match_Integer{Integer: int64(tv)}}
	case int32:
		return &pb.Match{MatchValue: &pb.Match_Integer{Integer: int64(tv)}}
	case int64:
		return &pb.Match{MatchValue: &pb.Match_Integer{Integer: tv}}
	case string:
		return &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: tv}}
	default:
		return &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: fmt.Sprint(tv)}}
	}
}

func toValue(val any) *pb.Value {
	switch tv := val.(type) {
	case nil:
		return &pb.Value{Kind: &pb.Value_NullValue{}}
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int32:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float32:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: float64(tv)}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}

func fromValue(val *pb.Value) any {
	switch kv := val.GetKind().(type) {
	case *pb.Value_StringValue:
		return kv.StringValue
	case *pb.Value_IntegerValue:
		return kv.IntegerValue
	case *pb.Value_DoubleValue:
		return kv.DoubleValue
	case *pb.Value_BoolValue:
		return kv.BoolValue
	default:
		return nil
	}
}
