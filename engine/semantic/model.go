package semantic

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
)

// PathKey is the payload field that always carries the object key.
const PathKey = "path"

// SearchResult represents a single vector search hit.
type SearchResult struct {
	ObjectKey string         `json:"object_key"`
	ID        string         `json:"id"`
	Score     float32        `json:"score"`
	Payload   map[string]any `json:"payload"`
}

// VectorRecord represents a single image embedding to store.
type VectorRecord struct {
	ObjectKey string
	Embedding []float32
	Payload   map[string]any // path, file_name, directory_name, project_name, year, upload_date
}

// Metric is the collection similarity function.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricDot       Metric = "dot"
	MetricEuclidean Metric = "euclidean"
)

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(s))); m {
	case MetricCosine, MetricDot, MetricEuclidean:
		return m, nil
	case "euclid":
		return MetricEuclidean, nil
	default:
		return "", fmt.Errorf("semantic: unknown metric %q", s)
	}
}

// distanceScore maps a euclidean distance onto (0, 1], identical vectors
// scoring 1.
func distanceScore(d float64) float32 { return float32(1 / (1 + d)) }

// sortResults orders hits by descending score, ties by object key.
func sortResults(results []SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ObjectKey < results[j].ObjectKey
	})
}

func (m Metric) distance() pb.Distance {
	switch m {
	case MetricDot:
		return pb.Distance_Dot
	case MetricEuclidean:
		return pb.Distance_Euclid
	default:
		return pb.Distance_Cosine
	}
}

// PointID derives the stable point id for an object key, so re-upserting a
// key overwrites the previous point.
func PointID(objectKey string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(objectKey)).String()
}

// withPath copies payload and forces the path field to objectKey.
func withPath(objectKey string, payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out[PathKey] = objectKey
	return out
}
