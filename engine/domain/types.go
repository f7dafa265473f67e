// Package domain defines the core photo-search types, object-key parsing and
// request validation. It acts as the validation gate in front of the
// embedding generator and the vector store.
package domain

// Search defaults and bounds.
const (
	DefaultLimit     = 20
	MinLimit         = 1
	MaxLimit         = 100
	DefaultThreshold = 0.5
	MinThreshold     = 0.0
	MaxThreshold     = 1.0
)

// Payload keys written at ingestion and read back during reconstruction.
const (
	PayloadPath          = "path"
	PayloadFileName      = "file_name"
	PayloadDirectoryName = "directory_name"
	PayloadProjectName   = "project_name"
	PayloadYear          = "year"
	PayloadUploadDate    = "upload_date"
)

// SearchParams is the validated parameter set for a semantic search.
type SearchParams struct {
	Query       string
	Limit       int
	Threshold   float64
	ProjectName string
	Year        string
}

// Filters builds the exact-match payload filter for the non-empty optional
// parameters.
func (p SearchParams) Filters() map[string]any {
	filters := make(map[string]any, 2)
	if p.ProjectName != "" {
		filters[PayloadProjectName] = p.ProjectName
	}
	if p.Year != "" {
		filters[PayloadYear] = p.Year
	}
	return filters
}
