package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var yearRegex = regexp.MustCompile(`^\d{4}$`)

// dateLayouts are the timestamp shapes seen in the period segment of object
// keys, most specific first.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15-04-05",
	"2006-01-02_15-04-05",
	"2006-01-02",
	"20060102T150405",
	"20060102",
}

// ObjectPath is the structured view of an object key laid out as
// {year}/{timestamp}/{project}/{directory}/{filename}. Segments are read from
// the end, so shorter keys fill the rightmost fields only.
type ObjectPath struct {
	Key           string `json:"object_key"`
	FileName      string `json:"file_name,omitempty"`
	DirectoryName string `json:"directory_name,omitempty"`
	ProjectName   string `json:"project_name,omitempty"`
	// Period is the raw fourth-from-last segment. It holds either a bare year
	// or an upload timestamp depending on who produced the key.
	Period     string `json:"period,omitempty"`
	Year       string `json:"year,omitempty"`
	UploadDate string `json:"upload_date,omitempty"`
}

// ParseObjectKey splits key on "/" (ignoring empty segments) and assigns the
// trailing segments to file, directory, project and period. Malformed keys
// yield a partially populated ObjectPath, never an error.
func ParseObjectKey(key string) ObjectPath {
	out := ObjectPath{Key: key}

	var segs []string
	for _, s := range strings.Split(key, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	n := len(segs)
	if n >= 1 {
		out.FileName = segs[n-1]
	}
	if n >= 2 {
		out.DirectoryName = segs[n-2]
	}
	if n >= 3 {
		out.ProjectName = segs[n-3]
	}
	if n >= 4 {
		out.Period = segs[n-4]
		switch {
		case IsYear(out.Period):
			out.Year = out.Period
		default:
			if t, ok := ParseDate(out.Period); ok {
				out.UploadDate = out.Period
				out.Year = t.Format("2006")
			}
		}
	}
	if n >= 5 && IsYear(segs[n-5]) {
		out.Year = segs[n-5]
	}
	return out
}

// WithPayload overrides the path-derived guesses with explicit payload
// fields when they are present and well formed.
func (o ObjectPath) WithPayload(payload map[string]any) ObjectPath {
	if s, ok := payloadString(payload, PayloadProjectName); ok && s != "" {
		o.ProjectName = s
	}
	if s, ok := payloadString(payload, PayloadYear); ok && IsYear(s) {
		o.Year = s
	}
	if s, ok := payloadString(payload, PayloadUploadDate); ok {
		if _, valid := ParseDate(s); valid {
			o.UploadDate = s
		}
	}
	return o
}

// Payload renders the parsed fields as a store payload. The path key is
// always present.
func (o ObjectPath) Payload() map[string]any {
	p := map[string]any{PayloadPath: o.Key}
	set := func(k, v string) {
		if v != "" {
			p[k] = v
		}
	}
	set(PayloadFileName, o.FileName)
	set(PayloadDirectoryName, o.DirectoryName)
	set(PayloadProjectName, o.ProjectName)
	set(PayloadYear, o.Year)
	set(PayloadUploadDate, o.UploadDate)
	return p
}

// IsYear reports whether s is a bare four-digit year.
func IsYear(s string) bool {
	return yearRegex.MatchString(s)
}

// ParseDate sniffs s against the known timestamp layouts.
func ParseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func payloadString(payload map[string]any, key string) (string, bool) {
	v, ok := payload[key]
	if !ok || v == nil {
		return "", false
	}
	switch tv := v.(type) {
	case string:
		return tv, true
	case int, int32, int64:
		return fmt.Sprint(tv), true
	case float64:
		if tv == float64(int64(tv)) {
			return fmt.Sprint(int64(tv)), true
		}
		return "", false
	default:
		return "", false
	}
}
