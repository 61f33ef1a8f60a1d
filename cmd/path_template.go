package cmd

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// PathTemplate generates S3 object keys for exported results
type PathTemplate struct {
	template string
}

// NewPathTemplate creates a new PathTemplate instance
func NewPathTemplate(template string) *PathTemplate {
	return &PathTemplate{template: template}
}

// Generate replaces placeholders in the template with actual values.
// Supports: {comparison}, {table}, {YYYY}, {MM}, {DD}, {HH}
func (pt *PathTemplate) Generate(comparisonID, tableName string, timestamp time.Time) string {
	timestamp = timestamp.UTC()
	r := strings.NewReplacer(
		"{comparison}", comparisonID,
		"{table}", tableName,
		"{YYYY}", timestamp.Format("2006"),
		"{MM}", timestamp.Format("01"),
		"{DD}", timestamp.Format("02"),
		"{HH}", timestamp.Format("15"),
	)
	return r.Replace(pt.template)
}

// ObjectKey is the full key of an export. A template naming a directory (ending
// in "/" or without a file extension) gets the generated filename appended.
func (pt *PathTemplate) ObjectKey(comparisonID, tableName string, timestamp time.Time, formatExt, compressionExt string) string {
	key := strings.TrimPrefix(pt.Generate(comparisonID, tableName, timestamp), "/")
	if strings.HasSuffix(key, "/") || path.Ext(key) == "" {
		return path.Join(key, GenerateFilename(comparisonID, timestamp, formatExt, compressionExt))
	}
	return key
}

// GenerateFilename names an export of comparisonID taken at timestamp
func GenerateFilename(comparisonID string, timestamp time.Time, formatExt string, compressionExt string) string {
	filename := fmt.Sprintf("%s-%s%s", comparisonID, timestamp.UTC().Format("2006-01-02-150405"), formatExt)
	if compressionExt != "" {
		filename += compressionExt
	}
	return filename
}
