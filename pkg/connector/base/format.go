package base

import (
	"path"
	"strings"
)

var compressionExts = map[string]string{
	".gz":   "gzip",
	".gzip": "gzip",
	".zst":  "zstd",
	".zstd": "zstd",
	".lz4":  "lz4",
}

var formatExts = map[string]string{
	".csv":     "csv",
	".tsv":     "tsv",
	".json":    "json",
	".jsonl":   "jsonl",
	".ndjson":  "jsonl",
	".parquet": "parquet",
	".avro":    "avro",
	".txt":     "text",
	".log":     "text",
	".xlsx":    "excel",
	".xls":     "excel",
}

// DetectFormat derives the data format and compression of a file-like asset
// from its name, e.g. "events.jsonl.gz" gives ("jsonl", "gzip").
func DetectFormat(name string) (format, compression string) {
	ext := strings.ToLower(path.Ext(name))
	if c, ok := compressionExts[ext]; ok {
		compression = c
		name = strings.TrimSuffix(name, path.Ext(name))
		ext = strings.ToLower(path.Ext(name))
	}
	return formatExts[ext], compression
}

// FormatTags returns the derived tags for a file-like asset.
func FormatTags(format, compression string) []string {
	var tags []string
	if format != "" {
		tags = append(tags, "format:"+format)
	}
	if compression != "" {
		tags = append(tags, "compression:"+compression)
	}
	return tags
}

// Sampleable reports whether the extractor can read the format.
func Sampleable(format string) bool {
	switch format {
	case "csv", "tsv", "json", "jsonl", "parquet", "avro":
		return true
	}
	return false
}
