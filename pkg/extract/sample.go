package extract

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	stderrors "errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/linkedin/goavro/v2"
	"github.com/pierrec/lz4/v4"

	"github.com/ajitpratap0/atlas/pkg/connector/base"
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/models"
)

// parquetBufferLimit is the largest parquet object buffered in memory when
// the sample reader cannot seek. The footer sits at the end of the file, so
// a prefix is useless.
const parquetBufferLimit = 64 << 20

// errSkipped marks samples that are intentionally not read. It is not a
// degradation.
type errSkipped struct{ reason string }

func (e errSkipped) Error() string { return "sample skipped: " + e.reason }

func isSkipped(err error) (string, bool) {
	var s errSkipped
	if stderrors.As(err, &s) {
		return s.reason, true
	}
	return "", false
}

// sampleData is what a bounded read of an asset produced.
type sampleData struct {
	format    string
	columns   []string
	rows      []map[string]any
	schema    []models.Field
	truncated bool
}

// reader bounds one sample read.
type reader struct {
	maxRows  int
	maxBytes int64
}

func (r reader) read(ctx context.Context, name string, s *core.Sample) (*sampleData, error) {
	format, compression := s.Format, s.Compression
	if format == "" || compression == "" {
		f, c := base.DetectFormat(name)
		if format == "" {
			format = f
		}
		if compression == "" {
			compression = c
		}
	}
	if !base.Sampleable(format) {
		if format == "" {
			return nil, errSkipped{reason: "unrecognized format"}
		}
		return nil, errSkipped{reason: "unsupported format " + format}
	}

	rc, err := s.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open sample: %w", err)
	}
	defer rc.Close()

	if format == "parquet" {
		if compression != "" {
			return nil, errSkipped{reason: "compressed parquet"}
		}
		return r.readParquet(ctx, rc, s.Size)
	}

	src, closeFn, err := decompress(rc, compression)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	if format == "avro" {
		return r.readAvro(io.LimitReader(src, r.maxBytes))
	}

	data, truncated, err := r.readBounded(src)
	if err != nil {
		return nil, err
	}

	var out *sampleData
	switch format {
	case "csv":
		out, err = r.readCSV(data, ',')
	case "tsv":
		out, err = r.readCSV(data, '\t')
	case "json":
		out, err = r.readJSON(data)
	case "jsonl":
		out, err = r.readJSONLines(data)
	}
	if err != nil {
		return nil, err
	}
	out.format = format
	out.truncated = truncated
	return out, nil
}

func decompress(r io.Reader, compression string) (io.Reader, func(), error) {
	switch compression {
	case "":
		return r, func() {}, nil
	case "gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, func() { _ = zr.Close() }, nil
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}
		return zr, zr.Close, nil
	case "lz4":
		return lz4.NewReader(r), func() {}, nil
	default:
		return nil, nil, errSkipped{reason: "unsupported compression " + compression}
	}
}

// readBounded reads at most maxBytes. A cut-off buffer is trimmed back to the
// last complete line so text formats never see a partial record.
func (r reader) readBounded(src io.Reader) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(src, r.maxBytes+1))
	if err != nil {
		return nil, false, fmt.Errorf("read sample: %w", err)
	}
	if int64(len(data)) <= r.maxBytes {
		return data, false, nil
	}
	data = data[:r.maxBytes]
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[:i+1]
	}
	return data, true, nil
}

func (r reader) readCSV(data []byte, comma rune) (*sampleData, error) {
	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = comma
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err == io.EOF {
		return &sampleData{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}
	columns := headerNames(header)

	out := &sampleData{columns: columns}
	for len(out.rows) < r.maxRows {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			if len(out.rows) > 0 {
				break
			}
			return nil, fmt.Errorf("csv row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if i < len(rec) && rec[i] != "" {
				row[col] = rec[i]
			} else {
				row[col] = nil
			}
		}
		out.rows = append(out.rows, row)
	}
	return out, nil
}

// headerNames makes header cells usable as column names: blanks are
// numbered and duplicates suffixed.
func headerNames(header []string) []string {
	seen := make(map[string]int, len(header))
	out := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if h == "" {
			h = "column_" + strconv.Itoa(i+1)
		}
		seen[h]++
		if n := seen[h]; n > 1 {
			h = h + "_" + strconv.Itoa(n)
		}
		out[i] = h
	}
	return out
}

func (r reader) readJSON(data []byte) (*sampleData, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return &sampleData{}, nil
	}

	out := &sampleData{}
	switch trimmed[0] {
	case '[':
		var items []any
		if err := json.Unmarshal(trimmed, &items); err != nil {
			// a cut-off array is closed after its last complete line
			repaired := append(bytes.TrimRight(trimmed, ", \t\r\n"), ']')
			if err2 := json.Unmarshal(repaired, &items); err2 != nil {
				return nil, fmt.Errorf("json array: %w", err)
			}
		}
		for _, v := range items {
			if len(out.rows) == r.maxRows {
				break
			}
			out.rows = append(out.rows, asRow(v))
		}
	case '{':
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		for len(out.rows) < r.maxRows {
			var v map[string]any
			err := dec.Decode(&v)
			if err == io.EOF {
				break
			}
			if err != nil {
				if len(out.rows) > 0 {
					break
				}
				return nil, fmt.Errorf("json object: %w", err)
			}
			out.rows = append(out.rows, v)
		}
	default:
		return nil, fmt.Errorf("json sample is neither an array nor an object")
	}
	return out, nil
}

func (r reader) readJSONLines(data []byte) (*sampleData, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), int(r.maxBytes)+1)

	out := &sampleData{}
	var firstErr error
	for sc.Scan() && len(out.rows) < r.maxRows {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(line, &v); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out.rows = append(out.rows, asRow(v))
	}
	if err := sc.Err(); err != nil && len(out.rows) == 0 {
		return nil, fmt.Errorf("jsonl: %w", err)
	}
	if len(out.rows) == 0 && firstErr != nil {
		return nil, fmt.Errorf("jsonl: %w", firstErr)
	}
	return out, nil
}

func asRow(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}

func (r reader) readParquet(ctx context.Context, rc io.ReadCloser, size int64) (*sampleData, error) {
	var src parquet.ReaderAtSeeker
	if ras, ok := rc.(parquet.ReaderAtSeeker); ok {
		src = ras
	} else {
		if size < 0 || size > parquetBufferLimit {
			return nil, errSkipped{reason: "parquet object not seekable"}
		}
		data, err := io.ReadAll(io.LimitReader(rc, parquetBufferLimit))
		if err != nil {
			return nil, fmt.Errorf("read parquet: %w", err)
		}
		src = bytes.NewReader(data)
	}

	fr, err := file.NewParquetReader(src)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	defer fr.Close()

	arrowReader, err := pqarrow.NewFileReader(fr, pqarrow.ArrowReadProperties{BatchSize: int64(r.maxRows)}, memory.NewGoAllocator())
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	arrowSchema, err := arrowReader.Schema()
	if err != nil {
		return nil, fmt.Errorf("parquet schema: %w", err)
	}

	out := &sampleData{format: "parquet", schema: arrowFields(arrowSchema)}
	for _, f := range out.schema {
		out.columns = append(out.columns, f.Name)
	}

	rr, err := arrowReader.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("parquet records: %w", err)
	}
	defer rr.Release()

	for len(out.rows) < r.maxRows && rr.Next() {
		rec := rr.Record()
		for i := 0; i < int(rec.NumRows()) && len(out.rows) < r.maxRows; i++ {
			row := make(map[string]any, rec.NumCols())
			for c := 0; c < int(rec.NumCols()); c++ {
				row[rec.ColumnName(c)] = arrowValue(rec.Column(c), i)
			}
			out.rows = append(out.rows, row)
		}
	}
	out.truncated = fr.NumRows() > int64(len(out.rows))
	return out, nil
}

func arrowValue(col arrow.Array, i int) any {
	if col.IsNull(i) {
		return nil
	}
	switch a := col.(type) {
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit)
	case *array.Date32:
		return a.Value(i).ToTime()
	case *array.Date64:
		return a.Value(i).ToTime()
	}
	return col.GetOneForMarshal(i)
}

func arrowFields(s *arrow.Schema) []models.Field {
	fields := make([]models.Field, 0, s.NumFields())
	for _, f := range s.Fields() {
		fields = append(fields, models.Field{
			Name:     f.Name,
			Type:     arrowType(f.Type),
			Nullable: f.Nullable,
		})
	}
	return fields
}

func arrowType(dt arrow.DataType) string {
	switch dt.ID() {
	case arrow.BOOL:
		return models.TypeBoolean
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return models.TypeInteger
	case arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
		return models.TypeFloat
	case arrow.DECIMAL128, arrow.DECIMAL256:
		return models.TypeDecimal
	case arrow.STRING, arrow.LARGE_STRING:
		return models.TypeString
	case arrow.BINARY, arrow.LARGE_BINARY, arrow.FIXED_SIZE_BINARY:
		return models.TypeBinary
	case arrow.DATE32, arrow.DATE64:
		return models.TypeDate
	case arrow.TIMESTAMP:
		return models.TypeTimestamp
	case arrow.LIST, arrow.LARGE_LIST, arrow.FIXED_SIZE_LIST:
		return models.TypeArray
	case arrow.STRUCT, arrow.MAP:
		return models.TypeObject
	default:
		return models.TypeUnknown
	}
}

type avroSchema struct {
	Fields []struct {
		Name string `json:"name"`
		Type any    `json:"type"`
	} `json:"fields"`
}

func (r reader) readAvro(src io.Reader) (*sampleData, error) {
	ocf, err := goavro.NewOCFReader(src)
	if err != nil {
		return nil, fmt.Errorf("open avro: %w", err)
	}

	out := &sampleData{format: "avro"}
	var as avroSchema
	if err := json.Unmarshal([]byte(ocf.Codec().Schema()), &as); err == nil {
		for _, f := range as.Fields {
			typ, nullable := avroFieldType(f.Type)
			out.schema = append(out.schema, models.Field{Name: f.Name, Type: typ, Nullable: nullable})
			out.columns = append(out.columns, f.Name)
		}
	}

	for len(out.rows) < r.maxRows && ocf.Scan() {
		datum, err := ocf.Read()
		if err != nil {
			if len(out.rows) > 0 {
				break
			}
			return nil, fmt.Errorf("read avro: %w", err)
		}
		rec, ok := datum.(map[string]any)
		if !ok {
			continue
		}
		row := make(map[string]any, len(rec))
		for k, v := range rec {
			row[k] = unwrapUnion(v)
		}
		out.rows = append(out.rows, row)
	}
	if err := ocf.Err(); err != nil && len(out.rows) == 0 {
		return nil, fmt.Errorf("read avro: %w", err)
	}
	out.truncated = len(out.rows) == r.maxRows
	return out, nil
}

// unwrapUnion turns goavro's {"type": value} union encoding into the value.
func unwrapUnion(v any) any {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return v
	}
	for _, inner := range m {
		return inner
	}
	return v
}

func avroFieldType(t any) (string, bool) {
	switch v := t.(type) {
	case string:
		return avroPrimitive(v), v == "null"
	case []any:
		nullable := false
		var types []string
		for _, member := range v {
			if s, ok := member.(string); ok && s == "null" {
				nullable = true
				continue
			}
			typ, _ := avroFieldType(member)
			types = append(types, typ)
		}
		sort.Strings(types)
		if len(types) == 1 {
			return types[0], nullable
		}
		return models.TypeUnknown, nullable
	case map[string]any:
		if lt, ok := v["logicalType"].(string); ok {
			switch lt {
			case "timestamp-millis", "timestamp-micros", "local-timestamp-millis", "local-timestamp-micros":
				return models.TypeTimestamp, false
			case "date":
				return models.TypeDate, false
			case "decimal":
				return models.TypeDecimal, false
			}
		}
		switch v["type"] {
		case "record", "map":
			return models.TypeObject, false
		case "array":
			return models.TypeArray, false
		case "enum":
			return models.TypeString, false
		case "fixed":
			return models.TypeBinary, false
		}
		return avroFieldType(v["type"])
	}
	return models.TypeUnknown, false
}

func avroPrimitive(t string) string {
	switch t {
	case "string":
		return models.TypeString
	case "int", "long":
		return models.TypeInteger
	case "float", "double":
		return models.TypeFloat
	case "boolean":
		return models.TypeBoolean
	case "bytes":
		return models.TypeBinary
	default:
		return models.TypeUnknown
	}
}
