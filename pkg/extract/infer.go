package extract

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/atlas/pkg/models"
)

var (
	intPattern   = regexp.MustCompile(`^[+-]?\d+$`)
	floatPattern = regexp.MustCompile(`^[+-]?(\d+\.\d*|\.\d+|\d+)([eE][+-]?\d+)?$`)
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
}

// typePriority fixes the order in which candidate types are compared so that
// inference is deterministic.
var typePriority = []string{
	models.TypeBoolean,
	models.TypeInteger,
	models.TypeFloat,
	models.TypeDate,
	models.TypeTimestamp,
	models.TypeString,
	models.TypeObject,
	models.TypeArray,
	models.TypeBinary,
}

// ValueType detects the normalized type of a single sampled value. The
// second result is false for nulls and empty strings.
func ValueType(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case bool:
		return models.TypeBoolean, true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return models.TypeInteger, true
	case float32:
		return floatType(float64(x)), true
	case float64:
		return floatType(x), true
	case time.Time:
		return models.TypeTimestamp, true
	case []byte:
		return models.TypeBinary, true
	case map[string]any:
		return models.TypeObject, true
	case []any:
		return models.TypeArray, true
	case string:
		return stringType(x)
	default:
		return models.TypeString, true
	}
}

func floatType(f float64) string {
	if !math.IsInf(f, 0) && !math.IsNaN(f) && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return models.TypeInteger
	}
	return models.TypeFloat
}

func stringType(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") || s == `\N` {
		return "", false
	}
	switch strings.ToLower(s) {
	case "true", "false":
		return models.TypeBoolean, true
	}
	if intPattern.MatchString(s) {
		// Leading zeros are identifiers (zip codes, account numbers), not numbers.
		digits := strings.TrimLeft(s, "+-")
		if len(digits) > 1 && digits[0] == '0' {
			return models.TypeString, true
		}
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			return models.TypeInteger, true
		}
		return models.TypeString, true
	}
	if floatPattern.MatchString(s) {
		return models.TypeFloat, true
	}
	if len(s) == 10 {
		if _, err := time.Parse("2006-01-02", s); err == nil {
			return models.TypeDate, true
		}
	}
	if len(s) >= 19 {
		for _, layout := range timestampLayouts {
			if _, err := time.Parse(layout, s); err == nil {
				return models.TypeTimestamp, true
			}
		}
	}
	return models.TypeString, true
}

// Compatible reports whether a value of type valueType conforms to a column
// declared as columnType.
func Compatible(columnType, valueType string) bool {
	if columnType == valueType || columnType == models.TypeString || columnType == models.TypeUnknown {
		return true
	}
	switch columnType {
	case models.TypeFloat, models.TypeDecimal:
		return valueType == models.TypeInteger || valueType == models.TypeFloat
	case models.TypeTimestamp, models.TypeDate:
		return valueType == models.TypeDate || valueType == models.TypeTimestamp
	case models.TypeObject:
		return valueType == models.TypeArray
	}
	return false
}

// Columns returns the column order of rows: the given order when known,
// otherwise the sorted union of keys.
func Columns(order []string, rows []map[string]any) []string {
	if len(order) > 0 {
		return order
	}
	seen := make(map[string]struct{})
	for _, r := range rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// InferSchema infers an ordered schema from sampled rows. Mixed integer and
// float columns widen to float; any other mix falls back to string. A column
// is nullable when some row lacks a value.
func InferSchema(order []string, rows []map[string]any) []models.Field {
	cols := Columns(order, rows)
	fields := make([]models.Field, 0, len(cols))

	for _, col := range cols {
		counts := make(map[string]int)
		nulls := 0
		for _, r := range rows {
			t, ok := ValueType(r[col])
			if !ok {
				nulls++
				continue
			}
			counts[t]++
		}
		fields = append(fields, models.Field{
			Name:     col,
			Type:     dominantType(counts),
			Nullable: nulls > 0 || len(rows) == 0,
		})
	}
	return fields
}

func dominantType(counts map[string]int) string {
	if len(counts) == 0 {
		return models.TypeUnknown
	}
	if len(counts) == 1 {
		for t := range counts {
			return t
		}
	}
	if len(counts) == 2 && counts[models.TypeInteger] > 0 && counts[models.TypeFloat] > 0 {
		return models.TypeFloat
	}
	if len(counts) == 2 && counts[models.TypeDate] > 0 && counts[models.TypeTimestamp] > 0 {
		return models.TypeTimestamp
	}

	best, bestN := models.TypeString, -1
	total := 0
	for _, t := range typePriority {
		total += counts[t]
		if counts[t] > bestN {
			best, bestN = t, counts[t]
		}
	}
	// A type needs a clear majority; otherwise the column is free text.
	if float64(bestN) < 0.95*float64(total) {
		return models.TypeString
	}
	return best
}
