package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/atlas/pkg/models"
)

func TestValueType(t *testing.T) {
	tests := []struct {
		in   any
		want string
		ok   bool
	}{
		{nil, "", false},
		{"", "", false},
		{"NULL", "", false},
		{true, models.TypeBoolean, true},
		{"false", models.TypeBoolean, true},
		{int64(3), models.TypeInteger, true},
		{float64(3), models.TypeInteger, true},
		{3.25, models.TypeFloat, true},
		{"42", models.TypeInteger, true},
		{"007", models.TypeString, true},
		{"-1.5e3", models.TypeFloat, true},
		{"2024-02-29", models.TypeDate, true},
		{"2024-02-29T10:00:00Z", models.TypeTimestamp, true},
		{"2024-02-29 10:00:00", models.TypeTimestamp, true},
		{time.Now(), models.TypeTimestamp, true},
		{"hello", models.TypeString, true},
		{map[string]any{"a": 1}, models.TypeObject, true},
		{[]any{1}, models.TypeArray, true},
		{[]byte("x"), models.TypeBinary, true},
	}
	for _, tt := range tests {
		got, ok := ValueType(tt.in)
		assert.Equal(t, tt.ok, ok, "%v", tt.in)
		assert.Equal(t, tt.want, got, "%v", tt.in)
	}
}

func TestInferSchema(t *testing.T) {
	rows := []map[string]any{
		{"b": "1", "a": "x", "c": 1.5, "d": "2024-01-01"},
		{"b": "2", "a": "y", "c": int64(2)},
		{"b": "3", "a": 7, "c": 3.0, "d": "2024-01-02 10:00:00"},
	}

	fields := InferSchema(nil, rows)
	assert.Equal(t, []models.Field{
		{Name: "a", Type: models.TypeString},
		{Name: "b", Type: models.TypeInteger},
		{Name: "c", Type: models.TypeFloat},
		{Name: "d", Type: models.TypeTimestamp, Nullable: true},
	}, fields)

	ordered := InferSchema([]string{"d", "a"}, rows)
	require.Len(t, ordered, 2)
	assert.Equal(t, "d", ordered[0].Name)

	empty := InferSchema([]string{"x"}, nil)
	assert.Equal(t, []models.Field{{Name: "x", Type: models.TypeUnknown, Nullable: true}}, empty)
}

func TestAssessQuality(t *testing.T) {
	schema := []models.Field{
		{Name: "id", Type: models.TypeInteger},
		{Name: "v", Type: models.TypeInteger},
	}

	t.Run("perfect", func(t *testing.T) {
		rep, ok := AssessQuality(schema, []map[string]any{
			{"id": 1, "v": 10},
			{"id": 2, "v": 20},
		})
		require.True(t, ok)
		assert.Equal(t, 1.0, rep.Score)
	})

	t.Run("nulls duplicates and bad types", func(t *testing.T) {
		rep, ok := AssessQuality(schema, []map[string]any{
			{"id": 1, "v": "oops"},
			{"id": 1, "v": "oops"},
			{"id": 2, "v": nil},
			{"id": 3},
		})
		require.True(t, ok)
		assert.Equal(t, 0.75, rep.Completeness)
		assert.Equal(t, round4(4.0/6.0), rep.Consistency)
		assert.Equal(t, 0.75, rep.Uniqueness)
		assert.Equal(t, round4(0.5*0.75+0.3*(4.0/6.0)+0.2*0.75), rep.Score)
	})

	t.Run("nothing to score", func(t *testing.T) {
		_, ok := AssessQuality(schema, nil)
		assert.False(t, ok)
		_, ok = AssessQuality(nil, []map[string]any{{"a": 1}})
		assert.False(t, ok)
	})
}

func TestClassifyPII(t *testing.T) {
	tests := []struct {
		name       string
		schema     []models.Field
		rows       []map[string]any
		risk       models.PIIRisk
		categories []string
	}{
		{
			name: "unknown without anything to inspect",
			risk: models.PIIRiskUnknown,
		},
		{
			name:   "clean names only",
			schema: []models.Field{{Name: "order_id"}, {Name: "amount"}},
			risk:   models.PIIRiskNone,
		},
		{
			name:       "email by name",
			schema:     []models.Field{{Name: "contactEmail"}},
			risk:       models.PIIRiskMedium,
			categories: []string{CategoryEmail},
		},
		{
			name:       "card by value under an innocent name",
			rows:       []map[string]any{{"ref": "4111 1111 1111 1111"}, {"ref": "5500-0000-0000-0004"}},
			risk:       models.PIIRiskHigh,
			categories: []string{CategoryCreditCard},
		},
		{
			name: "numbers failing luhn are not cards",
			rows: []map[string]any{{"ref": "4111111111111112"}},
			risk: models.PIIRiskNone,
		},
		{
			name:       "maximum not average",
			schema:     []models.Field{{Name: "name"}, {Name: "ip_address"}, {Name: "ssn"}, {Name: "qty"}, {Name: "price"}},
			risk:       models.PIIRiskHigh,
			categories: []string{CategoryIPAddress, CategoryName, CategoryNationalID},
		},
		{
			name:       "phone values",
			rows:       []map[string]any{{"c": "+1 415-555-0100"}, {"c": "(415) 555-0199"}},
			risk:       models.PIIRiskMedium,
			categories: []string{CategoryPhone},
		},
		{
			name:       "address values",
			rows:       []map[string]any{{"line": "221 Baker Street"}},
			risk:       models.PIIRiskMedium,
			categories: []string{CategoryAddress},
		},
		{
			name:       "national id values under a phone name",
			schema:     []models.Field{{Name: "phone_number"}},
			rows:       []map[string]any{{"phone_number": "123-45-6789"}, {"phone_number": "987-65-4321"}},
			risk:       models.PIIRiskHigh,
			categories: []string{CategoryNationalID},
		},
		{
			name:       "riskier token beside a phrase",
			schema:     []models.Field{{Name: "ssn_phone_number"}},
			risk:       models.PIIRiskHigh,
			categories: []string{CategoryNationalID},
		},
		{
			name:       "phrase words are not tokens",
			schema:     []models.Field{{Name: "client_ip_address"}},
			risk:       models.PIIRiskLow,
			categories: []string{CategoryIPAddress},
		},
		{
			name:   "file names are not person names",
			schema: []models.Field{{Name: "file_name"}, {Name: "tableName"}},
			risk:   models.PIIRiskNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := ClassifyPII(tt.schema, tt.rows)
			assert.Equal(t, tt.risk, rep.Risk)
			if len(tt.categories) > 0 {
				assert.Equal(t, tt.categories, rep.Categories())
			} else {
				assert.Empty(t, rep.Findings)
			}
		})
	}
}

func TestClassifyPIIConfidence(t *testing.T) {
	nameOnly := ClassifyPII([]models.Field{{Name: "email"}}, nil)
	both := ClassifyPII([]models.Field{{Name: "email"}}, []map[string]any{{"email": "a@b.io"}})
	valueOnly := ClassifyPII(nil, []map[string]any{{"x": "a@b.io"}})

	assert.Less(t, nameOnly.Confidence, valueOnly.Confidence)
	assert.Less(t, valueOnly.Confidence, both.Confidence)
	assert.False(t, nameOnly.ValuesInspected)
}

func TestNameWords(t *testing.T) {
	assert.Equal(t, []string{"customer", "email", "address"}, nameWords("customerEmailAddress"))
	assert.Equal(t, []string{"http", "server", "ip"}, nameWords("HTTPServer_IP"))
	assert.Equal(t, []string{"e", "mail"}, nameWords("e-mail"))
}
