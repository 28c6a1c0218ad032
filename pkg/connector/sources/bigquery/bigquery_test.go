package bigquery

import (
	"math/big"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/errors"
	"github.com/ajitpratap0/atlas/pkg/models"
)

func TestFields(t *testing.T) {
	schema := bigquery.Schema{
		{Name: "id", Type: bigquery.IntegerFieldType, Required: true},
		{Name: "email", Type: bigquery.StringFieldType, Description: "contact"},
		{Name: "amount", Type: bigquery.NumericFieldType},
		{Name: "tags", Type: bigquery.StringFieldType, Repeated: true},
		{Name: "address", Type: bigquery.RecordFieldType, Schema: bigquery.Schema{
			{Name: "city", Type: bigquery.StringFieldType},
		}},
		{Name: "seen", Type: bigquery.TimestampFieldType},
	}

	assert.Equal(t, []models.Field{
		{Name: "id", Type: models.TypeInteger},
		{Name: "email", Type: models.TypeString, Nullable: true, Description: "contact"},
		{Name: "amount", Type: models.TypeDecimal, Nullable: true},
		{Name: "tags", Type: models.TypeArray, Nullable: true},
		{Name: "address", Type: models.TypeObject, Nullable: true},
		{Name: "address.city", Type: models.TypeString, Nullable: true},
		{Name: "seen", Type: models.TypeTimestamp, Nullable: true},
	}, Fields(schema))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, 2.5, normalize(big.NewRat(5, 2)))
	assert.Equal(t, "2024-01-02", normalize(civil.Date{Year: 2024, Month: 1, Day: 2}))
	assert.Equal(t, "2024-01-02T03:04:05Z", normalize(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
	assert.Equal(t, []any{int64(1), "x"}, normalize([]bigquery.Value{int64(1), "x"}))
	assert.Nil(t, normalize(nil))
}

func TestNew(t *testing.T) {
	_, err := New(config.NewSourceConfig("bq", "bigquery"))
	assert.True(t, errors.IsConfig(err))

	cfg := config.NewSourceConfig("bq", "bigquery")
	cfg.Settings["project"] = "acme"
	cfg.Settings["datasets"] = "sales, marketing"
	conn, err := New(cfg)
	assert.NoError(t, err)
	assert.Equal(t, []string{"sales", "marketing"}, conn.(*Connector).datasets)
}
