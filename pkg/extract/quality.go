package extract

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ajitpratap0/atlas/pkg/models"
)

// Dimension weights of the quality score.
const (
	weightCompleteness = 0.5
	weightConsistency  = 0.3
	weightUniqueness   = 0.2
)

// QualityReport holds the dimension scores behind a quality score. All
// scores are in [0,1].
type QualityReport struct {
	Score        float64
	Completeness float64
	Consistency  float64
	Uniqueness   float64
	Rows         int
}

// AssessQuality scores sampled rows against a schema. Completeness is the
// share of non-null cells, consistency the share of non-null values that
// conform to their column type, and uniqueness the share of distinct rows.
// The result depends only on the sample, so identical samples always score
// identically. It returns false when there is nothing to score.
func AssessQuality(schema []models.Field, rows []map[string]any) (QualityReport, bool) {
	if len(rows) == 0 || len(schema) == 0 {
		return QualityReport{}, false
	}

	var cells, filled, conforming int
	for _, r := range rows {
		for _, f := range schema {
			cells++
			t, ok := ValueType(r[f.Name])
			if !ok {
				continue
			}
			filled++
			if Compatible(f.Type, t) {
				conforming++
			}
		}
	}

	rep := QualityReport{Rows: len(rows)}
	rep.Completeness = ratio(filled, cells)
	if filled == 0 {
		rep.Consistency = 0
	} else {
		rep.Consistency = ratio(conforming, filled)
	}
	rep.Uniqueness = ratio(distinctRows(schema, rows), len(rows))

	score := weightCompleteness*rep.Completeness +
		weightConsistency*rep.Consistency +
		weightUniqueness*rep.Uniqueness
	rep.Score = round4(score)
	rep.Completeness = round4(rep.Completeness)
	rep.Consistency = round4(rep.Consistency)
	rep.Uniqueness = round4(rep.Uniqueness)
	return rep, true
}

func distinctRows(schema []models.Field, rows []map[string]any) int {
	names := make([]string, len(schema))
	for i, f := range schema {
		names[i] = f.Name
	}
	sort.Strings(names)

	seen := make(map[string]struct{}, len(rows))
	var sb strings.Builder
	for _, r := range rows {
		sb.Reset()
		for _, n := range names {
			fmt.Fprintf(&sb, "%d:%v|", len(n), r[n])
		}
		seen[sb.String()] = struct{}{}
	}
	return len(seen)
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
