package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"
	"github.com/goccy/go-json"

	"github.com/ajitpratap0/atlas/pkg/models"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func (c *cli) jsonOutput() bool {
	return c.output == "json"
}

func (c *cli) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(data))
	return err
}

func (c *cli) printTable(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(c.out, "(none)")
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	fmt.Fprintln(c.out, t.String())
}

func runStatus(s models.RunStatus) string {
	switch s {
	case models.RunCompleted:
		return color.GreenString(string(s))
	case models.RunCompletedWithErrors, models.RunCancelled:
		return color.YellowString(string(s))
	default:
		return color.RedString(string(s))
	}
}

func okString(ok bool) string {
	if ok {
		return color.GreenString("ok")
	}
	return color.RedString("failed")
}

func (c *cli) printRun(run *models.ScanRun) {
	fmt.Fprintf(c.out, "Run %s (%s) %s in %s\n", run.RunID, run.TriggeredBy, runStatus(run.Status), run.Duration().Round(time.Millisecond))
	rows := make([][]string, 0, len(run.Outcomes))
	for _, o := range run.Outcomes {
		rows = append(rows, []string{
			o.SourceID,
			string(o.Status),
			strconv.Itoa(o.Discovered),
			strconv.Itoa(o.Created),
			strconv.Itoa(o.Updated),
			strconv.Itoa(o.Unchanged),
			strconv.Itoa(o.Removed),
			strconv.Itoa(o.WriteErrors + o.Degraded),
			o.Duration.Round(time.Millisecond).String(),
			o.Error,
		})
	}
	c.printTable([]string{"SOURCE", "STATUS", "FOUND", "NEW", "UPDATED", "SAME", "REMOVED", "ISSUES", "TIME", "ERROR"}, rows)
}

func (c *cli) printAssets(assets []*models.CatalogedAsset) {
	rows := make([][]string, 0, len(assets))
	for _, a := range assets {
		rows = append(rows, []string{
			a.AssetID,
			a.SourceID,
			a.Type,
			a.Location,
			humanBytes(a.Size),
			string(a.PIIRisk),
			quality(a.QualityScore),
		})
	}
	c.printTable([]string{"ASSET ID", "SOURCE", "TYPE", "LOCATION", "SIZE", "PII", "QUALITY"}, rows)
}

func (c *cli) printAsset(a *models.CatalogedAsset) {
	fmt.Fprintf(c.out, "%s %s\n", color.CyanString("Asset:"), a.AssetID)
	pairs := [][2]string{
		{"Name", a.Name},
		{"Source", a.SourceID},
		{"Type", a.Type},
		{"Location", a.Location},
		{"Size", humanBytes(a.Size)},
		{"PII risk", string(a.PIIRisk)},
		{"Quality", quality(a.QualityScore)},
		{"Tags", strings.Join(a.Tags, ", ")},
		{"Content hash", a.Fingerprint.ContentHash},
		{"Last seen", a.LastSeenAt.Format(time.RFC3339)},
	}
	for _, p := range pairs {
		fmt.Fprintf(c.out, "  %-13s %s\n", p[0]+":", p[1])
	}
	if len(a.Schema) > 0 {
		rows := make([][]string, 0, len(a.Schema))
		for _, f := range a.Schema {
			rows = append(rows, []string{f.Name, f.Type, strconv.FormatBool(f.Nullable)})
		}
		c.printTable([]string{"FIELD", "TYPE", "NULLABLE"}, rows)
	}
	if len(a.Metadata) > 0 {
		keys := make([]string, 0, len(a.Metadata))
		for k := range a.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(c.out, "  %s = %v\n", k, a.Metadata[k])
		}
	}
}

func quality(score *float64) string {
	if score == nil {
		return "unknown"
	}
	return strconv.FormatFloat(*score, 'f', 2, 64)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
