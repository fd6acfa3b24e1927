// Package report builds the daily violation rollup and exports it as XLSX.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/store"
)

// Daily is one day's rollup.
type Daily struct {
	Date   string            `json:"report_date"`
	Rows   []model.RollupRow `json:"rows"`
	Totals model.RollupRow   `json:"totals"`
}

// ByType sums the rows per violation type.
func (d *Daily) ByType() map[model.ViolationType]int {
	out := make(map[model.ViolationType]int)
	for _, r := range d.Rows {
		out[r.ViolationType] += r.Sessions
	}
	return out
}

// Build loads the rollup for date (YYYY-MM-DD).
func Build(ctx context.Context, st store.Store, date string) (*Daily, error) {
	if _, err := time.Parse(model.ReportDateLayout, date); err != nil {
		return nil, eris.Wrapf(err, "report: invalid date %q", date)
	}
	rows, err := st.DailyRollup(ctx, date)
	if err != nil {
		return nil, eris.Wrap(err, "report: daily rollup")
	}

	d := &Daily{Date: date, Rows: rows, Totals: model.RollupRow{Camera: "All cameras"}}
	for _, r := range rows {
		d.Totals.Sessions += r.Sessions
		d.Totals.Occurrences += r.Occurrences
		d.Totals.TotalMinutes += r.TotalMinutes
		d.Totals.Verified += r.Verified
	}
	return d, nil
}

var header = []string{"Camera", "Violation", "Sessions", "Occurrences", "Total minutes", "Verified"}

// Label renders a violation type for people ("no_helmet" → "No Helmet").
func Label(v model.ViolationType) string {
	return cases.Title(language.English).String(strings.ReplaceAll(string(v), "_", " "))
}

// WriteXLSX writes the rollup to path, one sheet per report plus a per-type
// summary sheet.
func WriteXLSX(d *Daily, path string) error {
	f := xlsx.NewFile()

	sheet, err := f.AddSheet("Rollup " + d.Date)
	if err != nil {
		return eris.Wrap(err, "report: add rollup sheet")
	}
	addRow(sheet, header...)
	for _, r := range d.Rows {
		addRollupRow(sheet, r.Camera, Label(r.ViolationType), r)
	}
	addRollupRow(sheet, d.Totals.Camera, "", d.Totals)

	summary, err := f.AddSheet("By type")
	if err != nil {
		return eris.Wrap(err, "report: add summary sheet")
	}
	addRow(summary, "Violation", "Sessions")
	byType := d.ByType()
	for _, v := range []model.ViolationType{model.ViolationNoHelmet, model.ViolationNoVest, model.ViolationBothMissing} {
		row := summary.AddRow()
		row.AddCell().SetString(Label(v))
		row.AddCell().SetInt(byType[v])
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "report: create output dir")
	}
	return eris.Wrap(f.Save(path), "report: save xlsx")
}

func addRow(sheet *xlsx.Sheet, cells ...string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}

func addRollupRow(sheet *xlsx.Sheet, camera, label string, r model.RollupRow) {
	row := sheet.AddRow()
	row.AddCell().SetString(camera)
	row.AddCell().SetString(label)
	row.AddCell().SetInt(r.Sessions)
	row.AddCell().SetInt(r.Occurrences)
	row.AddCell().SetFloatWithFormat(r.TotalMinutes, "0.00")
	row.AddCell().SetInt(r.Verified)
}

// Options controls Generate.
type Options struct {
	Dir          string
	MarkReported bool
}

// Generate builds the rollup for date, writes it under opts.Dir and
// optionally marks the day's sessions reported. It returns the file path.
func Generate(ctx context.Context, st store.Store, date string, opts Options) (string, *Daily, error) {
	d, err := Build(ctx, st, date)
	if err != nil {
		return "", nil, err
	}

	path := filepath.Join(opts.Dir, fmt.Sprintf("ppe-violations-%s.xlsx", date))
	if err := WriteXLSX(d, path); err != nil {
		return "", nil, err
	}

	marked := 0
	if opts.MarkReported {
		marked, err = st.MarkReported(ctx, date)
		if err != nil {
			return path, d, eris.Wrap(err, "report: mark reported")
		}
	}

	zap.L().Info("daily report written",
		zap.String("date", date),
		zap.String("path", path),
		zap.Int("sessions", d.Totals.Sessions),
		zap.Int("marked_reported", marked),
	)
	return path, d, nil
}
