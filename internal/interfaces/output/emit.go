// Package output renders the assembled margin table to files: monthly CSV
// chunks, an XLSX workbook, and the run's coverage artifact.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/cierzo-energy/margen/internal/application"
	"github.com/cierzo-energy/margen/internal/domain/margin"
)

// Header is the fixed margin table column order, shared by every format.
var Header = []string{
	"entity_id", "market", "direction", "value_kind",
	"madrid_timestamp", "utc_plus1_timestamp", "resolution",
	"quantity", "price", "margin",
}

type Emitter struct{}

func NewEmitter() *Emitter {
	return &Emitter{}
}

// WriteCSV writes the margin table as one CSV per calendar month, named
// unit_margin_YYYYMM.csv. Returns the written paths in month order.
func (e *Emitter) WriteCSV(dir string, recs []margin.Record) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	var paths []string
	for _, b := range bucketByMonth(recs) {
		path := filepath.Join(dir, fmt.Sprintf("unit_margin_%s.csv", b.month))
		if err := writeCSVFile(path, b.recs); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeCSVFile(path string, recs []margin.Record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(Header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, r := range recs {
		if err := writer.Write(csvRecord(r)); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}
	return nil
}

// csvRecord renders one row. Undefined price and margin stay empty cells,
// never zero.
func csvRecord(r margin.Record) []string {
	rec := []string{
		r.EntityID,
		r.Market,
		string(r.Direction),
		string(r.ValueKind),
		r.Slot.Madrid.Format(time.RFC3339),
		r.Slot.UTC1.Format(time.RFC3339),
		string(r.Slot.Resolution),
		formatFloat(r.Quantity),
		"",
		"",
	}
	if r.Price != nil {
		rec[8] = formatFloat(*r.Price)
	}
	if r.Margin != nil {
		rec[9] = formatFloat(*r.Margin)
	}
	return rec
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteXLSX writes the margin table as one workbook with a sheet per
// calendar month, header row in bold. Returns the workbook path, empty when
// there is nothing to write.
func (e *Emitter) WriteXLSX(dir string, recs []margin.Record) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	buckets := bucketByMonth(recs)
	if len(buckets) == 0 {
		return "", nil
	}

	wb := excelize.NewFile()
	defer wb.Close()

	headerStyle, err := wb.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return "", fmt.Errorf("failed to build header style: %w", err)
	}

	for i, b := range buckets {
		sheet := b.month
		if i == 0 {
			if err := wb.SetSheetName("Sheet1", sheet); err != nil {
				return "", fmt.Errorf("failed to name sheet %s: %w", sheet, err)
			}
		} else if _, err := wb.NewSheet(sheet); err != nil {
			return "", fmt.Errorf("failed to add sheet %s: %w", sheet, err)
		}

		header := make([]interface{}, len(Header))
		for j, h := range Header {
			header[j] = h
		}
		if err := wb.SetSheetRow(sheet, "A1", &header); err != nil {
			return "", fmt.Errorf("failed to write header row: %w", err)
		}
		end, err := excelize.CoordinatesToCellName(len(Header), 1)
		if err != nil {
			return "", err
		}
		if err := wb.SetCellStyle(sheet, "A1", end, headerStyle); err != nil {
			return "", fmt.Errorf("failed to style header row: %w", err)
		}

		for n, r := range b.recs {
			cell, err := excelize.CoordinatesToCellName(1, n+2)
			if err != nil {
				return "", err
			}
			row := xlsxRow(r)
			if err := wb.SetSheetRow(sheet, cell, &row); err != nil {
				return "", fmt.Errorf("failed to write row %d: %w", n+2, err)
			}
		}
	}

	name := fmt.Sprintf("unit_margin_%s.xlsx", buckets[0].month)
	if len(buckets) > 1 {
		name = fmt.Sprintf("unit_margin_%s_%s.xlsx", buckets[0].month, buckets[len(buckets)-1].month)
	}
	path := filepath.Join(dir, name)
	if err := wb.SaveAs(path); err != nil {
		return "", fmt.Errorf("failed to save workbook: %w", err)
	}
	return path, nil
}

// xlsxRow keeps quantity, price and margin numeric so spreadsheet consumers
// can aggregate them directly.
func xlsxRow(r margin.Record) []interface{} {
	row := []interface{}{
		r.EntityID,
		r.Market,
		string(r.Direction),
		string(r.ValueKind),
		r.Slot.Madrid.Format(time.RFC3339),
		r.Slot.UTC1.Format(time.RFC3339),
		string(r.Slot.Resolution),
		r.Quantity,
		nil,
		nil,
	}
	if r.Price != nil {
		row[8] = *r.Price
	}
	if r.Margin != nil {
		row[9] = *r.Margin
	}
	return row
}

type monthBucket struct {
	month string
	recs  []margin.Record
}

// bucketByMonth splits the sorted record stream into calendar months,
// preserving record order inside each bucket.
func bucketByMonth(recs []margin.Record) []monthBucket {
	idx := make(map[string]int)
	var buckets []monthBucket
	for _, r := range recs {
		key := r.Slot.LocalDate.MonthKey()
		i, ok := idx[key]
		if !ok {
			i = len(buckets)
			idx[key] = i
			buckets = append(buckets, monthBucket{month: key})
		}
		buckets[i].recs = append(buckets[i].recs, r)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].month < buckets[j].month })
	return buckets
}

type failedUnit struct {
	Date   string `json:"date"`
	Source string `json:"source"`
	Error  string `json:"error"`
}

type entityCoverage struct {
	Matched      []string `json:"matched,omitempty"`
	ScheduleOnly []string `json:"schedule_only,omitempty"`
	OfferOnly    []string `json:"offer_only,omitempty"`
	MatchRate    float64  `json:"match_rate"`
}

type coverageArtifact struct {
	RunID          string         `json:"run_id"`
	From           string         `json:"from"`
	To             string         `json:"to"`
	Resolution     string         `json:"resolution"`
	GeneratedAt    time.Time      `json:"generated_at"`
	UnitsTotal     int            `json:"units_total"`
	UnitsFailed    []failedUnit   `json:"units_failed,omitempty"`
	MissingSources []string       `json:"missing_sources,omitempty"`
	Entities       entityCoverage `json:"entities"`
	Rows           int            `json:"rows"`
	Dropped        int            `json:"dropped"`
	Duration       string         `json:"duration"`
}

// WriteCoverage writes the run's coverage artifact next to the margin
// table: which units were excluded, which sources never arrived, and how the
// two entity namespaces reconciled.
func (e *Emitter) WriteCoverage(dir string, rep *application.RunReport) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	art := coverageArtifact{
		RunID:          rep.RunID,
		From:           rep.From.String(),
		To:             rep.To.String(),
		Resolution:     rep.Resolution,
		GeneratedAt:    time.Now().UTC(),
		UnitsTotal:     rep.UnitsTotal,
		MissingSources: rep.MissingSources,
		Entities: entityCoverage{
			Matched:      rep.Match.Matched,
			ScheduleOnly: rep.Match.ScheduleOnly,
			OfferOnly:    rep.Match.OfferOnly,
			MatchRate:    rep.Match.MatchRate,
		},
		Rows:     rep.Rows,
		Dropped:  rep.Source.Dropped(),
		Duration: rep.Duration.Round(time.Millisecond).String(),
	}
	for _, u := range rep.UnitsFailed {
		art.UnitsFailed = append(art.UnitsFailed, failedUnit{Date: u.Date, Source: u.Source, Error: u.Err.Error()})
	}

	path := filepath.Join(dir, fmt.Sprintf("coverage_%s.json", rep.RunID))
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create coverage file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(art); err != nil {
		return "", fmt.Errorf("failed to encode coverage report: %w", err)
	}
	return path, nil
}
