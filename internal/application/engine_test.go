package application

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/cierzo-energy/margen/internal/domain/margin"
	"github.com/cierzo-energy/margen/internal/domain/market"
	"github.com/cierzo-energy/margen/internal/domain/pricing"
	"github.com/cierzo-energy/margen/internal/domain/records"
	"github.com/cierzo-energy/margen/internal/domain/timegrid"
	httpContracts "github.com/cierzo-energy/margen/internal/http"
	"github.com/cierzo-energy/margen/internal/infrastructure/cache"
	"github.com/cierzo-energy/margen/internal/persistence"
)

func testRegistry() *market.Registry {
	return &market.Registry{
		UnitColumns: []string{"Unidad de Programación"},
		GeoDefault:  3,
		Fingerprint: "fixture",
		Markets: []market.Market{
			{
				Name:     "PDBC",
				Quantity: market.QuantitySpec{Source: market.SourceOMIE, File: "pdbc", ValueKind: records.KindEnergy},
				Price:    market.PriceSpec{Kind: market.PriceOMIEFile, File: "marginalpdbc"},
			},
			{
				Name: "Banda Subir",
				Quantity: market.QuantitySpec{
					Source:    market.SourceI90,
					Sheet:     "03",
					ValueKind: records.KindPower,
					Direction: records.DirectionUp,
					Filters:   []market.Filter{{Column: "Sentido", Values: []string{"Subir"}}},
				},
				Price: market.PriceSpec{
					Kind:    market.PriceIndicator,
					Windows: []market.Window{{Indicator: 612, From: "2024-01-01"}},
				},
			},
			{
				Name:     "MIC",
				Quantity: market.QuantitySpec{Source: market.SourceOMIE, File: "trades", ValueKind: records.KindEnergy},
				Price:    market.PriceSpec{Kind: market.PriceInline},
			},
		},
	}
}

func newTestEngine(t *testing.T, root string, deps Deps) *Engine {
	t.Helper()
	cfg := EngineConfig{DataRoot: root, Workers: 2, MaxRetries: 1, RetryBackoffMS: 1, Resolution: "native"}
	eng, err := NewEngine(cfg, testRegistry(), deps)
	require.NoError(t, err)
	return eng
}

func day(t *testing.T, s string) timegrid.Date {
	t.Helper()
	d, err := timegrid.ParseDate(s)
	require.NoError(t, err)
	return d
}

func writeI90Archive(t *testing.T, root, stamp, sheet string, rows [][]interface{}) {
	t.Helper()
	wb := excelize.NewFile()
	require.NoError(t, wb.SetSheetName("Sheet1", sheet))
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, wb.SetSheetRow(sheet, cell, &row))
	}
	buf, err := wb.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, wb.Close())

	dir := filepath.Join(root, "esios", "i90_"+stamp[:4])
	require.NoError(t, os.MkdirAll(dir, 0o755))
	f, err := os.Create(filepath.Join(dir, "I90DIA_"+stamp+".zip"))
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("I90DIA_" + stamp + ".xlsx")
	require.NoError(t, err)
	_, err = w.Write(buf.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func writeOMIEArchive(t *testing.T, root, file, month string, members map[string]string) {
	t.Helper()
	dir := filepath.Join(root, "omie", file)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%s_%s.zip", file, month)))
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func writeIndicatorExport(t *testing.T, root string, indicator, year, month int, content string) {
	t.Helper()
	dir := filepath.Join(root, "esios", "indicators", strconv.Itoa(indicator))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, fmt.Sprintf("%d_%d_%d.csv", indicator, year, month))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// seedSources lays out one complete day, 2024-06-10, across all three
// source families.
func seedSources(t *testing.T, root string) {
	t.Helper()
	writeI90Archive(t, root, "20240610", "I90DIA03", [][]interface{}{
		{"", "Información del mercado de producción"},
		{"Unidad de Programación", "Sentido", "00-01", "01-02"},
		{"GUIG", "Subir", "10", "20"},
		{"GUIG", "Bajar", "4", "4"},
		{"MLTB", "Subir", "7", ""},
		{"XXXX", "Subir", "1", "2"},
	})
	writeOMIEArchive(t, root, "pdbc", "202406", map[string]string{
		"pdbc_20240610.1": "PDBC;\n" +
			"2024;06;10;1;GUIG;50.0;;C;1;\n" +
			"2024;06;10;2;GUIG;60.0;;C;1;\n" +
			"2024;06;10;1;ZZZZ;9.0;;C;1;\n",
	})
	writeOMIEArchive(t, root, "marginalpdbc", "202406", map[string]string{
		"marginalpdbc_20240610.1": "MARGINALPDBC;\n" +
			"2024;06;10;1;61.10;58.20;\n" +
			"2024;06;10;2;61.10;59.00;\n",
	})
	writeOMIEArchive(t, root, "trades", "202406", map[string]string{
		"trades_20240610.1": "MIC;\n" +
			"Fecha;Contrato;Unidad compra;Unidad venta;Cantidad;Precio;\n" +
			"10/06/2024;20240610 00:00-20240610 01:00;EXTA;GUIG;10;50.0;\n" +
			"10/06/2024;20240610 00:00-20240610 01:00;GUIG;EXTB;4;50.0;\n",
	})
	writeIndicatorExport(t, root, 612, 2024, 6,
		"datetime,value,geo_id\n"+
			"2024-06-10T00:00:00+02:00,25.5,3\n"+
			"2024-06-10T01:00:00+02:00,26.0,3\n"+
			"2024-06-10T02:00:00+02:00,24.0,8\n")
}

func findRec(recs []margin.Record, marketName, entity string, hour int) *margin.Record {
	for i := range recs {
		r := &recs[i]
		if r.Market == marketName && r.EntityID == entity && r.Slot.Madrid.Hour() == hour {
			return r
		}
	}
	return nil
}

func renderRecs(recs []margin.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		line := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%.6f",
			r.EntityID, r.Market, r.Direction, r.ValueKind,
			r.Slot.Madrid.Format(time.RFC3339), r.Slot.Resolution, r.Quantity)
		if r.Price != nil {
			line += fmt.Sprintf("|p=%.6f", *r.Price)
		}
		if r.Margin != nil {
			line += fmt.Sprintf("|m=%.6f", *r.Margin)
		}
		out[i] = line
	}
	return out
}

func TestRunComputesMargins(t *testing.T) {
	root := t.TempDir()
	seedSources(t, root)
	eng := newTestEngine(t, root, Deps{})

	d := day(t, "2024-06-10")
	recs, rep, err := eng.Run(context.Background(), RunRequest{From: d, To: d, Units: []string{"GUIG", "MLTB"}})
	require.NoError(t, err)
	require.NotNil(t, rep)

	// i90 + marginalpdbc + pdbc + trades + one indicator month.
	assert.Equal(t, 5, rep.UnitsTotal)
	assert.Empty(t, rep.UnitsFailed)
	assert.Empty(t, rep.MissingSources)
	assert.Len(t, rep.RunID, 8)
	require.Len(t, recs, 6)

	pdbc := findRec(recs, "PDBC", "GUIG", 0)
	require.NotNil(t, pdbc)
	assert.Equal(t, records.KindEnergy, pdbc.ValueKind)
	assert.InDelta(t, 50, pdbc.Quantity, 1e-9)
	require.NotNil(t, pdbc.Price)
	assert.InDelta(t, 58.20, *pdbc.Price, 1e-9)
	require.NotNil(t, pdbc.Margin)
	assert.InDelta(t, 2910, *pdbc.Margin, 1e-6)

	banda := findRec(recs, "Banda Subir", "GUIG", 1)
	require.NotNil(t, banda)
	assert.Equal(t, records.DirectionUp, banda.Direction)
	assert.Equal(t, timegrid.Hourly, banda.Slot.Resolution)
	assert.InDelta(t, 20, banda.Quantity, 1e-9)
	require.NotNil(t, banda.Margin)
	assert.InDelta(t, 520, *banda.Margin, 1e-6)

	mltb := findRec(recs, "Banda Subir", "MLTB", 0)
	require.NotNil(t, mltb)
	assert.InDelta(t, 178.5, *mltb.Margin, 1e-6)

	// Netted continuous trades: sold 10 and bought 4 at 50.
	mic := findRec(recs, "MIC", "GUIG", 0)
	require.NotNil(t, mic)
	assert.InDelta(t, 6, mic.Quantity, 1e-9)
	require.NotNil(t, mic.Price)
	assert.InDelta(t, 50, *mic.Price, 1e-9)
	require.NotNil(t, mic.Margin)
	assert.InDelta(t, 300, *mic.Margin, 1e-6)

	// The Bajar band row and the foreign-geo indicator row are filtered;
	// XXXX and ZZZZ fall outside the allow-list.
	assert.Equal(t, 2, rep.Source.FilteredOut)
	assert.Equal(t, 2, rep.Source.UnknownUnit)

	assert.Equal(t, []string{"GUIG"}, rep.Match.Matched)
	assert.Equal(t, []string{"MLTB"}, rep.Match.ScheduleOnly)
	assert.Empty(t, rep.Match.OfferOnly)
	assert.InDelta(t, 0.5, rep.Match.MatchRate, 1e-9)
}

func TestRunDeterministic(t *testing.T) {
	root := t.TempDir()
	seedSources(t, root)
	d := day(t, "2024-06-10")
	req := RunRequest{From: d, To: d, Units: []string{"GUIG", "MLTB"}}

	eng := newTestEngine(t, root, Deps{})
	first, rep1, err := eng.Run(context.Background(), req)
	require.NoError(t, err)
	second, rep2, err := eng.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first, second)
	assert.Equal(t, rep1.Rows, rep2.Rows)

	// A fresh engine over the same tree lands on the same table.
	third, _, err := newTestEngine(t, root, Deps{}).Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, renderRecs(first), renderRecs(third))
}

func TestRunContinuesPastFailedUnit(t *testing.T) {
	root := t.TempDir()
	seedSources(t, root)
	// Not a zip archive: the pdbc unit fails every attempt.
	require.NoError(t, os.WriteFile(filepath.Join(root, "omie", "pdbc", "pdbc_202406.zip"), []byte("corrupt"), 0o644))

	eng := newTestEngine(t, root, Deps{})
	d := day(t, "2024-06-10")
	recs, rep, err := eng.Run(context.Background(), RunRequest{From: d, To: d, Units: []string{"GUIG", "MLTB"}})
	require.NoError(t, err)

	require.Len(t, rep.UnitsFailed, 1)
	assert.Equal(t, "pdbc", rep.UnitsFailed[0].Source)
	assert.Equal(t, "2024-06-10", rep.UnitsFailed[0].Date)
	assert.Equal(t, int64(1), rep.Pool.Failed)

	assert.Nil(t, findRec(recs, "PDBC", "GUIG", 0))
	assert.NotNil(t, findRec(recs, "Banda Subir", "GUIG", 0))
	assert.NotNil(t, findRec(recs, "MIC", "GUIG", 0))
}

func TestRunReportsMissingArchive(t *testing.T) {
	root := t.TempDir()
	seedSources(t, root)
	require.NoError(t, os.RemoveAll(filepath.Join(root, "esios", "i90_2024")))

	eng := newTestEngine(t, root, Deps{})
	d := day(t, "2024-06-10")
	recs, rep, err := eng.Run(context.Background(), RunRequest{From: d, To: d, Units: []string{"GUIG", "MLTB"}})
	require.NoError(t, err)

	assert.Empty(t, rep.UnitsFailed)
	assert.Contains(t, rep.MissingSources, "i90 2024-06-10: day archive absent")
	assert.Nil(t, findRec(recs, "Banda Subir", "GUIG", 0))
	assert.NotNil(t, findRec(recs, "PDBC", "GUIG", 0))

	// Indicator prices arrived but nothing scheduled against them.
	assert.Equal(t, 2, rep.Assembly.PriceWithoutDemand)
	assert.Equal(t, []string{"GUIG"}, rep.Match.OfferOnly)
	assert.Zero(t, rep.Match.MatchRate)
}

func TestRunCancelledContext(t *testing.T) {
	root := t.TempDir()
	seedSources(t, root)
	eng := newTestEngine(t, root, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := day(t, "2024-06-10")
	recs, rep, err := eng.Run(ctx, RunRequest{From: d, To: d})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, recs)
	assert.Nil(t, rep)
}

func TestRunRejectsInvalidRange(t *testing.T) {
	eng := newTestEngine(t, t.TempDir(), Deps{})
	_, _, err := eng.Run(context.Background(), RunRequest{From: day(t, "2024-06-11"), To: day(t, "2024-06-10")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid day range")
}

func TestNewEngineRejectsOverlappingWindows(t *testing.T) {
	reg := testRegistry()
	reg.Markets[1].Price.Windows = []market.Window{
		{Indicator: 612, From: "2024-01-01", To: "2024-07-01"},
		{Indicator: 613, From: "2024-06-01"},
	}
	_, err := NewEngine(EngineConfig{DataRoot: t.TempDir()}, reg, Deps{})
	require.Error(t, err)
	var conflict *pricing.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "Banda Subir", conflict.Market)
}

func TestRunReplaysRowCache(t *testing.T) {
	root := t.TempDir()
	seedSources(t, root)
	rows := cache.NewMemory(time.Hour)
	defer rows.Close()
	eng := newTestEngine(t, root, Deps{Rows: rows})

	d := day(t, "2024-06-10")
	req := RunRequest{From: d, To: d, Units: []string{"GUIG", "MLTB"}}
	first, _, err := eng.Run(context.Background(), req)
	require.NoError(t, err)

	// With every source gone, only the cached batches can feed the rerun.
	require.NoError(t, os.RemoveAll(filepath.Join(root, "omie")))
	require.NoError(t, os.RemoveAll(filepath.Join(root, "esios")))

	second, rep, err := eng.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, rep.UnitsFailed)
	assert.Equal(t, renderRecs(first), renderRecs(second))
	assert.GreaterOrEqual(t, rep.Cache.Hits, int64(5))
}

func TestPlanEnumeratesUnits(t *testing.T) {
	eng := newTestEngine(t, t.TempDir(), Deps{})
	infos := eng.Plan(day(t, "2024-06-30"), day(t, "2024-07-01"))

	// Two days of (i90 + three omie files), plus one indicator unit per month.
	require.Len(t, infos, 10)
	assert.Equal(t, UnitInfo{Date: "2024-06-30", Source: "i90"}, infos[0])
	assert.Equal(t, UnitInfo{Date: "2024-06-30", Source: "marginalpdbc"}, infos[1])
	assert.Contains(t, infos, UnitInfo{Date: "202406", Source: "indicator/612"})
	assert.Contains(t, infos, UnitInfo{Date: "202407", Source: "indicator/612"})
}

type memMarginRepo struct {
	mu   sync.Mutex
	rows []persistence.MarginRow
}

func (r *memMarginRepo) UpsertBatch(_ context.Context, rows []persistence.MarginRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, rows...)
	return nil
}

func (r *memMarginRepo) ListByDay(_ context.Context, day, unit string) ([]persistence.MarginRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []persistence.MarginRow
	for _, row := range r.rows {
		if row.Day == day && (unit == "" || row.EntityID == unit) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *memMarginRepo) DeleteDay(_ context.Context, _ string) (int64, error) { return 0, nil }

func (r *memMarginRepo) Coverage(_ context.Context, from, to string) ([]persistence.DayCoverage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byDay := map[string]map[string]int64{}
	for _, row := range r.rows {
		if row.Day < from || row.Day > to {
			continue
		}
		if byDay[row.Day] == nil {
			byDay[row.Day] = map[string]int64{}
		}
		byDay[row.Day][row.EntityID]++
	}
	var out []persistence.DayCoverage
	for day, units := range byDay {
		cov := persistence.DayCoverage{Day: day, Units: int64(len(units))}
		for _, n := range units {
			cov.Rows += n
		}
		out = append(out, cov)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out, nil
}

type memRunRepo struct {
	mu       sync.Mutex
	started  []persistence.Run
	statuses []string
}

func (r *memRunRepo) Start(_ context.Context, run persistence.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, run)
	return nil
}

func (r *memRunRepo) Finish(_ context.Context, _ string, status string, _, _ int64, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *memRunRepo) Latest(_ context.Context, _ int) ([]persistence.Run, error) { return nil, nil }

func TestRunPersistsRowsAndTracksProgress(t *testing.T) {
	root := t.TempDir()
	seedSources(t, root)
	margins := &memMarginRepo{}
	runs := &memRunRepo{}
	tracker := httpContracts.NewStatusTracker()
	eng := newTestEngine(t, root, Deps{
		Repo:    &persistence.Repository{Margins: margins, Runs: runs},
		Tracker: tracker,
	})

	d := day(t, "2024-06-10")
	recs, rep, err := eng.Run(context.Background(), RunRequest{From: d, To: d, Units: []string{"GUIG", "MLTB"}})
	require.NoError(t, err)

	assert.Equal(t, len(recs), rep.Stored)
	require.Len(t, margins.rows, rep.Rows)
	row := margins.rows[0]
	assert.Equal(t, rep.RunID, row.RunID)
	assert.Equal(t, "2024-06-10", row.Day)
	assert.False(t, row.MadridTS.IsZero())
	assert.Equal(t, string(timegrid.Hourly), row.Resolution)

	require.Len(t, runs.started, 1)
	assert.Equal(t, persistence.RunRunning, runs.started[0].Status)
	assert.Equal(t, []string{persistence.RunCompleted}, runs.statuses)

	snap := tracker.Snapshot()
	assert.Equal(t, "idle", snap.State)
	require.NotNil(t, snap.Last)
	assert.Equal(t, persistence.RunCompleted, snap.Last.Status)
	assert.Empty(t, snap.Last.Error)
	assert.Greater(t, snap.Last.Rows, int64(0))
}
