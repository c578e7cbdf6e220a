package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/feedloader/internal/catalog"
	"github.com/JonMunkholm/feedloader/internal/fileformat"
	"github.com/JonMunkholm/feedloader/internal/persist"
	"github.com/JonMunkholm/feedloader/internal/progress"
)

func (e *testEnv) export(t *testing.T, req ExportRequest) progress.Snapshot {
	t.Helper()
	id, err := e.svc.StartExport(context.Background(), req)
	if err != nil {
		t.Fatalf("StartExport: %v", err)
	}
	return e.wait(t, id)
}

func readOutput(t *testing.T, snap progress.Snapshot) string {
	t.Helper()
	if snap.OutputPath == "" {
		t.Fatal("snapshot has no output path")
	}
	data, err := os.ReadFile(snap.OutputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	return string(data)
}

func TestExport_RoundTrip(t *testing.T) {
	env := newTestEnv(t)

	content := "productId,productName,productBrand,productPrice,productQuantity,productActive,productUpdatedAt\n" +
		"P1,Widget,Acme,\"19,99\",5,true,2024-03-01T10:00:00Z\n" +
		"P2,Gadget,Globex,1250.5,0,false,2024-03-02T08:30:00Z\n" +
		"P3,Gizmo,,7,,,\n"
	assertCompleted(t, env.importFile(t, ImportRequest{
		ClientID: "source",
		Path:     env.file(t, "products.csv", content),
		Entity:   catalog.EntityProduct,
	}))

	exported := env.export(t, ExportRequest{
		ClientID:      "source",
		Entity:        catalog.EntityProduct,
		IncludeHeader: true,
	})
	assertCompleted(t, exported)
	if exported.Saved != 3 {
		t.Errorf("exported = %d, want 3", exported.Saved)
	}

	assertCompleted(t, env.importFile(t, ImportRequest{
		ClientID: "copy",
		Path:     exported.OutputPath,
		Entity:   catalog.EntityProduct,
	}))

	want := env.records(t, catalog.EntityProduct, "source")
	got := env.records(t, catalog.EntityProduct, "copy")
	if len(got) != len(want) {
		t.Fatalf("copied %d records, want %d", len(got), len(want))
	}

	schema, _ := env.svc.Registry().Schema(catalog.EntityProduct)
	for i := range want {
		for _, field := range schema.FieldNames() {
			w := fileformat.FormatCell(want[i].Record.Get(field))
			g := fileformat.FormatCell(got[i].Record.Get(field))
			if g != w {
				t.Errorf("record %d %s = %q, want %q", i, field, g, w)
			}
		}
	}
	if v, ok := got[0].Record.Get(catalog.ProductQuantity).(int64); !ok || v != 5 {
		t.Errorf("quantity = %#v, want int64 5", got[0].Record.Get(catalog.ProductQuantity))
	}
	if v, ok := got[0].Record.Get(catalog.ProductUpdatedAt).(time.Time); !ok || !v.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("updatedAt = %#v", got[0].Record.Get(catalog.ProductUpdatedAt))
	}
}

func TestExport_PricedAndFiltered(t *testing.T) {
	env := newTestEnv(t)

	content := "productId,productName,productBrand,productPrice\n" +
		"P1,Widget,Acme,10\n" +
		"P2,Gadget,ACME Labs,\n" +
		"P3,Gizmo,Globex,30\n"
	assertCompleted(t, env.importFile(t, ImportRequest{
		ClientID: "acme",
		Path:     env.file(t, "products.csv", content),
		Entity:   catalog.EntityProduct,
	}))

	snap := env.export(t, ExportRequest{
		ClientID:      "acme",
		Entity:        catalog.EntityProduct,
		Strategy:      ExportPriced,
		Filter:        ExportFilter{Brand: "acme"},
		FieldOrder:    []string{catalog.ProductID, catalog.ProductPrice},
		IncludeHeader: true,
		Delimiter:     ';',
	})
	assertCompleted(t, snap)

	if got, want := readOutput(t, snap), "productId;productPrice\nP1;10\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	if snap.TotalRecords != 2 || snap.Saved != 1 || snap.Skipped != 1 {
		t.Errorf("total = %d, saved = %d, skipped = %d, want 2, 1, 1", snap.TotalRecords, snap.Saved, snap.Skipped)
	}
	if filepath.Base(snap.OutputPath) != snap.OperationID+".csv" {
		t.Errorf("output path = %s", snap.OutputPath)
	}
}

func TestExport_LatestMarket(t *testing.T) {
	env := newTestEnv(t, withBatchSize(2))

	assertCompleted(t, env.importFile(t, ImportRequest{
		ClientID: "acme",
		Path:     env.file(t, "products.csv", "productId,productName\nP1,Widget\n"),
		Entity:   catalog.EntityProduct,
	}))

	content := "productId,marketSourceType,marketSeller,marketPrice,marketObservedAt\n" +
		"P1,competitor,Ozon,100,2024-01-01T00:00:00Z\n" +
		"P1,competitor,WB,95,2024-01-15T00:00:00Z\n" +
		"P1,competitor,Ozon,120,2024-02-01T00:00:00Z\n" +
		"P1,competitor,Ozon,110,2024-01-20T00:00:00Z\n"
	assertCompleted(t, env.importFile(t, ImportRequest{
		ClientID: "acme",
		Path:     env.file(t, "market.csv", content),
		Entity:   catalog.EntityMarketData,
		Strategy: persist.StrategyIgnore,
	}))

	snap := env.export(t, ExportRequest{
		ClientID:      "acme",
		Entity:        catalog.EntityMarketData,
		Strategy:      ExportLatestMarket,
		FieldOrder:    []string{catalog.ProductID, catalog.MarketSeller, catalog.MarketPrice},
		IncludeHeader: true,
	})
	assertCompleted(t, snap)

	want := "productId,marketSeller,marketPrice\nP1,Ozon,120\nP1,WB,95\n"
	if got := readOutput(t, snap); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	if snap.ProcessedRecords != 4 || snap.Saved != 2 || snap.Skipped != 2 {
		t.Errorf("processed = %d, saved = %d, skipped = %d, want 4, 2, 2", snap.ProcessedRecords, snap.Saved, snap.Skipped)
	}
}

func TestExport_PagesThroughStore(t *testing.T) {
	reg, _ := catalog.NewRegistry()
	store := persist.NewMemoryStore()
	svc := NewService(Deps{
		Registry: reg,
		Engine:   persist.NewEngine(store, persist.EngineOptions{}),
	}, Options{ExportDir: t.TempDir(), ExportPageSize: 2})
	env := &testEnv{svc: svc, store: store, dir: t.TempDir()}

	assertCompleted(t, env.importFile(t, ImportRequest{
		ClientID: "acme",
		Path:     env.file(t, "products.csv", productsCSV),
		Entity:   catalog.EntityProduct,
	}))

	snap := env.export(t, ExportRequest{
		ClientID:   "acme",
		Entity:     catalog.EntityProduct,
		FieldOrder: []string{catalog.ProductID},
	})
	assertCompleted(t, snap)

	if got, want := readOutput(t, snap), "P1\nP2\nP3\nP4\nP5\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestExport_SpreadsheetWithLabels(t *testing.T) {
	env := newTestEnv(t)

	assertCompleted(t, env.importFile(t, ImportRequest{
		ClientID: "acme",
		Path:     env.file(t, "products.csv", productsCSV),
		Entity:   catalog.EntityProduct,
	}))

	snap := env.export(t, ExportRequest{
		ClientID:       "acme",
		Entity:         catalog.EntityProduct,
		Format:         fileformat.FormatSpreadsheetXML,
		SheetName:      "Products",
		IncludeHeader:  true,
		FieldOrder:     []string{catalog.ProductID, catalog.ProductName},
		MappingTableID: catalog.TableProductDefault,
	})
	assertCompleted(t, snap)

	f, err := excelize.OpenFile(snap.OutputPath)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Products")
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("rows = %d, want 6", len(rows))
	}
	if rows[0][0] != "Артикул" || rows[0][1] != "Модель" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[5][1] != "Thing" {
		t.Errorf("last row = %v", rows[5])
	}
}

func TestExport_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		req  ExportRequest
	}{
		{"no client", ExportRequest{Entity: catalog.EntityProduct}},
		{"unknown entity", ExportRequest{ClientID: "acme", Entity: "supplier"}},
		{"legacy spreadsheet", ExportRequest{ClientID: "acme", Entity: catalog.EntityProduct, Format: fileformat.FormatSpreadsheetBinary}},
		{"unknown strategy", ExportRequest{ClientID: "acme", Entity: catalog.EntityProduct, Strategy: "cheapest"}},
		{"latest market of products", ExportRequest{ClientID: "acme", Entity: catalog.EntityProduct, Strategy: ExportLatestMarket}},
		{"unknown field", ExportRequest{ClientID: "acme", Entity: catalog.EntityProduct, FieldOrder: []string{"colour"}}},
		{"field twice", ExportRequest{ClientID: "acme", Entity: catalog.EntityProduct, FieldOrder: []string{catalog.ProductID, catalog.ProductID}}},
		{"brand filter on market data", ExportRequest{ClientID: "acme", Entity: catalog.EntityMarketData, Filter: ExportFilter{Brand: "acme"}}},
		{"table of other entity", ExportRequest{ClientID: "acme", Entity: catalog.EntityProduct, MappingTableID: catalog.TableMarketDefault}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.StartExport(context.Background(), tt.req); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestExport_FailureRemovesPartialOutput(t *testing.T) {
	env := newTestEnv(t)

	assertCompleted(t, env.importFile(t, ImportRequest{
		ClientID: "acme",
		Path:     env.file(t, "products.csv", productsCSV),
		Entity:   catalog.EntityProduct,
	}))

	// a quote char equal to the delimiter is rejected by the writer
	snap := env.export(t, ExportRequest{
		ClientID:  "acme",
		Entity:    catalog.EntityProduct,
		QuoteChar: ',',
	})
	if snap.Status != progress.StatusFailed || snap.FailedStage != StageFetch {
		t.Fatalf("status = %s at %q, want failed at fetch", snap.Status, snap.FailedStage)
	}

	entries, err := os.ReadDir(env.svc.opts.ExportDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("export dir has %d files after failure", len(entries))
	}
}
