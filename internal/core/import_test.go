package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/feedloader/internal/catalog"
	"github.com/JonMunkholm/feedloader/internal/fileformat"
	"github.com/JonMunkholm/feedloader/internal/persist"
	"github.com/JonMunkholm/feedloader/internal/progress"
)

func TestImport_Delimiters(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"comma", "productId,productName,productPrice\nP1,Widget,10\nP2,Gadget,20\n"},
		{"semicolon", "productId;productName;productPrice\nP1;Widget;10\nP2;Gadget;20\n"},
		{"tab", "productId\tproductName\tproductPrice\nP1\tWidget\t10\nP2\tGadget\t20\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			snap := env.importFile(t, ImportRequest{
				ClientID: "acme",
				Path:     env.file(t, "products.csv", tt.content),
				Entity:   catalog.EntityProduct,
			})
			assertCompleted(t, snap)

			if snap.Saved != 2 || snap.RowErrors != 0 {
				t.Errorf("saved = %d, row errors = %d, want 2 and 0", snap.Saved, snap.RowErrors)
			}
			recs := env.records(t, catalog.EntityProduct, "acme")
			if len(recs) != 2 || recs[1].Record.String(catalog.ProductName) != "Gadget" {
				t.Errorf("records = %+v", recs)
			}
		})
	}
}

func TestImport_SkipTwice(t *testing.T) {
	env := newTestEnv(t)

	first := env.importFile(t, ImportRequest{
		ClientID: "acme",
		Path:     env.file(t, "first.csv", productsCSV),
		Entity:   catalog.EntityProduct,
		Strategy: persist.StrategySkip,
	})
	assertCompleted(t, first)
	if first.Saved != 5 {
		t.Fatalf("first saved = %d, want 5", first.Saved)
	}

	second := env.importFile(t, ImportRequest{
		ClientID: "acme",
		Path:     env.file(t, "second.csv", productsCSV),
		Entity:   catalog.EntityProduct,
		Strategy: persist.StrategySkip,
	})
	assertCompleted(t, second)
	if second.Saved != 0 || second.Skipped != 5 {
		t.Errorf("second saved = %d, skipped = %d, want 0 and 5", second.Saved, second.Skipped)
	}
	if got := env.store.Len(catalog.EntityProduct); got != 5 {
		t.Errorf("stored = %d, want 5", got)
	}
}

func TestImport_HeaderOnly(t *testing.T) {
	env := newTestEnv(t)

	snap := env.importFile(t, ImportRequest{
		ClientID: "acme",
		Path:     env.file(t, "empty.csv", "productId,productName,productPrice\n"),
		Entity:   catalog.EntityProduct,
	})
	assertCompleted(t, snap)

	if snap.TotalRecords != 0 || snap.ProcessedRecords != 0 {
		t.Errorf("total = %d, processed = %d, want 0 and 0", snap.TotalRecords, snap.ProcessedRecords)
	}
	if snap.Message() != "completed" {
		t.Errorf("message = %q, want %q", snap.Message(), "completed")
	}
}

func TestImport_RussianHeaders(t *testing.T) {
	env := newTestEnv(t)

	snap := env.importFile(t, ImportRequest{
		ClientID: "acme",
		Path:     env.file(t, "ru.csv", "Модель;Бренд;Цена\nX1;Acme;19.99\n"),
		Entity:   catalog.EntityProduct,
	})
	assertCompleted(t, snap)

	recs := env.records(t, catalog.EntityProduct, "acme")
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0].Record
	if got := rec.String(catalog.ProductName); got != "X1" {
		t.Errorf("productName = %q, want %q", got, "X1")
	}
	if got := rec.String(catalog.ProductBrand); got != "Acme" {
		t.Errorf("productBrand = %q, want %q", got, "Acme")
	}
	if got := fileformat.FormatCell(rec.Get(catalog.ProductPrice)); got != "19.99" {
		t.Errorf("productPrice = %q, want %q", got, "19.99")
	}
}

func TestImport_OverrideCollapsesToOneUpdate(t *testing.T) {
	env := newTestEnv(t)

	assertCompleted(t, env.importFile(t, ImportRequest{
		ClientID: "acme",
		Path:     env.file(t, "seed.csv", "productId,productName\nP1,Original\n"),
		Entity:   catalog.EntityProduct,
	}))

	snap := env.importFile(t, ImportRequest{
		ClientID: "acme",
		Path:     env.file(t, "update.csv", "productId,productName\nP1,First\nP1,Second\nP1,Third\n"),
		Entity:   catalog.EntityProduct,
		Strategy: persist.StrategyOverride,
	})
	assertCompleted(t, snap)

	if snap.Updated != 1 || snap.Saved != 0 || snap.Skipped != 0 {
		t.Errorf("updated = %d, saved = %d, skipped = %d, want 1, 0, 0", snap.Updated, snap.Saved, snap.Skipped)
	}
	recs := env.records(t, catalog.EntityProduct, "acme")
	if len(recs) != 1 || recs[0].Record.String(catalog.ProductName) != "Third" {
		t.Errorf("records = %+v, want one named Third", recs)
	}
}

func TestImport_RowErrors(t *testing.T) {
	env := newTestEnv(t)

	content := "productId,productName,productPrice,productQuantity\n" +
		"P1,Widget,10,5\n" +
		"P2,,20,1\n" + // missing required name
		"P3,Gizmo,-4,1\n" + // negative price
		"P4,Thing,12,lots\n" // bad optional value, record kept
	snap := env.importFile(t, ImportRequest{
		ClientID: "acme",
		Path:     env.file(t, "products.csv", content),
		Entity:   catalog.EntityProduct,
	})
	assertCompleted(t, snap)

	if snap.ProcessedRecords != 4 {
		t.Errorf("processed = %d, want 4", snap.ProcessedRecords)
	}
	if snap.Saved != 2 || snap.RowErrors != 3 {
		t.Errorf("saved = %d, row errors = %d, want 2 and 3", snap.Saved, snap.RowErrors)
	}
	if len(snap.ErrorSamples) != 3 {
		t.Fatalf("samples = %v", snap.ErrorSamples)
	}
	if !strings.HasPrefix(snap.ErrorSamples[2], "line 5:") {
		t.Errorf("sample = %q, want it to name line 5", snap.ErrorSamples[2])
	}
	if got := snap.Message(); got != "completed with 3 row errors" {
		t.Errorf("message = %q", got)
	}
}

func TestImport_Defaults(t *testing.T) {
	env := newTestEnv(t)

	assertCompleted(t, env.importFile(t, ImportRequest{
		ClientID: "acme",
		Path:     env.file(t, "products.csv", "productId,productName,productBrand\nP1,Widget,\nP2,Gadget,Other\n"),
		Entity:   catalog.EntityProduct,
		Defaults: map[string]string{catalog.ProductBrand: "Acme"},
	}))

	recs := env.records(t, catalog.EntityProduct, "acme")
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if got := recs[0].Record.String(catalog.ProductBrand); got != "Acme" {
		t.Errorf("default brand = %q, want %q", got, "Acme")
	}
	if got := recs[1].Record.String(catalog.ProductBrand); got != "Other" {
		t.Errorf("file brand = %q, want %q", got, "Other")
	}
}

func TestImport_MarketDataResolvesProducts(t *testing.T) {
	env := newTestEnv(t)

	assertCompleted(t, env.importFile(t, ImportRequest{
		ClientID: "acme",
		Path:     env.file(t, "products.csv", "productId,productName\nP1,Widget\n"),
		Entity:   catalog.EntityProduct,
	}))
	product := env.records(t, catalog.EntityProduct, "acme")[0]

	snap := env.importFile(t, ImportRequest{
		ClientID: "acme",
		Path: env.file(t, "market.csv", "productId,marketSourceType,marketSeller,marketPrice\n"+
			"P1,competitor,Ozon,100\n"+
			"P2,competitor,Ozon,90\n"),
		Entity: catalog.EntityMarketData,
	})
	assertCompleted(t, snap)

	if snap.Saved != 1 || snap.RowErrors != 1 {
		t.Errorf("saved = %d, row errors = %d, want 1 and 1", snap.Saved, snap.RowErrors)
	}
	if len(snap.ErrorSamples) != 1 || !strings.Contains(snap.ErrorSamples[0], `unknown product "P2"`) {
		t.Errorf("samples = %v", snap.ErrorSamples)
	}

	market := env.records(t, catalog.EntityMarketData, "acme")
	if len(market) != 1 {
		t.Fatalf("market records = %d, want 1", len(market))
	}
	if got := market[0].Record.Get(catalog.MarketProductRef); got != product.ID {
		t.Errorf("productRef = %v, want %d", got, product.ID)
	}
}

func TestImport_MarketDataCarriesProducts(t *testing.T) {
	env := newTestEnv(t)

	const header = "productId,productName,productBrand,marketSourceType,marketSeller,marketPrice\n"
	snap := env.importFile(t, ImportRequest{
		ClientID: "acme",
		Path: env.file(t, "market.csv", header+
			"P1,Widget,Acme,competitor,Ozon,100\n"+
			"P1,Widget,Acme,competitor,WB,95\n"+
			"P2,Gadget,,competitor,Ozon,90\n"),
		Entity: catalog.EntityMarketData,
	})
	assertCompleted(t, snap)
	if snap.Saved != 3 || snap.RowErrors != 0 {
		t.Errorf("saved = %d, row errors = %d (%v), want 3 and 0", snap.Saved, snap.RowErrors, snap.ErrorSamples)
	}

	ids := make(map[string]any)
	for _, p := range env.records(t, catalog.EntityProduct, "acme") {
		ids[p.Record.String(catalog.ProductID)] = p.ID
	}
	if len(ids) != 2 {
		t.Fatalf("products = %v, want P1 and P2 once each", ids)
	}

	market := env.records(t, catalog.EntityMarketData, "acme")
	if len(market) != 3 {
		t.Fatalf("market records = %d, want 3", len(market))
	}
	for _, m := range market {
		ref := m.Record.String(catalog.ProductID)
		if got := m.Record.Get(catalog.MarketProductRef); got != ids[ref] {
			t.Errorf("%s productRef = %v, want %v", ref, got, ids[ref])
		}
	}

	t.Run("override updates carried products", func(t *testing.T) {
		snap := env.importFile(t, ImportRequest{
			ClientID: "acme",
			Path:     env.file(t, "market2.csv", header+"P1,Widget Pro,Acme,competitor,Ozon,99\n"),
			Entity:   catalog.EntityMarketData,
			Strategy: persist.StrategyOverride,
		})
		assertCompleted(t, snap)
		if snap.Updated != 1 {
			t.Errorf("updated = %d, want 1", snap.Updated)
		}
		for _, p := range env.records(t, catalog.EntityProduct, "acme") {
			if p.Record.String(catalog.ProductID) == "P1" && p.Record.String(catalog.ProductName) != "Widget Pro" {
				t.Errorf("P1 name = %q, want %q", p.Record.String(catalog.ProductName), "Widget Pro")
			}
		}
		if got := len(env.records(t, catalog.EntityProduct, "acme")); got != 2 {
			t.Errorf("products = %d after override, want 2", got)
		}
	})
}

func TestImport_MarketDataInvalidCarriedProduct(t *testing.T) {
	env := newTestEnv(t)

	snap := env.importFile(t, ImportRequest{
		ClientID: "acme",
		Path: env.file(t, "market.csv", "productId,productName,productPrice,marketSourceType,marketSeller,marketPrice\n"+
			"P3,,5,competitor,Ozon,10\n"),
		Entity: catalog.EntityMarketData,
	})
	assertCompleted(t, snap)

	if snap.Saved != 0 || snap.RowErrors != 2 {
		t.Errorf("saved = %d, row errors = %d, want 0 and 2", snap.Saved, snap.RowErrors)
	}
	joined := strings.Join(snap.ErrorSamples, "\n")
	for _, want := range []string{"product: missing required field productName", `unknown product "P3"`} {
		if !strings.Contains(joined, want) {
			t.Errorf("samples %v should mention %q", snap.ErrorSamples, want)
		}
	}
	if got := len(env.records(t, catalog.EntityProduct, "acme")); got != 0 {
		t.Errorf("products = %d, want 0", got)
	}
}

func TestImport_Spreadsheet(t *testing.T) {
	env := newTestEnv(t)
	path := env.file(t, "products.xlsx", "")

	f := excelize.NewFile()
	rows := [][]any{
		{"Прайс-лист"},
		{},
		{"Артикул", "Наименование", "Цена"},
		{"A-1", "Widget", 10.5},
		{"A-2", "Gadget", 20},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow("Sheet1", cell, &row); err != nil {
			t.Fatalf("SetSheetRow: %v", err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}

	snap := env.importFile(t, ImportRequest{ClientID: "acme", Path: path, Entity: catalog.EntityProduct})
	assertCompleted(t, snap)

	if snap.Saved != 2 {
		t.Errorf("saved = %d, want 2", snap.Saved)
	}
	recs := env.records(t, catalog.EntityProduct, "acme")
	if len(recs) != 2 || fileformat.FormatCell(recs[0].Record.Get(catalog.ProductPrice)) != "10.5" {
		t.Errorf("records = %+v", recs)
	}
}

func TestImport_DetectionFailsDataFetch(t *testing.T) {
	env := newTestEnv(t)

	snap := env.importFile(t, ImportRequest{
		ClientID: "acme",
		Path:     env.file(t, "blank.csv", "\n\n\n"),
		Entity:   catalog.EntityProduct,
	})

	if snap.Status != progress.StatusFailed {
		t.Fatalf("status = %s, want failed", snap.Status)
	}
	if snap.FailedStage != StageDataFetch {
		t.Errorf("failed stage = %q, want %q", snap.FailedStage, StageDataFetch)
	}
	if !strings.HasPrefix(snap.ErrorMessage, "failed at stage data_fetch:") {
		t.Errorf("message = %q", snap.ErrorMessage)
	}
	if got := MapMessage(snap.ErrorMessage).Code; got != "FILE002" {
		t.Errorf("code = %s, want FILE002", got)
	}
}

func TestImport_Validation(t *testing.T) {
	env := newTestEnv(t)
	path := env.file(t, "products.csv", productsCSV)

	tests := []struct {
		name    string
		req     ImportRequest
		wantErr error
	}{
		{"no client", ImportRequest{Path: path, Entity: catalog.EntityProduct}, ErrClientRequired},
		{"unknown entity", ImportRequest{ClientID: "acme", Path: path, Entity: "supplier"}, nil},
		{"unknown strategy", ImportRequest{ClientID: "acme", Path: path, Entity: catalog.EntityProduct, Strategy: "merge"}, persist.ErrUnknownStrategy},
		{"unknown table", ImportRequest{ClientID: "acme", Path: path, Entity: catalog.EntityProduct, MappingTableID: "nope"}, nil},
		{"table of other entity", ImportRequest{ClientID: "acme", Path: path, Entity: catalog.EntityProduct, MappingTableID: catalog.TableMarketDefault}, nil},
		{"negative chunk size", ImportRequest{ClientID: "acme", Path: path, Entity: catalog.EntityProduct, ChunkSize: -1}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.StartImport(context.Background(), tt.req)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
