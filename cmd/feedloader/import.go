package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/feedloader/internal/core"
	"github.com/JonMunkholm/feedloader/internal/fileformat"
	"github.com/JonMunkholm/feedloader/internal/mapping"
	"github.com/JonMunkholm/feedloader/internal/persist"
)

var importFlags struct {
	client    string
	entity    string
	table     string
	strategy  string
	delimiter string
	charset   string
	headerRow int
	sheet     string
	defaults  []string
	archive   bool
	dryRun    bool
}

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import a CSV or Excel file",
	Long: `Import one file and wait for it to finish.

The file is copied before processing, so the original is left in place
even though imports remove their source when done. Press Ctrl-C once to
cancel at the next chunk boundary.

Examples:
  feedloader import --client acme --entity product prices.xlsx
  feedloader import --client acme --entity market_data --strategy override feed.csv
  feedloader import --client acme --entity product --default productBrand=Acme --dry-run list.csv`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	f := importCmd.Flags()
	f.StringVarP(&importFlags.client, "client", "c", "", "Client the data belongs to (required)")
	f.StringVarP(&importFlags.entity, "entity", "e", "product", "Entity type: product or market_data")
	f.StringVarP(&importFlags.table, "table", "t", "", "Mapping table id (default: best match for the headers)")
	f.StringVarP(&importFlags.strategy, "strategy", "s", "skip", "Duplicate handling: skip, override or ignore")
	f.StringVar(&importFlags.delimiter, "delimiter", "", "Field delimiter (default: detected)")
	f.StringVar(&importFlags.charset, "charset", "", "Source charset (default: detected)")
	f.IntVar(&importFlags.headerRow, "header-row", fileformat.AutoHeaderRow, "Zero-based header row (default: detected)")
	f.StringVar(&importFlags.sheet, "sheet", "", "Spreadsheet sheet name (default: first sheet)")
	f.StringSliceVar(&importFlags.defaults, "default", nil, "Default value as field=value, repeatable")
	f.BoolVar(&importFlags.archive, "archive", false, "Archive the source instead of deleting the copy")
	f.BoolVar(&importFlags.dryRun, "dry-run", false, "Map and validate into memory without touching the database")
	importCmd.MarkFlagRequired("client")

	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	req, err := importRequestFromFlags()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, appOptions{memory: importFlags.dryRun})
	if err != nil {
		return err
	}
	defer a.Close()

	source := args[0]
	staged, err := stageCopy(source, cfg.Pipeline.UploadDir)
	if err != nil {
		return err
	}
	req.Path = staged
	req.FileName = filepath.Base(source)

	id, err := a.service.StartImport(ctx, req)
	if err != nil {
		os.Remove(staged)
		return explain(err)
	}

	snap, err := follow(ctx, a.service, id, "importing "+req.FileName)
	if err != nil {
		return err
	}
	if importFlags.dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "dry run: nothing was written to the database")
	}
	return report(cmd.OutOrStdout(), snap)
}

func importRequestFromFlags() (core.ImportRequest, error) {
	req := core.ImportRequest{
		ClientID:       importFlags.client,
		Entity:         mapping.EntityType(importFlags.entity),
		MappingTableID: importFlags.table,
		Archive:        importFlags.archive,
		ChunkSize:      cfg.Pipeline.ChunkSize,
	}

	var err error
	if req.Strategy, err = persist.ParseStrategy(importFlags.strategy); err != nil {
		return req, err
	}

	if len(importFlags.defaults) > 0 {
		req.Defaults = make(map[string]string, len(importFlags.defaults))
		for _, kv := range importFlags.defaults {
			field, value, ok := strings.Cut(kv, "=")
			if !ok || strings.TrimSpace(field) == "" {
				return req, fmt.Errorf("--default %q: want field=value", kv)
			}
			req.Defaults[strings.TrimSpace(field)] = value
		}
	}

	opts := fileformat.DefaultOptions()
	if importFlags.delimiter != "" {
		if opts.Delimiter, err = flagRune("delimiter", importFlags.delimiter); err != nil {
			return req, err
		}
	}
	opts.Charset = importFlags.charset
	opts.HeaderRowIndex = importFlags.headerRow
	opts.SheetName = importFlags.sheet
	req.Options = &opts

	return req, nil
}

// flagRune reads a one-character flag; "tab" and `\t` name the tab.
func flagRune(name, s string) (rune, error) {
	switch s {
	case "tab", `\t`:
		return '\t', nil
	}
	r := []rune(s)
	if len(r) != 1 {
		return 0, fmt.Errorf("--%s must be a single character, got %q", name, s)
	}
	return r[0], nil
}
