package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/feedloader/internal/core"
	"github.com/JonMunkholm/feedloader/internal/fileformat"
	"github.com/JonMunkholm/feedloader/internal/mapping"
)

var exportFlags struct {
	client    string
	entity    string
	strategy  string
	format    string
	delimiter string
	charset   string
	noHeader  bool
	sheet     string
	autoSize  bool
	fields    []string
	table     string
	brand     string
	category  string
	since     string
	output    string
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored records to CSV or Excel",
	Long: `Export the records of one client and entity.

Examples:
  feedloader export --client acme --entity product -o products.csv
  feedloader export --client acme --entity product --strategy priced --brand acme --format xlsx -o acme.xlsx
  feedloader export --client acme --entity market_data --strategy latest_market --table market-default -o latest.csv`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	f := exportCmd.Flags()
	f.StringVarP(&exportFlags.client, "client", "c", "", "Client whose records are exported (required)")
	f.StringVarP(&exportFlags.entity, "entity", "e", "product", "Entity type: product or market_data")
	f.StringVarP(&exportFlags.strategy, "strategy", "s", "all", "Selection: all, priced or latest_market")
	f.StringVarP(&exportFlags.format, "format", "f", "csv", "Output format: csv or xlsx")
	f.StringVar(&exportFlags.delimiter, "delimiter", ",", "CSV field delimiter")
	f.StringVar(&exportFlags.charset, "charset", "", "CSV charset (default: UTF-8)")
	f.BoolVar(&exportFlags.noHeader, "no-header", false, "Omit the header row")
	f.StringVar(&exportFlags.sheet, "sheet", "", "Worksheet name for xlsx output")
	f.BoolVar(&exportFlags.autoSize, "auto-size", false, "Fit xlsx column widths to their content")
	f.StringSliceVar(&exportFlags.fields, "fields", nil, "Fields to export, in order (default: all)")
	f.StringVarP(&exportFlags.table, "table", "t", "", "Mapping table whose labels become the headers")
	f.StringVar(&exportFlags.brand, "brand", "", "Only products whose brand contains this text")
	f.StringVar(&exportFlags.category, "category", "", "Only products whose category contains this text")
	f.StringVar(&exportFlags.since, "since", "", "Only records updated at or after this date (YYYY-MM-DD or RFC 3339)")
	f.StringVarP(&exportFlags.output, "output", "o", "", "Write the result here (default: print the export path)")
	exportCmd.MarkFlagRequired("client")

	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, _ []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	req, err := exportRequestFromFlags()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.service.StartExport(ctx, req)
	if err != nil {
		return explain(err)
	}

	snap, err := follow(ctx, a.service, id, "exporting "+exportFlags.entity)
	if err != nil {
		return err
	}
	if err := report(cmd.OutOrStdout(), snap); err != nil {
		return err
	}

	if exportFlags.output == "" {
		fmt.Fprintln(cmd.OutOrStdout(), snap.OutputPath)
		return nil
	}
	if err := moveFile(snap.OutputPath, exportFlags.output); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), exportFlags.output)
	return nil
}

func exportRequestFromFlags() (core.ExportRequest, error) {
	req := core.ExportRequest{
		ClientID:        exportFlags.client,
		Entity:          mapping.EntityType(exportFlags.entity),
		Charset:         exportFlags.charset,
		IncludeHeader:   !exportFlags.noHeader,
		SheetName:       exportFlags.sheet,
		AutoSizeColumns: exportFlags.autoSize,
		FieldOrder:      exportFlags.fields,
		MappingTableID:  exportFlags.table,
		Filter: core.ExportFilter{
			Brand:    exportFlags.brand,
			Category: exportFlags.category,
		},
	}

	var err error
	if req.Strategy, err = core.ParseExportStrategy(exportFlags.strategy); err != nil {
		return req, err
	}
	if req.Format, err = fileformat.ParseFormat(exportFlags.format); err != nil {
		return req, err
	}
	if req.Delimiter, err = flagRune("delimiter", exportFlags.delimiter); err != nil {
		return req, err
	}
	if exportFlags.since != "" {
		since, err := time.Parse(time.DateOnly, exportFlags.since)
		if err != nil {
			if since, err = time.Parse(time.RFC3339, exportFlags.since); err != nil {
				return req, fmt.Errorf("--since %q: want YYYY-MM-DD or RFC 3339", exportFlags.since)
			}
		}
		req.Filter.UpdatedSince = since
	}
	return req, nil
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy export to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
