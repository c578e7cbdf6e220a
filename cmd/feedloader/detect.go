package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/feedloader/internal/fileformat"
)

var detectSheet string

var detectCmd = &cobra.Command{
	Use:   "detect FILE",
	Short: "Show how a file would be read",
	Long: `Print the detected format, charset and delimiter of a file, its header
row and the mapping tables that fit it best. Nothing is imported.`,
	Args: cobra.ExactArgs(1),
	RunE: runDetect,
}

func init() {
	detectCmd.Flags().StringVar(&detectSheet, "sheet", "", "Spreadsheet sheet name (default: first sheet)")
	rootCmd.AddCommand(detectCmd)
}

func runDetect(cmd *cobra.Command, args []string) error {
	src, err := fileformat.Detect(args[0], filepath.Base(args[0]))
	if err != nil {
		return explain(err)
	}

	out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(out, "file:\t%s\n", src.Name)
	fmt.Fprintf(out, "size:\t%d bytes\n", src.Size)
	fmt.Fprintf(out, "format:\t%s\n", src.Format)
	if !src.Format.IsSpreadsheet() {
		fmt.Fprintf(out, "charset:\t%s\n", src.Charset)
		fmt.Fprintf(out, "delimiter:\t%q\n", src.Delimiter)
	}

	opts := fileformat.DefaultOptions()
	opts.SheetName = detectSheet
	reader, err := fileformat.Open(src, opts)
	if err != nil {
		out.Flush()
		return explain(err)
	}
	defer reader.Close()

	headers, err := reader.Headers()
	if err != nil {
		out.Flush()
		return explain(err)
	}
	fmt.Fprintf(out, "headers:\t%q\n", headers)
	fmt.Fprintf(out, "rows:\t~%d\n", reader.EstimateRowCount())

	registry, err := newRegistry(cfg)
	if err != nil {
		out.Flush()
		return err
	}
	for i, s := range registry.Suggest("", headers) {
		if i == 3 || s.Score == 0 {
			break
		}
		fmt.Fprintf(out, "mapping:\t%s (%s, %s) %.0f%%\n", s.Table, s.Name, s.Entity, s.Score*100)
	}
	return out.Flush()
}
