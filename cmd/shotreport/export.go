package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/basket/shotreport/internal/builder"
	"github.com/basket/shotreport/internal/persistence"
	"github.com/basket/shotreport/internal/report"
	"github.com/basket/shotreport/internal/telemetry"
)

// exportDoc is the JSON document written by the export command.
type exportDoc struct {
	Browsers  []string          `json:"browsers"`
	Rows      int               `json:"rows"`
	Malformed int               `json:"malformed"`
	Suites    report.RenderNode `json:"suites"`
	Copy      string            `json:"copy,omitempty"`
}

func runExportCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	copyTo := fs.String("copy", "", "also write a compacted copy of the database to this path")
	showSkipped := fs.Bool("show-skipped", false, "include skipped results")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: shotreport export [-copy dst] [-show-skipped] <db>")
		return 2
	}
	dbPath := fs.Arg(0)
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "export: %v\n", err)
		return 1
	}

	store, err := persistence.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "export: open store: %v\n", err)
		return 1
	}
	defer store.Close()

	bld, err := builder.New(builder.Config{Store: store, Logger: telemetry.Discard()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "export: %v\n", err)
		return 1
	}
	tree, err := bld.Tree(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "export: read report: %v\n", err)
		return 1
	}
	browsers, err := bld.Browsers(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "export: read browsers: %v\n", err)
		return 1
	}
	if browsers == nil {
		browsers = []string{}
	}

	doc := exportDoc{
		Browsers:  browsers,
		Rows:      tree.Rows,
		Malformed: len(tree.Malformed),
		Suites:    report.Render(tree.Root, report.View{ShowSkipped: *showSkipped}),
	}
	if *copyTo != "" {
		dest, err := store.CopyTo(ctx, *copyTo)
		if err != nil {
			fmt.Fprintf(os.Stderr, "export: %v\n", err)
			return 1
		}
		doc.Copy = dest
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		fmt.Fprintf(os.Stderr, "export: %v\n", err)
		return 1
	}
	return 0
}
