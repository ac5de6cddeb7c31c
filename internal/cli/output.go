package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/pddg/liveupdate/internal/bundle"
)

func render(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "text":
		if records, ok := v.([]bundle.Record); ok {
			return printRecords(w, records)
		}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func printRecords(w io.Writer, records []bundle.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BUNDLE ID\tVERSION\tSTATUS\tSIZE\tDOWNLOADED")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			rec.BundleID,
			rec.Version,
			rec.Status,
			humanize.Bytes(uint64(max(rec.SizeBytes, 0))),
			humanize.Time(rec.DownloadedAt),
		)
	}
	return tw.Flush()
}
