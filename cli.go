package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/iwanhae/partq/internal/partition"
	"github.com/iwanhae/partq/internal/service"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	queryCmd = &cobra.Command{
		Use:   "query [flags] SQL...",
		Short: "Run one or more queries once and print the results",
		Long: `Run one or more queries once and print the results.

With --from and --to, every $partitions in a query is replaced by a
read_parquet source over the monthly partitions of that range.`,
		Example: `  partq query --from 2019-01 --to 2019-06 "SELECT vendor_id, count(*) FROM $partitions GROUP BY 1"`,
		Args:    cobra.MinimumNArgs(1),
		RunE:    runQuery,
	}

	partitionsCmd = &cobra.Command{
		Use:   "partitions",
		Short: "Print the partition paths for a month range",
		RunE:  runPartitions,
	}
)

func init() {
	for _, c := range []*cobra.Command{queryCmd, partitionsCmd} {
		c.Flags().String("from", "", "First month of the range (YYYY-MM)")
		c.Flags().String("to", "", "Last month of the range (YYYY-MM)")
	}
	queryCmd.Flags().StringP("output", "o", "table", "Output format [table, json]")
	partitionsCmd.MarkFlagRequired("from")
	partitionsCmd.MarkFlagRequired("to")
}

// rangeFlags parses --from/--to. Both empty means no range.
func rangeFlags(cmd *cobra.Command) (*partition.Bound, *partition.Bound, error) {
	fromStr, _ := cmd.Flags().GetString("from")
	toStr, _ := cmd.Flags().GetString("to")
	if fromStr == "" && toStr == "" {
		return nil, nil, nil
	}
	if fromStr == "" || toStr == "" {
		return nil, nil, fmt.Errorf("--from and --to must be given together")
	}
	from, err := partition.ParseBound(fromStr)
	if err != nil {
		return nil, nil, err
	}
	to, err := partition.ParseBound(toStr)
	if err != nil {
		return nil, nil, err
	}
	return &from, &to, nil
}

func runPartitions(cmd *cobra.Command, args []string) error {
	from, to, err := rangeFlags(cmd)
	if err != nil {
		return err
	}
	if from == nil {
		return fmt.Errorf("--from and --to must not be empty")
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	paths, err := service.New(nil, cfg.ServiceOptions(), logger).Partitions(*from, *to)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	if output != "table" && output != "json" {
		return fmt.Errorf("unsupported output format %q", output)
	}

	from, to, err := rangeFlags(cmd)
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer a.Close()

	resp, err := a.service.Handle(cmd.Context(), service.Request{Queries: args, From: from, To: to})
	if resp == nil {
		return err
	}

	out := cmd.OutOrStdout()
	if output == "json" {
		if werr := writeJSONResponse(out, resp); werr != nil {
			return werr
		}
	} else {
		if werr := writeTableResponse(out, resp); werr != nil {
			return werr
		}
	}
	return err
}

type cliResult struct {
	Query      string           `json:"query"`
	DurationMs int64            `json:"duration_ms"`
	Rows       []map[string]any `json:"rows,omitempty"`
	Error      string           `json:"error,omitempty"`
}

func writeJSONResponse(w io.Writer, resp *service.Response) error {
	results := make([]cliResult, len(resp.Results))
	for i, r := range resp.Results {
		results[i] = cliResult{Query: r.Query, DurationMs: r.Duration.Milliseconds(), Rows: r.Rows}
		if r.Err != nil {
			results[i].Error = r.Err.Error()
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func writeTableResponse(w io.Writer, resp *service.Response) error {
	if len(resp.Partitions) > 0 {
		fmt.Fprintf(w, "-- %d partitions: %s .. %s\n", len(resp.Partitions), resp.Partitions[0], resp.Partitions[len(resp.Partitions)-1])
	}

	for _, r := range resp.Results {
		fmt.Fprintf(w, "-- query %d (%v)\n", r.Index, r.Duration.Round(time.Millisecond))
		if r.Err != nil {
			fmt.Fprintf(w, "error: %v\n\n", r.Err)
			continue
		}

		headers := columns(r.Rows)
		table := tablewriter.NewWriter(w)
		table.Header(toAny(headers)...)
		for _, row := range r.Rows {
			values := make([]string, len(headers))
			for i, h := range headers {
				values[i] = fmt.Sprint(row[h])
			}
			if err := table.Append(values); err != nil {
				return err
			}
		}
		if err := table.Render(); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s rows\n\n", humanize.Comma(int64(len(r.Rows))))
	}
	return nil
}

// columns returns the sorted union of keys across rows.
func columns(rows []map[string]any) []string {
	seen := map[string]struct{}{}
	var cols []string
	for _, row := range rows {
		for k := range row {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

func toAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
