package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/iwanhae/partq/internal/engine"
	"github.com/iwanhae/partq/internal/partition"
	"github.com/iwanhae/partq/internal/query"
	"github.com/iwanhae/partq/internal/service"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().
	Timestamp().
	Logger()

var rootCmd = &cobra.Command{
	Use:   "merger --prefix s3://bucket --from YYYY-MM --to YYYY-MM -o out.parquet",
	Short: "Merge the monthly partitions of a range into a single parquet file",
	Args:  cobra.NoArgs,
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringP("output", "o", "", "Output parquet file path (required)")
	rootCmd.Flags().String("prefix", "s3://ursa-labs-taxi-data", "Location prefix of the partitioned dataset")
	rootCmd.Flags().String("filename", partition.DefaultFilename, "File name inside every month directory")
	rootCmd.Flags().String("from", "", "First month to merge (YYYY-MM, required)")
	rootCmd.Flags().String("to", "", "Last month to merge (YYYY-MM, required)")
	rootCmd.Flags().StringSlice("extensions", []string{"httpfs"}, "DuckDB extensions to load")
	rootCmd.Flags().String("s3-region", "", "S3 region of the dataset")
	rootCmd.Flags().Int("max-partitions", service.DefaultMaxPartitions, "Largest number of months to merge at once")
	rootCmd.MarkFlagRequired("output")
	rootCmd.MarkFlagRequired("from")
	rootCmd.MarkFlagRequired("to")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	outputFile, _ := flags.GetString("output")
	prefix, _ := flags.GetString("prefix")
	filename, _ := flags.GetString("filename")
	fromStr, _ := flags.GetString("from")
	toStr, _ := flags.GetString("to")
	extensions, _ := flags.GetStringSlice("extensions")
	region, _ := flags.GetString("s3-region")
	maxPartitions, _ := flags.GetInt("max-partitions")

	from, err := partition.ParseBound(fromStr)
	if err != nil {
		return err
	}
	to, err := partition.ParseBound(toStr)
	if err != nil {
		return err
	}

	inputFiles, err := resolveInputs(partition.Layout{Prefix: prefix, Filename: filename}, from, to, maxPartitions)
	if err != nil {
		return err
	}
	if len(inputFiles) == 0 {
		return fmt.Errorf("range %s..%s contains no months", from, to)
	}

	eng, err := engine.Open(engine.Options{Extensions: extensions, S3Region: region}, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	start := time.Now()
	if err := mergeParquetFiles(cmd.Context(), eng, inputFiles, outputFile); err != nil {
		return fmt.Errorf("error merging parquet files: %w", err)
	}

	logger.Info().
		Int("files", len(inputFiles)).
		Str("output", outputFile).
		Dur("duration", time.Since(start)).
		Msg("merged partitions")
	return nil
}

func resolveInputs(layout partition.Layout, from, to partition.Bound, maxPartitions int) ([]string, error) {
	svc := service.New(nil, service.Options{Layout: layout, MaxPartitions: maxPartitions}, logger)
	return svc.Partitions(from, to)
}

// executor is the slice of the engine the merge needs.
type executor interface {
	ExecuteAll(ctx context.Context, sql string) ([]map[string]any, error)
}

func mergeParquetFiles(ctx context.Context, eng executor, inputFiles []string, outputFile string) error {
	q, err := mergeQuery(inputFiles, outputFile)
	if err != nil {
		return err
	}
	if _, err := eng.ExecuteAll(ctx, q); err != nil {
		return fmt.Errorf("failed to execute merge query: %w", err)
	}
	return nil
}

func mergeQuery(inputFiles []string, outputFile string) (string, error) {
	source, err := query.ReadParquet(inputFiles)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("COPY (FROM %s) TO %s (FORMAT parquet, COMPRESSION zstd);", source, query.Quote(outputFile)), nil
}
