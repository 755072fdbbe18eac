package query

import (
	"errors"
	"fmt"
	"strings"
)

// Placeholder is replaced with a read_parquet source over the resolved partitions.
const Placeholder = "$partitions"

const readParquetTemplate = "read_parquet(%s)"

// ErrNoPartitions is returned when a template needs partitions but none were given.
var ErrNoPartitions = errors.New("query: no partitions to read")

// Quote renders s as a SQL string literal.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// List renders values as a DuckDB list of string literals, e.g. ['a', 'b'].
func List(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = Quote(v)
	}
	return fmt.Sprintf("[%s]", strings.Join(quoted, ", "))
}

// ReadParquet renders a read_parquet table function over paths.
func ReadParquet(paths []string) (string, error) {
	if len(paths) == 0 {
		return "", ErrNoPartitions
	}
	return fmt.Sprintf(readParquetTemplate, List(paths)), nil
}

// HasPlaceholder reports whether template references the partition placeholder.
func HasPlaceholder(template string) bool {
	return strings.Contains(template, Placeholder)
}

// Render substitutes every placeholder in template with a read_parquet source
// over paths. Templates without a placeholder are returned untouched.
func Render(template string, paths []string) (string, error) {
	if !HasPlaceholder(template) {
		return template, nil
	}
	source, err := ReadParquet(paths)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(template, Placeholder, source), nil
}
