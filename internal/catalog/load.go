package catalog

import (
	_ "embed"
	"fmt"
	"log/slog"
	"time"
)

//go:embed sample_catalog.json
var sampleCatalog []byte

// SampleSource is the Dataset.Source of the embedded sample catalog.
const SampleSource = "sample"

// Load parses a raw catalog document and builds a dataset from it. A
// document without any valid record is an error, so a bad fetch never
// replaces a good dataset.
func Load(data []byte, source string, fetchedAt time.Time, opts ParseOptions, logger *slog.Logger) (*Dataset, error) {
	parsed, err := Parse(data, opts, logger)
	if err != nil {
		return nil, err
	}
	if len(parsed.Records) == 0 {
		return nil, fmt.Errorf("catalog from %s has no valid records (%d skipped)", source, parsed.Skipped)
	}

	ds := NewDataset(source, fetchedAt, parsed.Epoch, parsed.Records)
	logger.Info("catalog loaded",
		"source", source,
		"format", parsed.Format,
		"count", ds.Len(),
		"skipped", parsed.Skipped,
		"epoch", ds.Epoch.UTC().Format(time.RFC3339),
	)
	return ds, nil
}

// Sample returns the embedded three-object demonstration catalog. Its
// angles are authored in degrees. Elapsed time is measured from epoch.
func Sample(epoch time.Time, logger *slog.Logger) (*Dataset, error) {
	return Load(sampleCatalog, SampleSource, epoch, ParseOptions{}, logger)
}

// SampleData returns a copy of the embedded sample catalog document.
func SampleData() []byte {
	return append([]byte(nil), sampleCatalog...)
}
