package copier

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationResult contains the outcome of checking an engine result
// before the cursor advances.
type ValidationResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
}

// Err returns nil when the result passed, otherwise an error joining every
// failed check.
func (r ValidationResult) Err() error {
	if r.Passed {
		return nil
	}
	return errors.New("invalid copy result: " + strings.Join(r.Errors, "; "))
}

// ValidateResult performs consistency checks on a non-empty engine result:
//   - row count is positive
//   - watermark lies inside the partition
//   - row count does not exceed the partition width
//
// A watermark outside the partition means the destination reports ids the
// copy could not have written, and advancing past it would skip or repeat
// rows.
func ValidateResult(part Partition, res CopyResult) ValidationResult {
	result := ValidationResult{Passed: true}

	if res.RowsCopied < 0 {
		result.Errors = append(result.Errors,
			fmt.Sprintf("negative row count %d", res.RowsCopied))
		result.Passed = false
	}

	if res.Watermark < part.Range.Start || res.Watermark > part.Range.End {
		result.Errors = append(result.Errors,
			fmt.Sprintf("watermark %d outside partition %s", res.Watermark, part.Range))
		result.Passed = false
	}

	if width := part.Range.Len(); width > 0 && res.RowsCopied > width {
		result.Errors = append(result.Errors,
			fmt.Sprintf("row count %d exceeds partition width %d", res.RowsCopied, width))
		result.Passed = false
	}

	if res.Watermark == part.Range.End && res.RowsCopied < part.Range.Len() {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("partition %s is sparse: %d rows", part.Range, res.RowsCopied))
	}

	return result
}
