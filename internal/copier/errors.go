package copier

import (
	"context"
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-bulk-copier/internal/partition"
)

var (
	// ErrConfiguration marks errors detected before any partition runs.
	ErrConfiguration = errors.New("configuration error")

	// ErrConnectivity marks errors reaching the source or destination.
	ErrConnectivity = errors.New("connectivity error")

	// ErrEngine marks failures while copying a partition.
	ErrEngine = errors.New("engine failure")
)

// OverlapError is returned when the requested range intersects ids the
// destination already holds.
type OverlapError struct {
	Existing  partition.Extent
	Requested partition.Range
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("%v: requested range %d-%d overlaps destination ids %d-%d",
		ErrConfiguration, e.Requested.Start, e.Requested.End, e.Existing.Min, e.Existing.Max)
}

func (e *OverlapError) Is(target error) bool {
	return target == ErrConfiguration || target == partition.ErrOverlappingRange
}

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.err}
}

func classify(kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConfiguration) || errors.Is(err, ErrConnectivity) || errors.Is(err, ErrEngine) {
		return err
	}
	return &kindError{kind: kind, err: err}
}

// Configuration marks err as a configuration error.
func Configuration(err error) error {
	return classify(ErrConfiguration, err)
}

// Connectivity marks err as a connectivity error unless it is already
// classified.
func Connectivity(err error) error {
	return classify(ErrConnectivity, err)
}

// EngineFailure marks err as an engine failure unless it is already
// classified. Cancellation is left as is.
func EngineFailure(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return classify(ErrEngine, err)
}

// Kind returns a short label for err, used for metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrConnectivity):
		return "connectivity"
	case errors.Is(err, ErrEngine):
		return "engine"
	default:
		return "unknown"
	}
}
