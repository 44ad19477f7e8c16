package errors

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// formatError keeps aggregated errors on one line so they fit a single log entry or
// event field.
func formatError(es []error) string {
	if len(es) == 1 {
		return es[0].Error()
	}

	msgs := make([]string, len(es))
	for i, err := range es {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d errors: %s", len(es), strings.Join(msgs, "; "))
}

// FormatErrorOrNil returns nil when no error was collected, otherwise the aggregated
// error rendered on a single line.
func FormatErrorOrNil(err *multierror.Error) error {
	if err != nil {
		err.ErrorFormat = formatError
	}
	return err.ErrorOrNil()
}
