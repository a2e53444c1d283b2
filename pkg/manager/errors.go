package manager

import (
	"fmt"
	"strings"

	"github.com/mdalboni/reportportal-manager/pkg/logging"
)

// FormatTraceback renders err for a failed-step log. Errors created with
// github.com/pkg/errors carry their stack frames, which are included.
func FormatTraceback(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimRight(fmt.Sprintf("%+v", err), "\n") + "\n"
}

// LogErrorHandler reports errors on logger and lets the run continue
func LogErrorHandler(logger *logging.Logger) ErrorHandler {
	return func(err error) {
		logger.Error(fmt.Sprintf("Error occurred: %v", err))
		logger.Debug(FormatTraceback(err))
	}
}
