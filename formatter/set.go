package formatter

import "github.com/sirupsen/logrus"

// SetTextFormatter sets the text formatter and the context hook on logger, replacing
// previously added hooks.
func SetTextFormatter(logger *logrus.Logger, contextFields map[string]any) {
	logger.SetFormatter(NewTextFormatter())
	logger.SetReportCaller(true)

	hooks := make(logrus.LevelHooks)
	hooks.Add(NewContextHook(contextFields))
	logger.ReplaceHooks(hooks)
}
