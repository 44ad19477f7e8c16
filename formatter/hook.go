package formatter

import (
	"fmt"
	"path"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

const defaultModulePath = "github.com/skyforge/launcher"

// ContextHook adds the caller location and selected context values to every entry.
type ContextHook struct {
	modulePrefix string
	// contextFields maps an entry field name to the context key its value is read from.
	contextFields map[string]any
}

// NewContextHook returns a hook for the running binary. contextFields maps entry field
// names to context keys.
func NewContextHook(contextFields map[string]any) *ContextHook {
	modulePath := defaultModulePath
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Path != "" {
		modulePath = info.Main.Path
	}
	return newContextHook(modulePath, contextFields)
}

func newContextHook(modulePath string, contextFields map[string]any) *ContextHook {
	return &ContextHook{
		modulePrefix:  modulePath + "/",
		contextFields: contextFields,
	}
}

// Levels set the supported levels for this hook
func (hook *ContextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire extends entry.Data with the caller and the configured context values.
func (hook *ContextHook) Fire(entry *logrus.Entry) error {
	if entry.HasCaller() {
		entry.Data[CallerKey] = fmt.Sprintf("%s:%d", hook.parseSrc(entry.Caller.File), entry.Caller.Line)
	}
	if entry.Context == nil {
		return nil
	}
	for field, key := range hook.contextFields {
		if v := entry.Context.Value(key); v != nil {
			entry.Data[field] = v
		}
	}
	return nil
}

// parseSrc shortens an absolute source path to its path inside the module, or to
// <package dir>/<file> for sources outside of it.
func (hook *ContextHook) parseSrc(filePath string) string {
	parts := strings.SplitAfter(filePath, hook.modulePrefix)
	if len(parts) > 1 {
		return parts[len(parts)-1]
	}

	_, pkg := path.Split(path.Dir(filePath))
	return pkg + "/" + path.Base(filePath)
}
