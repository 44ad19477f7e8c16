package formatter

import (
	"bytes"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
)

// CallerKey is the entry field holding the file:line the entry was logged from.
const CallerKey = "caller"

var levelTags = []string{"PANC", "FATL", "ERRO", "WARN", "INFO", "DEBG", "TRAC"}

// TextFormatter renders an entry as "<time> <LEVL> [k: v, ...] <caller>: <message>".
// Fields are sorted by key.
type TextFormatter struct {
	TimestampFormat string
}

// NewTextFormatter returns a TextFormatter with millisecond timestamps.
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"}
}

// Format renders a single log entry
func (f *TextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(entry.Time.Format(f.timestampFormat()))
	b.WriteByte(' ')
	b.WriteString(levelTag(entry.Level))
	b.WriteByte(' ')

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != CallerKey {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		slices.Sort(keys)
		b.WriteByte('[')
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: %v", k, entry.Data[k])
		}
		b.WriteString("] ")
	}

	if caller, ok := entry.Data[CallerKey]; ok {
		fmt.Fprintf(&b, "%v: ", caller)
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func (f *TextFormatter) timestampFormat() string {
	if f.TimestampFormat == "" {
		return time.RFC3339
	}
	return f.TimestampFormat
}

func levelTag(level logrus.Level) string {
	if int(level) >= len(levelTags) {
		return "UNKN"
	}
	return levelTags[level]
}
