package patcher

import (
	"bufio"
	"encoding/json"
	"io"
	"iter"
	"math"

	log "github.com/sirupsen/logrus"
)

const maxRecordLine = 1024 * 1024

// Record is one normalized progress record of the patch tool.
type Record struct {
	Percent int
	Stage   string
}

// wireRecord holds every key the tool has used for progress over time.
type wireRecord struct {
	Percent    *float64 `json:"percent"`
	Percentage *float64 `json:"percentage"`
	Progress   *float64 `json:"progress"`
	Fraction   *float64 `json:"fraction"`
	Stage      string   `json:"stage"`
}

// Records yields the progress records found in r, one JSON object per line. Lines that
// are not JSON or carry no progress value are skipped. The sequence ends at EOF or at
// the first read error and can be consumed once.
func Records(r io.Reader) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxRecordLine)
		for scanner.Scan() {
			rec, ok := parseRecord(scanner.Bytes())
			if !ok {
				continue
			}
			if !yield(rec) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Debugf("stop reading patch tool output: %v", err)
		}
	}
}

// parseRecord reads the progress value by key. percent and percentage always hold a
// 0..100 value, so {"percent": 0.42} is 0%. progress and fraction hold a 0..1 fraction,
// or a percentage when above 1.
func parseRecord(line []byte) (Record, bool) {
	var w wireRecord
	if err := json.Unmarshal(line, &w); err != nil {
		return Record{}, false
	}

	var percent float64
	switch {
	case w.Percent != nil:
		percent = *w.Percent
	case w.Percentage != nil:
		percent = *w.Percentage
	case w.Progress != nil:
		percent = fromFraction(*w.Progress)
	case w.Fraction != nil:
		percent = fromFraction(*w.Fraction)
	default:
		return Record{}, false
	}

	if math.IsNaN(percent) {
		return Record{}, false
	}
	return Record{Percent: clampPercent(percent), Stage: w.Stage}, true
}

// fromFraction reads v as a 0..1 fraction, or as a percentage when it is above 1.
func fromFraction(v float64) float64 {
	if v <= 1 {
		return v * 100
	}
	return v
}

func clampPercent(v float64) int {
	return int(math.Round(math.Min(100, math.Max(0, v))))
}
