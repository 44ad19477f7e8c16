package notify

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
)

// JSONLines writes each event as one JSON document per line. It is the IPC format the
// UI process reads from the launcher's standard output.
type JSONLines struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLines creates a JSON-lines sink writing to w.
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{enc: json.NewEncoder(w)}
}

func (j *JSONLines) Publish(e Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(e); err != nil {
		log.Warnf("failed to write %s event: %v", e.Type, err)
	}
}

// ProgressBar renders events as terminal progress bars, one bar per phase.
type ProgressBar struct {
	mu    sync.Mutex
	w     io.Writer
	bar   *progressbar.ProgressBar
	phase Phase
}

// NewProgressBar creates a terminal renderer writing to w.
func NewProgressBar(w io.Writer) *ProgressBar {
	return &ProgressBar{w: w}
}

func (p *ProgressBar) Publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e.Type {
	case EventStarted:
		fmt.Fprintf(p.w, "installing %s/%d\n", e.Channel, e.Build)
	case EventProgress:
		p.progress(e)
	case EventFinished:
		p.finish()
		fmt.Fprintf(p.w, "installed %s/%d\n", e.Channel, e.Build)
	case EventCancelled:
		p.finish()
		fmt.Fprintln(p.w, "install cancelled")
	case EventError:
		p.finish()
		fmt.Fprintf(p.w, "install failed: %s\n", e.Code)
	}
}

func (p *ProgressBar) progress(e Event) {
	if p.bar == nil || e.Phase != p.phase {
		p.finish()
		p.phase = e.Phase
		p.bar = p.newBar(e)
	}

	percent := Indeterminate
	if e.Percent != nil {
		percent = *e.Percent
	}

	var err error
	switch {
	case e.Phase == PhaseDownload:
		err = p.bar.Set64(e.Current)
	case percent >= 0:
		err = p.bar.Set(percent)
	default:
		err = p.bar.Add(1)
	}
	if err != nil {
		log.Debugf("failed to render progress: %v", err)
	}
}

func (p *ProgressBar) newBar(e Event) *progressbar.ProgressBar {
	opts := []progressbar.Option{
		progressbar.OptionSetWriter(p.w),
		progressbar.OptionSetDescription(string(e.Phase)),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowElapsedTimeOnFinish(),
	}

	switch {
	case e.Phase == PhaseDownload && e.Total > 0:
		opts = append(opts, progressbar.OptionShowBytes(true))
		return progressbar.NewOptions64(e.Total, opts...)
	case e.Phase == PhaseDownload:
		opts = append(opts, progressbar.OptionShowBytes(true), progressbar.OptionSpinnerType(14))
		return progressbar.NewOptions64(-1, opts...)
	case e.Percent != nil && *e.Percent >= 0:
		return progressbar.NewOptions(100, opts...)
	default:
		opts = append(opts, progressbar.OptionSpinnerType(14))
		return progressbar.NewOptions(-1, opts...)
	}
}

func (p *ProgressBar) finish() {
	if p.bar == nil {
		return
	}
	if err := p.bar.Finish(); err != nil {
		log.Debugf("failed to finish progress bar: %v", err)
	}
	fmt.Fprintln(p.w)
	p.bar = nil
	p.phase = ""
}
