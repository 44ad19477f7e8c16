package installer

import (
	"github.com/skyforge/launcher/launcher/internal/catalog"
	"github.com/skyforge/launcher/launcher/internal/notify"
)

// reporter publishes the events of one job. Percent values of a phase never go back.
type reporter struct {
	sink  notify.Sink
	key   catalog.Key
	v     catalog.Version
	phase notify.Phase
	last  int
}

func newReporter(sink notify.Sink, key catalog.Key, v catalog.Version) *reporter {
	return &reporter{sink: sink, key: key, v: v, last: notify.Indeterminate}
}

func (r *reporter) event(t notify.EventType) notify.Event {
	return notify.Event{Type: t, Key: r.key, Channel: r.v.Channel, Build: r.v.BuildIndex}
}

func (r *reporter) started() {
	r.sink.Publish(r.event(notify.EventStarted))
}

// enterPhase announces a new phase even when it will report nothing else.
func (r *reporter) enterPhase(p notify.Phase, percent int) {
	r.phase = p
	r.last = notify.Indeterminate
	r.progress(notify.Progress{Phase: p, Percent: percent})
}

func (r *reporter) progress(p notify.Progress) {
	if p.Phase == "" {
		p.Phase = r.phase
	}
	if p.Percent != notify.Indeterminate {
		p.Percent = max(p.Percent, r.last)
		r.last = p.Percent
	}

	e := r.event(notify.EventProgress)
	e.Phase = p.Phase
	percent := p.Percent
	e.Percent = &percent
	e.Current = p.Current
	e.Total = p.Total
	r.sink.Publish(e)
}

func (r *reporter) finished(v catalog.Version) {
	e := r.event(notify.EventFinished)
	e.Version = &v
	r.sink.Publish(e)
}

func (r *reporter) cancelled() {
	r.sink.Publish(r.event(notify.EventCancelled))
}

func (r *reporter) failed(code notify.Code) {
	e := r.event(notify.EventError)
	e.Code = code
	r.sink.Publish(e)
}
