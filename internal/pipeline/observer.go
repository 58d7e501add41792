package pipeline

import (
	"log/slog"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
	"github.com/hochfrequenz/duo-orchestrator/internal/machine"
	"github.com/hochfrequenz/duo-orchestrator/internal/runindex"
)

type multiObserver []machine.Observer

func (o multiObserver) Transition(st *domain.RunState, from, to domain.State) {
	for _, obs := range o {
		obs.Transition(st, from, to)
	}
}

func (o multiObserver) Invocation(st *domain.RunState, rec domain.InvocationRecord) {
	for _, obs := range o {
		obs.Invocation(st, rec)
	}
}

func (o multiObserver) Committed(st *domain.RunState) {
	for _, obs := range o {
		obs.Committed(st)
	}
}

// indexObserver mirrors every commit into the run index. The index is not
// authoritative, so failures are only logged.
type indexObserver struct {
	machine.NopObserver
	index *runindex.Index
	log   *slog.Logger
}

func (o *indexObserver) Committed(st *domain.RunState) {
	if o.index == nil {
		return
	}
	if err := o.index.Record(st); err != nil {
		o.log.Warn("updating run index failed", "error", err)
	}
}
