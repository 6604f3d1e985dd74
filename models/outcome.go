package models

import (
	"time"
)

// FetchOutcome is the per-symbol result emitted by a fetch worker.
type FetchOutcome struct {
	Symbol   string
	Category Category
	Stats    map[Granularity]GranularityStats
	Path     string
	Err      *FetchError
	Duration time.Duration
}

// OK reports whether the fetch succeeded.
func (o FetchOutcome) OK() bool { return o.Err == nil }

// TotalRows sums rows over every granularity.
func (o FetchOutcome) TotalRows() int {
	total := 0
	for _, s := range o.Stats {
		total += s.Rows
	}
	return total
}

// BrokerStatus is the terminal state of one broker's processing.
type BrokerStatus string

const (
	BrokerCompleted BrokerStatus = "completed"
	BrokerAborted   BrokerStatus = "aborted"
	BrokerSkipped   BrokerStatus = "skipped"
)

// BrokerResult aggregates the outcomes of one broker.
type BrokerResult struct {
	Broker    string
	Status    BrokerStatus
	Symbols   int
	Outcomes  []FetchOutcome
	Files     int
	Failed    int
	Abandoned int
	Err       error
}

// Record folds an outcome into the aggregate.
func (r *BrokerResult) Record(o FetchOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	if o.OK() {
		r.Files++
		return
	}
	r.Failed++
}
