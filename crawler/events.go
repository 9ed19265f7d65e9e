package crawler

import (
	"landwatch/models"
)

// Event is one message on the worker→consumer channel. Consumers
// type-switch on the concrete payloads below; the worker never blocks on
// a slow consumer for progress-class events.
type Event interface {
	isEvent()
}

// LogEvent mirrors a worker log line to the consumer.
type LogEvent struct {
	Message  string
	Severity string // "info", "warn", "error"
}

// ProgressEvent reports overall run progress.
type ProgressEvent struct {
	Percent    float64
	Label      string
	ETASeconds int
}

// ItemsBatchEvent carries the enriched listings of one finished cell.
type ItemsBatchEvent struct {
	Items []models.ListingRecord
}

// StatsEvent carries a snapshot of the running counters.
type StatsEvent struct {
	Stats models.CrawlStats
}

// ComplexFinishedEvent signals one target fully processed.
type ComplexFinishedEvent struct {
	Name          string
	ComplexID     string
	TradeTypesCSV string
	Count         int
}

// AlertTriggeredEvent signals one alert rule match.
type AlertTriggeredEvent struct {
	ComplexName string
	TradeType   models.TradeType
	PriceText   string
	AreaM2      float64
	RuleID      int64
}

// ErrorEvent is the single terminal failure signal of an aborted run.
type ErrorEvent struct {
	Message string
}

// FinishedEvent closes a run with its full result set.
type FinishedEvent struct {
	Items []models.ListingRecord
}

func (LogEvent) isEvent()             {}
func (ProgressEvent) isEvent()        {}
func (ItemsBatchEvent) isEvent()      {}
func (StatsEvent) isEvent()           {}
func (ComplexFinishedEvent) isEvent() {}
func (AlertTriggeredEvent) isEvent()  {}
func (ErrorEvent) isEvent()           {}
func (FinishedEvent) isEvent()        {}
