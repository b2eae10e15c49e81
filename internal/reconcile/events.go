package reconcile

import "time"

type EventType string

const (
	EventExit             EventType = "exit"
	EventCorrection       EventType = "correction"
	EventCorrectionFailed EventType = "correction_failed"
	EventHalt             EventType = "halt"
	EventResume           EventType = "resume"
	EventRebalance        EventType = "rebalance"
	EventDCA              EventType = "dca"
)

// Event is something the loop did that an operator may want to see.
type Event struct {
	Type     EventType `json:"type"`
	Instance string    `json:"instance"`
	Time     time.Time `json:"time"`
	Pair     string    `json:"pair,omitempty"`
	TradeID  int64     `json:"tradeId,omitempty"`
	Message  string    `json:"message"`
	Data     any       `json:"data,omitempty"`
}

// Sink receives events. Publish must not block.
type Sink interface {
	Publish(Event)
}

type discard struct{}

func (discard) Publish(Event) {}
