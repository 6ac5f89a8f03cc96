package exchange

// EventType names a push channel.
type EventType string

const (
	EventPrice     EventType = "price"
	EventTrade     EventType = "trade"
	EventOrderBook EventType = "orderbook"
)

// Event is published after a unit of work commits. Publishers must not block.
type Event struct {
	Type         EventType `json:"type"`
	InstrumentID string    `json:"instrument_id"`
	Data         any       `json:"data"`
}

type Publisher interface {
	Publish(Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
