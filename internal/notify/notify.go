package notify

const (
	TopicTrades               = "trades"
	TopicTradesChart          = "trades_chart"
	TopicOrders               = "orders"
	TopicPosition             = "position"
	TopicSafety               = "safety"
	TopicTargetBasePosition   = "target_base_position"
	TopicExchangeConnectivity = "exchange_connectivity"
	TopicQuotingState         = "quoting_state"
	TopicLevels               = "levels"
)

// Notifier delivers push updates to the UI side. Implementations must not
// block the caller for long; engine components call it outside their locks.
type Notifier interface {
	Notify(topic string, payload any)
}

type Fanout []Notifier

func (f Fanout) Notify(topic string, payload any) {
	for _, n := range f {
		n.Notify(topic, payload)
	}
}

type Nop struct{}

func (Nop) Notify(string, any) {}
