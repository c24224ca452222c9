package topics

const (
	// Kafka
	Quotes        = "md.quotes"
	Subscriptions = "md.subscriptions"

	// Redis Pub/Sub
	QuotesBroadcast = "md.quotes.broadcast"
)
