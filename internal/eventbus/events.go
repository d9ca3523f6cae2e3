package eventbus

// Event types published by the feed pipeline.
const (
	FeedFetched  = "feed.fetched"  // Data: FetchData
	FeedAdmitted = "feed.admitted" // Data: int (items admitted)
	FeedPruned   = "feed.pruned"   // Data: int (entries evicted)
	FeedSkipped  = "feed.skipped"  // Data: string (reason)

	DispatchItem     = "dispatch.item"     // Data: ItemData
	DispatchSent     = "dispatch.sent"     // Data: SendData
	DispatchFailed   = "dispatch.failed"   // Data: SendData
	DispatchFallback = "dispatch.fallback" // Data: SendData

	SubscriberAdded = "subscribers.added" // Data: int64 (id)
)

type FetchData struct {
	Items    int
	Duration float64 // seconds
	OK       bool
}

type ItemData struct {
	Cycle string
	ID    string
}

type SendData struct {
	Cycle  string
	ID     string
	ChatID int64
	Err    string
}
