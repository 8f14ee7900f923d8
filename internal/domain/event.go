package domain

// Signal bus channels.
const (
	ChannelPositions = "positions" // position row change events
	ChannelEvents    = "events"    // engine/workflow notifications
)

// ChangeEventType mirrors the row-change notification types emitted on the
// positions channel.
type ChangeEventType string

const (
	ChangeInsert ChangeEventType = "INSERT"
	ChangeUpdate ChangeEventType = "UPDATE"
	ChangeDelete ChangeEventType = "DELETE"
)

// PositionChange is a row-change notification for the position table. New
// carries the post-change row for INSERT/UPDATE and the deleted row for
// DELETE.
type PositionChange struct {
	EventType ChangeEventType `json:"eventType"`
	New       *Position       `json:"new,omitempty"`
}

// Notification event names published on ChannelEvents and sent to operators.
const (
	EventPositionClosed    = "position_closed"
	EventCloseInconsistent = "close_inconsistent"
	EventNearLiquidation   = "near_liquidation"
	EventMissingProtection = "missing_protection"
	EventEntryPriceDrift   = "entry_price_corrected"
)
