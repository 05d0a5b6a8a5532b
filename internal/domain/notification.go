package domain

import "time"

// Notification contains one outbound chat message.
// Params: destination transport/channel, rule context, and rendered text.
// Returns: one send request for notifier layer.
type Notification struct {
	Transport string    `json:"transport"`
	Channel   string    `json:"channel"`
	RuleName  string    `json:"rule_name,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Outcome is the result of one trigger handling.
type Outcome string

const (
	// OutcomeDelivered means at least one notify action succeeded.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeFailed means every notify action failed and the reservation was rolled back.
	OutcomeFailed Outcome = "failed"
	// OutcomeRateLimited means rate budget had no free slot.
	OutcomeRateLimited Outcome = "rate_limited"
	// OutcomeMuted means mute flag was set at reservation time.
	OutcomeMuted Outcome = "muted"
	// OutcomeError means state backend failed during reservation.
	OutcomeError Outcome = "error"
)

// DispatchRecord is one audit row for trigger handling.
// Params: trigger time, rule identity, window count, outcome, and per-action stats.
// Returns: audit payload for history storage.
type DispatchRecord struct {
	At            time.Time `json:"at"`
	RuleName      string    `json:"rule_name"`
	SourceChannel string    `json:"source_channel"`
	Count         int       `json:"count"`
	Outcome       Outcome   `json:"outcome"`
	Delivered     int       `json:"delivered"`
	Failed        int       `json:"failed"`
	Errors        []string  `json:"errors,omitempty"`
}
