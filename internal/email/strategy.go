package email

import "time"

// Criteria is a protocol-neutral search request. Zero fields are not applied.
type Criteria struct {
	Unseen bool
	From   string
	To     string
	Since  time.Time
}

// SearchStrategy describes one search variant. The sender filter is always applied.
type SearchStrategy struct {
	Label          string
	Unseen         bool
	MatchRecipient bool
	Within         time.Duration // 0 means no lower date bound
}

// Strategies lists the search variants from most to least restrictive.
var Strategies = []SearchStrategy{
	{Label: "UNSEEN + FROM + TO", Unseen: true, MatchRecipient: true},
	{Label: "UNSEEN + FROM", Unseen: true},
	{Label: "FROM + TO (last 5 min)", MatchRecipient: true, Within: 5 * time.Minute},
	{Label: "FROM (last hour)", Within: time.Hour},
}

// Criteria builds the search request for this strategy
func (s SearchStrategy) Criteria(sender, recipient string, now time.Time) Criteria {
	c := Criteria{
		Unseen: s.Unseen,
		From:   sender,
	}
	if s.MatchRecipient {
		c.To = recipient
	}
	if s.Within > 0 {
		c.Since = now.Add(-s.Within)
	}
	return c
}
