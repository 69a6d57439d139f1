package analytics

// Comparison is a metric over a period next to the preceding period.
type Comparison struct {
	Value         float64 `json:"value"`
	PreviousValue float64 `json:"previous_value"`
	ChangePercent float64 `json:"change_percent"`
	Positive      bool    `json:"positive"`
}

// NewComparison computes the period-over-period change. Growth from zero is
// reported as 100%; zero against zero is a neutral 0%.
func NewComparison(current, previous float64) Comparison {
	c := Comparison{Value: current, PreviousValue: previous}
	switch {
	case previous != 0:
		c.ChangePercent = (current - previous) / previous * 100
		c.Positive = c.ChangePercent > 0
	case current != 0:
		c.ChangePercent = 100
		c.Positive = current > 0
	}
	return c
}
