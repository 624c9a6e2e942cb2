package model

// CounterVariant is the set of values a pulse counter task reports.
type CounterVariant string

const (
	CounterDelta          CounterVariant = "delta"
	CounterTotal          CounterVariant = "total"
	CounterDeltaTotal     CounterVariant = "delta_total"
	CounterDeltaTotalTime CounterVariant = "delta_total_time"
)

var CounterVariants = []CounterVariant{CounterDelta, CounterTotal, CounterDeltaTotal, CounterDeltaTotalTime}
