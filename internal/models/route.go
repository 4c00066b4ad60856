package models

// OptimizeFor selects which metric route scoring inverts.
type OptimizeFor string

const (
	OptimizeTime     OptimizeFor = "time"
	OptimizeDistance OptimizeFor = "distance"
	OptimizeCost     OptimizeFor = "cost"
)

// RoutePreference states what the caller wants minimized.
type RoutePreference struct {
	Optimize OptimizeFor `json:"optimize"`
}

// RouteCandidate is one externally supplied route option. The core never
// constructs these, only scores and ranks them.
type RouteCandidate struct {
	Provider          string  `json:"provider,omitempty"`
	Polyline          string  `json:"polyline,omitempty"`
	TotalDistanceKm   float64 `json:"total_distance_km"`
	TotalDurationMin  float64 `json:"total_duration_min"`
	TollCost          float64 `json:"toll_cost"`
	TrafficDelaySecs  float64 `json:"traffic_delay_seconds"`
	StepCount         int     `json:"step_count"`
}

// RouteSelection is the scored winner plus the scores of every candidate,
// in the order they were considered.
type RouteSelection struct {
	Best   RouteCandidate `json:"best"`
	Score  float64        `json:"score"`
	Scores []float64      `json:"scores"`
}
