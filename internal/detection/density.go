package detection

// Density is a traffic density level.
type Density string

const (
	Low      Density = "low"
	Medium   Density = "medium"
	High     Density = "high"
	Critical Density = "critical"
)

// Analysis is the classification of one measurement.
type Analysis struct {
	Score                float64 `json:"score"`
	Density              Density `json:"density"`
	RecommendedGreenTime int     `json:"recommended_green_time"`
	Urgency              int     `json:"urgency"`
}

// Analyze scores a road from its vehicle count, queue length and average
// speed in km/h and maps the score to a density level. Slow traffic raises
// the score; speeds above 50 km/h lower it.
func Analyze(vehicleCount, queueLength int, averageSpeed float64) Analysis {
	score := float64(vehicleCount*2) + float64(queueLength*3) + (50-averageSpeed)/10

	a := Analysis{Score: score}
	switch {
	case score >= 40:
		a.Density, a.RecommendedGreenTime, a.Urgency = Critical, 45, 95
	case score >= 25:
		a.Density, a.RecommendedGreenTime, a.Urgency = High, 35, 75
	case score >= 10:
		a.Density, a.RecommendedGreenTime, a.Urgency = Medium, 25, 50
	default:
		a.Density, a.RecommendedGreenTime, a.Urgency = Low, 15, 20
	}
	return a
}
