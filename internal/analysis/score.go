package analysis

import "math"

// Direction is the engine's verdict for the next contract.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionNone Direction = "none"
)

// minViableScore is the floor a direction's score must clear before the
// engine issues any verdict at all.
const minViableScore = 30.0

// Sub-score weights; they sum to 100.
const (
	weightMA       = 40.0
	weightOsc      = 30.0
	weightMomentum = 30.0
)

// scoreDirections produces independent 0-100 scores for up and down. The
// graded design lets callers apply different confidence floors (entry vs
// recovery escalation) to the same continuous value.
func scoreDirections(emaFast, emaMedium, emaSlow, osc, mom, lastPrice float64) (up, down float64) {
	up = maScore(emaFast, emaMedium, emaSlow, lastPrice, true) +
		oscScore(osc, true) +
		momentumScore(mom, lastPrice, true)
	down = maScore(emaFast, emaMedium, emaSlow, lastPrice, false) +
		oscScore(osc, false) +
		momentumScore(mom, lastPrice, false)
	return clamp(up, 0, 100), clamp(down, 0, 100)
}

// maScore grades moving-average ordering (10 points per favorable pair) plus
// a spread bonus that saturates at 10 basis points of the last price.
func maScore(fast, medium, slow, lastPrice float64, upward bool) float64 {
	if fast == 0 || medium == 0 || slow == 0 {
		return 0
	}

	ordered := 0.0
	pairs := [][2]float64{{fast, medium}, {medium, slow}, {fast, slow}}
	for _, p := range pairs {
		if upward && p[0] > p[1] {
			ordered += 10
		}
		if !upward && p[0] < p[1] {
			ordered += 10
		}
	}
	if ordered == 0 {
		return 0
	}

	spread := math.Abs(fast-slow) / lastPrice
	bonus := 10 * clamp(spread/0.001, 0, 1)
	return clamp(ordered+bonus, 0, weightMA)
}

// oscScore grades the oscillator band favorable to the candidate direction.
// The overstretched tail (beyond 80/20) earns a reduced score since reversals
// cluster there.
func oscScore(osc float64, upward bool) float64 {
	v := osc
	if !upward {
		v = 100 - osc
	}
	switch {
	case v <= 50:
		return 0
	case v <= 80:
		return weightOsc * (v - 50) / 30
	default:
		return 12
	}
}

// momentumScore grades displacement sign and magnitude, saturating at 10
// basis points of the last price.
func momentumScore(mom, lastPrice float64, upward bool) float64 {
	if lastPrice == 0 {
		return 0
	}
	rel := mom / lastPrice
	if upward && rel <= 0 {
		return 0
	}
	if !upward && rel >= 0 {
		return 0
	}
	return weightMomentum * clamp(math.Abs(rel)/0.001, 0, 1)
}

// verdict picks the higher-scoring direction when it clears the viability
// floor and strictly beats the other side.
func verdict(up, down float64) (Direction, float64) {
	switch {
	case up >= minViableScore && up > down:
		return DirectionUp, up
	case down >= minViableScore && down > up:
		return DirectionDown, down
	default:
		return DirectionNone, 0
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
