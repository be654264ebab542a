package analysis

// emaAlpha returns the smoothing constant for a period.
func emaAlpha(period int) float64 {
	return 2.0 / (float64(period) + 1.0)
}

// emaFull recomputes an EMA over the whole series, seeded with the first
// value. Returns 0 when the series is shorter than the period.
func emaFull(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	alpha := emaAlpha(period)
	ema := values[0]
	for _, v := range values[1:] {
		ema += alpha * (v - ema)
	}
	return ema
}

// emaStep advances an EMA by one price in O(1).
func emaStep(prev, price float64, period int) float64 {
	return prev + emaAlpha(period)*(price-prev)
}

// rsiFull recomputes a Wilder RSI over the whole series and returns the
// oscillator value plus the smoothed average gain/loss needed for
// incremental continuation. Returns 0 averages when the series is too short.
func rsiFull(values []float64, period int) (rsi, avgGain, avgLoss float64) {
	if period <= 0 || len(values) < period+1 {
		return 0, 0, 0
	}

	// Seed with the simple average of the first `period` changes.
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	// Wilder smoothing for the remainder.
	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		avgGain, avgLoss = rsiStepAverages(avgGain, avgLoss, change, period)
	}

	return rsiValue(avgGain, avgLoss), avgGain, avgLoss
}

// rsiStepAverages advances the Wilder-smoothed averages by one price change.
func rsiStepAverages(avgGain, avgLoss, change float64, period int) (float64, float64) {
	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}
	n := float64(period)
	return (avgGain*(n-1) + gain) / n, (avgLoss*(n-1) + loss) / n
}

// rsiValue maps the gain/loss ratio onto [0,100].
func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// momentum is the displacement between the current price and the price
// `steps` ticks back. Returns 0 when the series is too short.
func momentum(values []float64, steps int) float64 {
	if steps <= 0 || len(values) <= steps {
		return 0
	}
	return values[len(values)-1] - values[len(values)-1-steps]
}
