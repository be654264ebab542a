package analysis

import "math"

// Digit statistics over the trailing window confirm or veto an indicator
// verdict. Digits >= 5 agree with "up", digits < 5 agree with "down".
const (
	digitWindow        = 20
	digitAgreeFraction = 0.60 // strict: fraction must exceed this
	digitMaxOpposeRun  = 4    // a run this long vetoes the signal
)

// LastDigit extracts the final significant digit of a quote at the given
// decimal precision (e.g. 2 for a two-decimal instrument).
func LastDigit(price float64, decimals int) int {
	scaled := price * math.Pow10(decimals)
	d := int(math.Round(scaled)) % 10
	if d < 0 {
		d = -d
	}
	return d
}

// DigitBuffer is a bounded ring of recently observed last digits.
type DigitBuffer struct {
	digits []int
	cap    int
}

// NewDigitBuffer creates a buffer holding up to capacity digits.
func NewDigitBuffer(capacity int) *DigitBuffer {
	if capacity <= 0 {
		capacity = digitWindow
	}
	return &DigitBuffer{cap: capacity}
}

// Push appends a digit, evicting the oldest at capacity.
func (b *DigitBuffer) Push(d int) {
	b.digits = append(b.digits, d)
	if len(b.digits) > b.cap {
		b.digits = b.digits[len(b.digits)-b.cap:]
	}
}

// Snapshot returns a copy of the buffered digits, oldest first.
func (b *DigitBuffer) Snapshot() []int {
	out := make([]int, len(b.digits))
	copy(out, b.digits)
	return out
}

// Len returns the number of buffered digits.
func (b *DigitBuffer) Len() int {
	return len(b.digits)
}

// ConfirmDigits checks the trailing digits against a candidate direction.
// Both gates must hold: strictly more than 60% of the window agrees, and no
// run of 4+ consecutive digits contradicts. It rejects when fewer than a full
// window of digits has been observed.
func ConfirmDigits(digits []int, dir Direction) bool {
	if dir != DirectionUp && dir != DirectionDown {
		return false
	}
	if len(digits) < digitWindow {
		return false
	}

	window := digits[len(digits)-digitWindow:]
	agree := 0
	opposeRun := 0
	maxOpposeRun := 0
	for _, d := range window {
		favorable := d >= 5
		if dir == DirectionDown {
			favorable = d < 5
		}
		if favorable {
			agree++
			opposeRun = 0
		} else {
			opposeRun++
			if opposeRun > maxOpposeRun {
				maxOpposeRun = opposeRun
			}
		}
	}

	if float64(agree)/float64(digitWindow) <= digitAgreeFraction {
		return false
	}
	if maxOpposeRun >= digitMaxOpposeRun {
		return false
	}
	return true
}
