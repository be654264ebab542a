package analysis

import "testing"

func TestLastDigit(t *testing.T) {
	tests := []struct {
		price    float64
		decimals int
		want     int
	}{
		{1234.56, 2, 6},
		{1234.50, 2, 0},
		{987.654, 3, 4},
		{100.0, 2, 0},
		{0.39, 2, 9},
	}
	for _, tt := range tests {
		if got := LastDigit(tt.price, tt.decimals); got != tt.want {
			t.Fatalf("LastDigit(%v, %d) = %d, want %d", tt.price, tt.decimals, got, tt.want)
		}
	}
}

func TestDigitBufferEvictsOldest(t *testing.T) {
	b := NewDigitBuffer(3)
	for d := 0; d < 5; d++ {
		b.Push(d)
	}
	got := b.Snapshot()
	if len(got) != 3 || got[0] != 2 || got[2] != 4 {
		t.Fatalf("snapshot = %v, want [2 3 4]", got)
	}
}

func repeat(d, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = d
	}
	return out
}

func TestConfirmDigits(t *testing.T) {
	tests := []struct {
		name   string
		digits []int
		dir    Direction
		want   bool
	}{
		{
			name:   "rejects partial window",
			digits: repeat(9, 19),
			dir:    DirectionUp,
			want:   false,
		},
		{
			name:   "unanimous high digits confirm up",
			digits: repeat(9, 20),
			dir:    DirectionUp,
			want:   true,
		},
		{
			name:   "unanimous low digits confirm down",
			digits: repeat(1, 20),
			dir:    DirectionDown,
			want:   true,
		},
		{
			name: "exactly 60% agreement is not enough",
			// 12 favorable of 20 = 0.60, the gate demands strictly more. The
			// opposing digits are interleaved so no run can veto first.
			digits: []int{9, 1, 9, 1, 9, 1, 9, 1, 9, 1, 9, 1, 9, 1, 9, 1, 9, 9, 9, 9},
			dir:    DirectionUp,
			want:   false,
		},
		{
			name: "65% agreement without long oppose run confirms",
			// 13 favorable, opposing digits interleaved in runs of at most 2.
			digits: []int{9, 9, 1, 9, 9, 1, 9, 9, 1, 9, 9, 1, 9, 9, 1, 9, 9, 1, 9, 1},
			dir:    DirectionUp,
			want:   true,
		},
		{
			name: "oppose run of four vetoes",
			// 16 favorable (80%) but one run of 4 contradicting digits.
			digits: append(repeat(9, 16), 1, 1, 1, 1),
			dir:    DirectionUp,
			want:   false,
		},
		{
			name:   "no verdict direction rejects",
			digits: repeat(9, 20),
			dir:    DirectionNone,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConfirmDigits(tt.digits, tt.dir); got != tt.want {
				t.Fatalf("ConfirmDigits(%s) = %v, want %v", tt.dir, got, tt.want)
			}
		})
	}
}
