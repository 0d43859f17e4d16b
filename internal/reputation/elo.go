package reputation

import "math"

// Rating constants.
const (
	StartRating = 1200
	RatingFloor = 100
)

// ExpectedScore is the standard ELO expectation of a beating b.
func ExpectedScore(a, b int) float64 {
	return 1.0 / (1.0 + math.Pow(10, float64(b-a)/400.0))
}

// BaseK returns the K-factor band for a completed-transaction count.
func BaseK(transactions int) float64 {
	switch {
	case transactions >= 100:
		return 16
	case transactions >= 30:
		return 24
	default:
		return 32
	}
}

// EffectiveK scales the base K by the proposal's monetary amount:
// K × clamp(1 + log10(1+amount)/2, 1, 3). Zero or negative amounts leave K
// unchanged.
func EffectiveK(baseK, amount float64) float64 {
	if amount <= 0 {
		return baseK
	}
	mult := 1 + math.Log10(1+amount)/2
	if mult < 1 {
		mult = 1
	}
	if mult > 3 {
		mult = 3
	}
	return baseK * mult
}

// completionGain is the rating gain for one party of a completed proposal.
func completionGain(self, other *Record, amount float64) int {
	k := EffectiveK(BaseK(self.Transactions), amount)
	gain := int(math.Round(k * ExpectedScore(self.Rating, other.Rating)))
	if gain < 1 {
		gain = 1
	}
	return gain
}

// disputeLoss is the rating loss for the at-fault party of a dispute.
func disputeLoss(atFault, other *Record, amount float64) int {
	k := EffectiveK(BaseK(atFault.Transactions), amount)
	return int(math.Round(k * ExpectedScore(other.Rating, atFault.Rating)))
}
