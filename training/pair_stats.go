package training

// PairTally accumulates pair statistics across loss evaluations. It is owned
// by the caller and passed explicitly; a nil tally records nothing.
type PairTally struct {
	// Threshold separates elevated labels from background ones.
	Threshold float64

	Batches int
	Pairs   int
	// ZeroWeight counts pairs whose weight removed them from the loss.
	ZeroWeight int
	// Reweighted counts pairs with a weight other than 1.
	Reweighted int
	// CrossThreshold counts pairs with exactly one elevated label.
	CrossThreshold int
	// Elevated counts pairs with both labels elevated.
	Elevated int
}

// NewPairTally returns a tally splitting labels at threshold.
func NewPairTally(threshold float64) *PairTally {
	return &PairTally{Threshold: threshold}
}

// Record adds the pairs of one batch.
func (t *PairTally) Record(labels, weights []float64) {
	if t == nil {
		return
	}
	t.Batches++
	k := 0
	for i := 0; i < len(labels); i++ {
		for j := i + 1; j < len(labels); j++ {
			t.Pairs++
			if weights != nil {
				switch w := weights[k]; {
				case w == 0:
					t.ZeroWeight++
				case w != 1:
					t.Reweighted++
				}
			}
			hi, hj := labels[i] > t.Threshold, labels[j] > t.Threshold
			switch {
			case hi && hj:
				t.Elevated++
			case hi != hj:
				t.CrossThreshold++
			}
			k++
		}
	}
}

// Reset clears the counters, keeping the threshold.
func (t *PairTally) Reset() {
	*t = PairTally{Threshold: t.Threshold}
}
