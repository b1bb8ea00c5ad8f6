package anomaly

import "math"

// welford tracks a running mean and variance without storing samples.
type welford struct {
	n    int
	mean float64
	m2   float64
}

func (w *welford) observe(x float64) {
	w.n++
	delta := x - w.mean
	w.mean += delta / float64(w.n)
	w.m2 += delta * (x - w.mean)
}

// zscore reports how many standard deviations x sits from the mean. Zero
// until there is enough spread to divide by.
func (w *welford) zscore(x float64) float64 {
	if w.n < 2 {
		return 0
	}
	sd := math.Sqrt(w.m2 / float64(w.n-1))
	if sd < 1e-9 {
		return 0
	}
	return (x - w.mean) / sd
}

// baseline learns the typical distribution of each signal in one CAN
// message. It stays silent through a warmup period, then scores incoming
// values against what it has seen.
type baseline struct {
	warmup  int
	samples int
	stats   map[string]*welford
}

func newBaseline(warmup int) *baseline {
	return &baseline{warmup: warmup, stats: make(map[string]*welford)}
}

// score returns the signals whose values deviate beyond threshold standard
// deviations, then folds the sample into the running statistics. During
// warmup it only learns.
func (b *baseline) score(signals map[string]float64, threshold float64) map[string]float64 {
	var outliers map[string]float64
	trained := b.samples >= b.warmup
	for name, value := range signals {
		w, ok := b.stats[name]
		if !ok {
			w = &welford{}
			b.stats[name] = w
		}
		if trained {
			if z := w.zscore(value); math.Abs(z) > threshold {
				if outliers == nil {
					outliers = make(map[string]float64)
				}
				outliers[name] = z
			}
		}
		w.observe(value)
	}
	b.samples++
	return outliers
}
