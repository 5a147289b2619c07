// Package stats implements the online Welford-style running statistics
// used throughout the dissectors: packet-length/IAT moments in basic
// stats, window-size and RTT jitter in the TCP engine.
package stats

// Moments accumulates running mean, variance, skewness and kurtosis of a
// sample stream with a single division per sample, the classic Welford
// online update.
//
// Update formulas:
//
//	m    = x - avg
//	avg  = avg + m/d
//	var  = var + (m² - var)/d
//	skew = skew + (m³ - skew)/d
//	kur  = kur + (m⁴ - kur)/d
//
// where d is the divisor passed to Update (the filtered sample count, or
// the total count when no filter is configured).
type Moments struct {
	Min, Max           float64
	Avg, Var, Skew, Kur float64
	n                  uint64
}

// Update folds x into the running moments using divisor d (must be >= 1).
func (m *Moments) Update(x float64, d uint64) {
	if m.n == 0 {
		m.Min, m.Max = x, x
	} else {
		if x < m.Min {
			m.Min = x
		}
		if x > m.Max {
			m.Max = x
		}
	}
	m.n++

	if d == 0 {
		d = 1
	}
	fd := float64(d)

	delta := x - m.Avg
	m.Avg += delta / fd
	m.Var += (delta*delta - m.Var) / fd
	m.Skew += (delta*delta*delta - m.Skew) / fd
	m.Kur += (delta*delta*delta*delta - m.Kur) / fd
}

// Count returns how many samples have been folded in.
func (m *Moments) Count() uint64 { return m.n }

// MeanVar is a lighter accumulator (mean + variance only), used by the TCP
// engine to maintain an online mean and variance of the ack round-trip
// time.
type MeanVar struct {
	Avg, Var float64
	n        uint64
}

func (m *MeanVar) Update(x float64) {
	m.n++
	delta := x - m.Avg
	m.Avg += delta / float64(m.n)
	m.Var += (delta*delta - m.Var) / float64(m.n)
}

func (m *MeanVar) Count() uint64 { return m.n }

// IIR computes new = alpha*old + (1-alpha)*x, the infinite-impulse-response
// smoothing used for the running TCP window-size average.
func IIR(old, x, alpha float64) float64 {
	return alpha*old + (1-alpha)*x
}
