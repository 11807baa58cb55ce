package indicator

import "fmt"

// ComputeSMA returns the simple moving average of closes over window, same
// length as closes. Entry i is nil while i < window-1, otherwise the mean of
// closes[i-window+1 .. i]. A window larger than the input yields all nils.
func ComputeSMA(closes []float64, window int) ([]*float64, error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: sma window %d must be positive", ErrInvalidArgument, window)
	}

	out := make([]*float64, len(closes))
	for i := window - 1; i < len(closes); i++ {
		var sum float64
		for _, c := range closes[i-window+1 : i+1] {
			sum += c
		}
		avg := sum / float64(window)
		out[i] = &avg
	}
	return out, nil
}
