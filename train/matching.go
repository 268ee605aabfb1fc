package train

import (
	"github.com/regtrain/regtrain/train/registration"
)

// ThresholdMatcher extracts correspondences whose confidence exceeds a
// threshold. With mutual set, an entry must also be the row and column
// maximum, mirroring mutual-nearest-neighbor matching.
type ThresholdMatcher struct{}

func (ThresholdMatcher) GetMatch(conf [][]float64, threshold float64, mutual bool) []registration.Correspondence {
	if len(conf) == 0 {
		return nil
	}
	var out []registration.Correspondence
	var colMax []int
	if mutual {
		colMax = columnArgmax(conf)
	}
	for i, row := range conf {
		if mutual {
			j := argmax(row)
			if j >= 0 && row[j] > threshold && colMax[j] == i {
				out = append(out, registration.Correspondence{Src: i, Tgt: j})
			}
			continue
		}
		for j, c := range row {
			if c > threshold {
				out = append(out, registration.Correspondence{Src: i, Tgt: j})
			}
		}
	}
	return out
}

func argmax(row []float64) int {
	best := -1
	for j, v := range row {
		if best < 0 || v > row[best] {
			best = j
		}
	}
	return best
}

func columnArgmax(conf [][]float64) []int {
	cols := len(conf[0])
	best := make([]int, cols)
	for j := 0; j < cols; j++ {
		best[j] = 0
		for i := 1; i < len(conf); i++ {
			if conf[i][j] > conf[best[j]][j] {
				best[j] = i
			}
		}
	}
	return best
}
