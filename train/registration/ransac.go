package registration

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Correspondence pairs a source point index with a target point index.
type Correspondence struct {
	Src int
	Tgt int
}

// Config controls the robust transform estimation.
type Config struct {
	RANSACPoints    int     // minimal sample size per trial (>= 3)
	Iterations      int     // number of trials
	InlierThreshold float64 // max residual for a correspondence to count as inlier
}

// DefaultConfig returns defaults matching the evaluation protocol.
func DefaultConfig() Config {
	return Config{
		RANSACPoints:    3,
		Iterations:      100,
		InlierThreshold: 0.1,
	}
}

// kabsch computes the least-squares rigid transform mapping src onto tgt.
// Both slices must have equal, nonzero length. Uses the SVD of the
// cross-covariance with a determinant correction to exclude reflections.
func kabsch(src, tgt []Point) (Transform, error) {
	n := len(src)
	if n == 0 || n != len(tgt) {
		return Identity(), fmt.Errorf("kabsch: need equal nonzero point counts, got %d and %d", len(src), len(tgt))
	}

	var cs, ct Point
	for i := 0; i < n; i++ {
		for k := 0; k < 3; k++ {
			cs[k] += src[i][k]
			ct[k] += tgt[i][k]
		}
	}
	for k := 0; k < 3; k++ {
		cs[k] /= float64(n)
		ct[k] /= float64(n)
	}

	// Cross-covariance H = sum (src - cs)(tgt - ct)^T
	h := mat.NewDense(3, 3, nil)
	for i := 0; i < n; i++ {
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+(src[i][r]-cs[r])*(tgt[i][c]-ct[c]))
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return Identity(), fmt.Errorf("kabsch: SVD failed to factorize")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V * diag(1,1,det(V U^T)) * U^T
	var r mat.Dense
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		// flip the last column of V and recompute
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		r.Mul(&v, u.T())
	}

	var rot Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[i][j] = r.At(i, j)
		}
	}
	var trn Translation
	for i := 0; i < 3; i++ {
		trn[i] = ct[i] - (rot[i][0]*cs[0] + rot[i][1]*cs[1] + rot[i][2]*cs[2])
	}
	return Compose(rot, trn), nil
}

// EstimateRANSAC estimates the rigid transform aligning src onto tgt from
// predicted correspondences. Each trial fits a transform to
// cfg.RANSACPoints randomly drawn correspondences and scores it by inlier
// consensus under cfg.InlierThreshold; the best model is refit on its
// inliers. The supplied RNG makes trials reproducible.
func EstimateRANSAC(src, tgt []Point, corr []Correspondence, cfg Config, rng *rand.Rand) (Transform, error) {
	if len(corr) == 0 {
		return Identity(), fmt.Errorf("ransac: no correspondences")
	}
	sample := cfg.RANSACPoints
	if sample < 3 {
		sample = 3
	}
	if sample > len(corr) {
		sample = len(corr)
	}
	for _, c := range corr {
		if c.Src < 0 || c.Src >= len(src) || c.Tgt < 0 || c.Tgt >= len(tgt) {
			return Identity(), fmt.Errorf("ransac: correspondence (%d,%d) out of range", c.Src, c.Tgt)
		}
	}

	best := Identity()
	bestInliers := -1

	srcPts := make([]Point, sample)
	tgtPts := make([]Point, sample)
	for trial := 0; trial < cfg.Iterations; trial++ {
		for i := 0; i < sample; i++ {
			c := corr[rng.Intn(len(corr))]
			srcPts[i] = src[c.Src]
			tgtPts[i] = tgt[c.Tgt]
		}
		model, err := kabsch(srcPts, tgtPts)
		if err != nil {
			continue
		}
		inliers := countInliers(src, tgt, corr, model, cfg.InlierThreshold)
		if inliers > bestInliers {
			bestInliers = inliers
			best = model
		}
	}
	if bestInliers < 0 {
		return Identity(), fmt.Errorf("ransac: no valid model after %d trials", cfg.Iterations)
	}

	// Refit on the consensus set for a tighter final estimate.
	var inSrc, inTgt []Point
	for _, c := range corr {
		if Distance(best.Apply(src[c.Src]), tgt[c.Tgt]) <= cfg.InlierThreshold {
			inSrc = append(inSrc, src[c.Src])
			inTgt = append(inTgt, tgt[c.Tgt])
		}
	}
	if len(inSrc) >= 3 {
		if refined, err := kabsch(inSrc, inTgt); err == nil {
			best = refined
		}
	}
	return best, nil
}

func countInliers(src, tgt []Point, corr []Correspondence, model Transform, threshold float64) int {
	count := 0
	for _, c := range corr {
		if Distance(model.Apply(src[c.Src]), tgt[c.Tgt]) <= threshold {
			count++
		}
	}
	return count
}
