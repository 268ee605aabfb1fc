package train

import (
	"fmt"
	"math"

	"github.com/regtrain/regtrain/train/registration"
)

// Batch fields carrying the ground-truth pose per sample.
const (
	FieldBatchedRot = "batched_rot"
	FieldBatchedTrn = "batched_trn"
)

// registrationRMSEs scores one evaluation batch: for each sample it
// extracts predicted correspondences, estimates a rigid transform by
// robust consensus, and measures the residual misalignment against the
// ground-truth pose. A sample whose estimation fails outright (no usable
// correspondences) scores +Inf, i.e. an unconditional failure.
func (t *Trainer) registrationRMSEs(batch Batch, out *Outputs) ([]float64, error) {
	rots, okRot := batch[FieldBatchedRot].([]registration.Rotation)
	trns, okTrn := batch[FieldBatchedTrn].([]registration.Translation)
	if !okRot || !okTrn {
		return nil, fmt.Errorf("batch missing %s/%s ground-truth fields", FieldBatchedRot, FieldBatchedTrn)
	}
	n := len(out.SrcPcdList)
	if len(rots) != n || len(trns) != n {
		return nil, fmt.Errorf("ground truth count %d/%d does not match %d samples", len(rots), len(trns), n)
	}

	cfg := registration.Config{
		RANSACPoints:    t.cfg.RANSACPoints,
		Iterations:      t.cfg.Iterations,
		InlierThreshold: registration.DefaultConfig().InlierThreshold,
	}

	rmses := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		gt := registration.Compose(rots[i], trns[i])
		corr := t.matcher.GetMatch(out.ConfMatrixPred[i], MatchConfidenceThreshold, false)
		corr = dropMasked(corr, maskAt(out.SrcMask, i), maskAt(out.TgtMask, i))

		est, err := registration.EstimateRANSAC(out.SPcd[i], out.TPcd[i], corr, cfg, t.rng)
		if err != nil {
			rmses = append(rmses, math.Inf(1))
			continue
		}
		rmse, err := registration.RMSE(out.SrcPcdList[i], gt, est)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		rmses = append(rmses, rmse)
	}
	return rmses, nil
}

func maskAt(masks [][]bool, i int) []bool {
	if i < len(masks) {
		return masks[i]
	}
	return nil
}

// dropMasked removes correspondences touching padded (masked-out) points.
// A nil mask keeps everything.
func dropMasked(corr []registration.Correspondence, srcMask, tgtMask []bool) []registration.Correspondence {
	if srcMask == nil && tgtMask == nil {
		return corr
	}
	kept := corr[:0]
	for _, c := range corr {
		if srcMask != nil && c.Src < len(srcMask) && !srcMask[c.Src] {
			continue
		}
		if tgtMask != nil && c.Tgt < len(tgtMask) && !tgtMask[c.Tgt] {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}
