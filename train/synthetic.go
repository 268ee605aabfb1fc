// Synthetic registration pairs and a minimal reference model, mirroring how
// the simulator side of the house generates synthetic workloads: they make
// an end-to-end run possible without a real dataset or network, and back
// the orchestrator's tests.

package train

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/regtrain/regtrain/train/registration"
)

// Batch fields produced by the synthetic dataset.
const (
	fieldSrcPcdList = "src_pcd_list"
	fieldTgtPcdList = "tgt_pcd_list"
	fieldConfGT     = "conf_gt"
)

// SyntheticConfig sizes the generated dataset.
type SyntheticConfig struct {
	NumBatches     int
	BatchSize      int
	PointsPerCloud int
	// MaxRotation bounds the ground-truth rotation angle (radians).
	MaxRotation float64
	// MaxTranslation bounds each ground-truth translation component.
	MaxTranslation float64
}

// DefaultSyntheticConfig returns a small but non-trivial dataset shape.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		NumBatches:     8,
		BatchSize:      2,
		PointsPerCloud: 64,
		MaxRotation:    math.Pi / 4,
		MaxTranslation: 1.0,
	}
}

// NewSyntheticBatches generates batches of point-cloud pairs related by a
// random rigid transform, with a ground-truth one-to-one confidence matrix.
func NewSyntheticBatches(cfg SyntheticConfig, rng *rand.Rand) []Batch {
	batches := make([]Batch, cfg.NumBatches)
	for b := range batches {
		src := make([][]registration.Point, cfg.BatchSize)
		tgt := make([][]registration.Point, cfg.BatchSize)
		conf := make([][][]float64, cfg.BatchSize)
		rots := make([]registration.Rotation, cfg.BatchSize)
		trns := make([]registration.Translation, cfg.BatchSize)

		for s := 0; s < cfg.BatchSize; s++ {
			cloud := make([]registration.Point, cfg.PointsPerCloud)
			for i := range cloud {
				cloud[i] = registration.Point{
					rng.Float64()*2 - 1,
					rng.Float64()*2 - 1,
					rng.Float64()*2 - 1,
				}
			}
			rot := randomRotationZ(rng, cfg.MaxRotation)
			trn := registration.Translation{
				(rng.Float64()*2 - 1) * cfg.MaxTranslation,
				(rng.Float64()*2 - 1) * cfg.MaxTranslation,
				(rng.Float64()*2 - 1) * cfg.MaxTranslation,
			}
			transform := registration.Compose(rot, trn)

			src[s] = cloud
			tgt[s] = transform.ApplyAll(cloud)
			rots[s] = rot
			trns[s] = trn

			m := make([][]float64, len(cloud))
			for i := range m {
				m[i] = make([]float64, len(cloud))
				m[i][i] = 1
			}
			conf[s] = m
		}

		batches[b] = Batch{
			fieldSrcPcdList: src,
			fieldTgtPcdList: tgt,
			fieldConfGT:     conf,
			FieldBatchedRot: rots,
			FieldBatchedTrn: trns,
		}
	}
	return batches
}

func randomRotationZ(rng *rand.Rand, maxAngle float64) registration.Rotation {
	theta := (rng.Float64()*2 - 1) * maxAngle
	c, s := math.Cos(theta), math.Sin(theta)
	return registration.Rotation{
		{c, -s, 0},
		{s, c, 0},
		{0, 0, 1},
	}
}

// GateModel is a one-parameter reference model: it passes the ground-truth
// confidence matrix through a learnable sigmoid gate. Training drives the
// gate open, so the loss falls and the predicted correspondences sharpen.
// It exists to exercise the full control loop, not to learn anything deep.
type GateModel struct {
	gate     *Param
	training bool
	lastGain float64
}

// NewGateModel starts with the gate at its half-open point.
func NewGateModel() *GateModel {
	return &GateModel{
		gate: &Param{Name: "gate.weight", Data: []float64{0}, Grad: []float64{0}},
	}
}

func (m *GateModel) Forward(batch Batch, timers *Timers) (*Outputs, error) {
	src, okSrc := batch[fieldSrcPcdList].([][]registration.Point)
	tgt, okTgt := batch[fieldTgtPcdList].([][]registration.Point)
	conf, okConf := batch[fieldConfGT].([][][]float64)
	if !okSrc || !okTgt || !okConf {
		return nil, fmt.Errorf("gate model: batch missing synthetic fields")
	}

	gain := sigmoid(m.gate.Data[0])
	m.lastGain = gain

	pred := make([][][]float64, len(conf))
	srcMask := make([][]bool, len(src))
	tgtMask := make([][]bool, len(tgt))
	for s := range conf {
		pred[s] = make([][]float64, len(conf[s]))
		for i := range conf[s] {
			row := make([]float64, len(conf[s][i]))
			for j, v := range conf[s][i] {
				row[j] = gain * v
			}
			pred[s][i] = row
		}
		srcMask[s] = allTrue(len(src[s]))
		tgtMask[s] = allTrue(len(tgt[s]))
	}

	return &Outputs{
		SPcd:           src,
		TPcd:           tgt,
		SrcMask:        srcMask,
		TgtMask:        tgtMask,
		ConfMatrixPred: pred,
		SrcPcdList:     src,
	}, nil
}

// Backward accumulates d/dgate of (1 - sigmoid(gate))^2.
func (m *GateModel) Backward(info LossInfo) error {
	if !m.training {
		return fmt.Errorf("gate model: backward called in eval mode")
	}
	s := m.lastGain
	m.gate.Grad[0] += -2 * s * (1 - s) * (1 - s)
	return nil
}

func (m *GateModel) Parameters() []*Param { return []*Param{m.gate} }
func (m *GateModel) TrainMode()           { m.training = true }
func (m *GateModel) EvalMode()            { m.training = false }

func (m *GateModel) StateDict() map[string][]float64 {
	return map[string][]float64{
		m.gate.Name: append([]float64(nil), m.gate.Data...),
	}
}

func (m *GateModel) LoadStateDict(state map[string][]float64) error {
	data, ok := state[m.gate.Name]
	if !ok || len(data) != len(m.gate.Data) {
		return fmt.Errorf("gate model: state missing %q", m.gate.Name)
	}
	copy(m.gate.Data, data)
	return nil
}

// GateLoss scores how far the gate is from fully open.
type GateLoss struct{}

func (GateLoss) Compute(out *Outputs) (LossInfo, error) {
	if len(out.ConfMatrixPred) == 0 {
		return nil, fmt.Errorf("gate loss: empty outputs")
	}
	// The diagonal gain is uniform; read it off the first sample.
	gain := 0.0
	first := out.ConfMatrixPred[0]
	if len(first) > 0 && len(first[0]) > 0 {
		gain = first[0][0]
	}
	residual := 1 - gain
	return LossInfo{
		LossKey:     residual * residual,
		"gate_gain": gain,
	}, nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func allTrue(n int) []bool {
	mask := make([]bool, n)
	for i := range mask {
		mask[i] = true
	}
	return mask
}
