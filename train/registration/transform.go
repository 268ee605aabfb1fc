// Rigid-body transforms for point-cloud registration.
//
// A Transform is a 4x4 homogeneous matrix combining a rotation and a
// translation. Point clouds are slices of 3D points in the same length
// units as the acceptance thresholds used by the recall evaluator.

package registration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Point is a 3D point.
type Point [3]float64

// Rotation is a 3x3 rotation matrix, row-major.
type Rotation [3][3]float64

// Translation is a 3D translation vector.
type Translation [3]float64

// Transform is a 4x4 homogeneous rigid transform, row-major.
type Transform [4][4]float64

// Identity returns the identity transform.
func Identity() Transform {
	var t Transform
	for i := 0; i < 4; i++ {
		t[i][i] = 1
	}
	return t
}

// Compose builds a homogeneous transform from a rotation and a translation.
func Compose(rot Rotation, trn Translation) Transform {
	t := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t[i][j] = rot[i][j]
		}
		t[i][3] = trn[i]
	}
	return t
}

// Rot returns the rotation block of the transform.
func (t Transform) Rot() Rotation {
	var r Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = t[i][j]
		}
	}
	return r
}

// Trn returns the translation column of the transform.
func (t Transform) Trn() Translation {
	return Translation{t[0][3], t[1][3], t[2][3]}
}

// dense converts the transform to a gonum matrix.
func (t Transform) dense() *mat.Dense {
	d := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			d.Set(i, j, t[i][j])
		}
	}
	return d
}

func fromDense(d *mat.Dense) Transform {
	var t Transform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			t[i][j] = d.At(i, j)
		}
	}
	return t
}

// Inverse returns the inverse transform.
func (t Transform) Inverse() (Transform, error) {
	var inv mat.Dense
	if err := inv.Inverse(t.dense()); err != nil {
		return Identity(), fmt.Errorf("transform not invertible: %w", err)
	}
	return fromDense(&inv), nil
}

// Mul returns t * o.
func (t Transform) Mul(o Transform) Transform {
	var prod mat.Dense
	prod.Mul(t.dense(), o.dense())
	return fromDense(&prod)
}

// Apply transforms a single point.
func (t Transform) Apply(p Point) Point {
	var out Point
	for i := 0; i < 3; i++ {
		out[i] = t[i][0]*p[0] + t[i][1]*p[1] + t[i][2]*p[2] + t[i][3]
	}
	return out
}

// ApplyAll transforms a point cloud, returning a new slice.
func (t Transform) ApplyAll(pts []Point) []Point {
	out := make([]Point, len(pts))
	for i, p := range pts {
		out[i] = t.Apply(p)
	}
	return out
}

// RMSE measures the residual misalignment between an estimated transform and
// the ground truth. The realignment transform inverse(gt) * estimate is
// applied to the source cloud and the root-mean-square Euclidean
// displacement against the original points is returned. A perfect estimate
// yields 0 regardless of the absolute pose magnitude.
func RMSE(src []Point, gt, estimate Transform) (float64, error) {
	if len(src) == 0 {
		return 0, fmt.Errorf("empty source cloud")
	}
	gtInv, err := gt.Inverse()
	if err != nil {
		return 0, err
	}
	realignment := gtInv.Mul(estimate)

	var sum float64
	for _, p := range src {
		q := realignment.Apply(p)
		dx := q[0] - p[0]
		dy := q[1] - p[1]
		dz := q[2] - p[2]
		sum += dx*dx + dy*dy + dz*dz
	}
	return math.Sqrt(sum / float64(len(src))), nil
}

// Distance returns the Euclidean distance between two points.
func Distance(a, b Point) float64 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	dz := a[2] - b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
