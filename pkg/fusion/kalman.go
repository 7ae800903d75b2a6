package fusion

import (
	"gonum.org/v1/gonum/mat"
)

// Filter state layout: [x y z heading vx vy vz vh].
const (
	stateDim = 8
	posDim   = 3
)

// kalman is a constant-velocity filter over position and heading. It is
// not safe for concurrent use; each user's session actor owns exactly one.
type kalman struct {
	x *mat.VecDense // state estimate
	p *mat.Dense    // state covariance

	// scratch matrices reused across steps
	f *mat.Dense // transition
	q *mat.Dense // process noise
}

// processNoise is the continuous white-noise acceleration spectral
// density, m^2/s^3. Tuned for pedestrian dynamics.
const processNoise = 0.5

func newKalman(x0, y0, z0, noise float64) *kalman {
	k := &kalman{
		x: mat.NewVecDense(stateDim, nil),
		p: mat.NewDense(stateDim, stateDim, nil),
		f: mat.NewDense(stateDim, stateDim, nil),
		q: mat.NewDense(stateDim, stateDim, nil),
	}
	k.x.SetVec(0, x0)
	k.x.SetVec(1, y0)
	k.x.SetVec(2, z0)

	// Position uncertainty starts at the first measurement's noise;
	// velocity is unknown and deliberately loose.
	v := noise * noise
	for i := 0; i < 4; i++ {
		k.p.Set(i, i, v)
	}
	for i := 4; i < stateDim; i++ {
		k.p.Set(i, i, 25)
	}
	return k
}

// predict advances the state by dt seconds under constant velocity.
func (k *kalman) predict(dt float64) {
	if dt <= 0 {
		return
	}

	k.f.Zero()
	for i := 0; i < stateDim; i++ {
		k.f.Set(i, i, 1)
	}
	for i := 0; i < 4; i++ {
		k.f.Set(i, i+4, dt)
	}

	// Piecewise white-noise acceleration model per axis.
	k.q.Zero()
	q11 := processNoise * dt * dt * dt / 3
	q12 := processNoise * dt * dt / 2
	q22 := processNoise * dt
	for i := 0; i < 4; i++ {
		k.q.Set(i, i, q11)
		k.q.Set(i, i+4, q12)
		k.q.Set(i+4, i, q12)
		k.q.Set(i+4, i+4, q22)
	}

	var nx mat.VecDense
	nx.MulVec(k.f, k.x)
	k.x.CopyVec(&nx)

	var fp, fpft mat.Dense
	fp.Mul(k.f, k.p)
	fpft.Mul(&fp, k.f.T())
	fpft.Add(&fpft, k.q)
	k.p.Copy(&fpft)
}

// updatePosition folds one (x, y, z) observation with the given 1-sigma
// noise into the state.
func (k *kalman) updatePosition(mx, my, mz, noise float64) {
	h := mat.NewDense(posDim, stateDim, nil)
	h.Set(0, 0, 1)
	h.Set(1, 1, 1)
	h.Set(2, 2, 1)

	r := mat.NewDense(posDim, posDim, nil)
	v := noise * noise
	for i := 0; i < posDim; i++ {
		r.Set(i, i, v)
	}

	// Innovation y = z - Hx.
	z := mat.NewVecDense(posDim, []float64{mx, my, mz})
	var hx mat.VecDense
	hx.MulVec(h, k.x)
	var innov mat.VecDense
	innov.SubVec(z, &hx)

	// S = HPHᵀ + R
	var hp, s mat.Dense
	hp.Mul(h, k.p)
	s.Mul(&hp, h.T())
	s.Add(&s, r)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		// Singular innovation covariance; skip the update rather than
		// corrupt the state. The divergence guard catches repeats.
		return
	}

	// K = PHᵀS⁻¹
	var pht, gain mat.Dense
	pht.Mul(k.p, h.T())
	gain.Mul(&pht, &sInv)

	var corr mat.VecDense
	corr.MulVec(&gain, &innov)
	k.x.AddVec(k.x, &corr)

	// P = (I − KH)P
	var kh mat.Dense
	kh.Mul(&gain, h)
	eye := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		eye.Set(i, i, 1)
	}
	var ikh, np mat.Dense
	ikh.Sub(eye, &kh)
	np.Mul(&ikh, k.p)
	k.p.Copy(&np)
}

func (k *kalman) position() (x, y, z float64) {
	return k.x.AtVec(0), k.x.AtVec(1), k.x.AtVec(2)
}

func (k *kalman) velocity() [3]float64 {
	return [3]float64{k.x.AtVec(4), k.x.AtVec(5), k.x.AtVec(6)}
}

// trace is the sum of the pose covariance diagonal (x, y, z, heading),
// the divergence and confidence metric.
func (k *kalman) trace() float64 {
	t := 0.0
	for i := 0; i < 4; i++ {
		t += k.p.At(i, i)
	}
	return t
}

// covariance4 extracts the 4x4 (x, y, z, heading) covariance, row-major.
func (k *kalman) covariance4() [16]float64 {
	var out [16]float64
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out[r*4+c] = k.p.At(r, c)
		}
	}
	return out
}

// reset re-centers the filter on a measurement, keeping nothing.
func (k *kalman) reset(mx, my, mz, noise float64) {
	k.x.Zero()
	k.x.SetVec(0, mx)
	k.x.SetVec(1, my)
	k.x.SetVec(2, mz)
	k.p.Zero()
	v := noise * noise
	for i := 0; i < 4; i++ {
		k.p.Set(i, i, v)
	}
	for i := 4; i < stateDim; i++ {
		k.p.Set(i, i, 25)
	}
}
