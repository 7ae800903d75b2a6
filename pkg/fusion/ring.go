package fusion

import "wayfind/pkg/model"

// poseRing keeps the last N emitted poses for one user. Poses are never
// persisted beyond this buffer.
type poseRing struct {
	buf   []model.Pose
	next  int
	count int
}

func newPoseRing(size int) *poseRing {
	if size <= 0 {
		size = 1
	}
	return &poseRing{buf: make([]model.Pose, size)}
}

func (r *poseRing) push(p model.Pose) {
	r.buf[r.next] = p
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// last returns the most recent pose, or nil when empty.
func (r *poseRing) last() *model.Pose {
	if r.count == 0 {
		return nil
	}
	idx := (r.next - 1 + len(r.buf)) % len(r.buf)
	return &r.buf[idx]
}

// recent returns up to n poses, newest first.
func (r *poseRing) recent(n int) []model.Pose {
	if n > r.count {
		n = r.count
	}
	out := make([]model.Pose, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.buf)*2) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
