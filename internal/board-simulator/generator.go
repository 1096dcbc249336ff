package board_simulator

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// ====== Tunables ======
const (
	// distanza da cui il pet entra/esce dal campo del sensore (oltre DISTANCE_MAX)
	edgeCM = 35.0

	approachTime = 800 * time.Millisecond
	leaveTime    = 800 * time.Millisecond

	// rumore di lettura mentre il pet è fermo
	jitterCM = 0.4
)

// visit is one pet approach: walk in to target, stay, walk away.
type visit struct {
	start  time.Time
	target float64
	stay   time.Duration
}

func (v visit) end() time.Time {
	return v.start.Add(approachTime + v.stay + leaveTime)
}

// PetGenerator produces the distance seen by the IR sensor over time, with
// pets showing up at random intervals.
type PetGenerator struct {
	mu        sync.Mutex
	rnd       *rand.Rand
	minCM     float64
	maxCM     float64
	meanIdle  time.Duration
	meanStay  time.Duration
	current   *visit
	nextVisit time.Time
}

// NewPetGenerator: pets stop at a distance in [minCM, maxCM] (the detection
// window), arrive on average every meanIdle and stay about meanStay.
func NewPetGenerator(minCM, maxCM float64, meanIdle, meanStay time.Duration, seed int64) *PetGenerator {
	if maxCM < minCM {
		minCM, maxCM = maxCM, minCM
	}
	return &PetGenerator{
		rnd:      rand.New(rand.NewSource(seed)),
		minCM:    minCM,
		maxCM:    maxCM,
		meanIdle: meanIdle,
		meanStay: meanStay,
	}
}

// Distance returns the distance in cm at now; +Inf when nothing is in front
// of the sensor.
func (g *PetGenerator) Distance(now time.Time) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.nextVisit.IsZero() {
		g.nextVisit = now.Add(g.expDuration(g.meanIdle))
	}
	if g.current != nil && !now.Before(g.current.end()) {
		g.current = nil
		g.nextVisit = now.Add(g.expDuration(g.meanIdle))
	}
	if g.current == nil && g.meanIdle > 0 && !now.Before(g.nextVisit) {
		g.current = &visit{
			start:  now,
			target: g.minCM + g.rnd.Float64()*(g.maxCM-g.minCM),
			stay:   g.expDuration(g.meanStay),
		}
	}
	if g.current == nil {
		return math.Inf(1)
	}
	return g.current.distanceAt(now, g.rnd)
}

// Visiting reports whether a pet visit is in progress.
func (g *PetGenerator) Visiting() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current != nil
}

func (v visit) distanceAt(now time.Time, rnd *rand.Rand) float64 {
	el := now.Sub(v.start)
	switch {
	case el < approachTime:
		f := float64(el) / float64(approachTime)
		return edgeCM + (v.target-edgeCM)*f
	case el < approachTime+v.stay:
		return math.Max(0.5, v.target+(rnd.Float64()*2-1)*jitterCM)
	default:
		f := float64(el-approachTime-v.stay) / float64(leaveTime)
		if f > 1 {
			f = 1
		}
		return v.target + (edgeCM-v.target)*f
	}
}

// expDuration: tempi esponenziali attorno alla media, mai sotto 100ms.
func (g *PetGenerator) expDuration(mean time.Duration) time.Duration {
	if mean <= 0 {
		return 0
	}
	d := time.Duration(g.rnd.ExpFloat64() * float64(mean))
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}
