package learn

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// DefaultLearningRate and DefaultDiscount are spec.md §4.9's tabular
// Q-learning defaults: alpha=0.1, gamma=0.9.
const (
	DefaultLearningRate = 0.1
	DefaultDiscount     = 0.9
	DefaultEpsilon      = 0.1
)

// fingerprintDims is how many leading state dimensions, rounded, compose
// the discretized state key. Matches spec.md §4.9's "first 8 dims
// rounded" state discretization.
const fingerprintDims = 8

// stateKey discretizes a state vector into a tabular Q-table key: the
// first fingerprintDims dimensions (or fewer if the vector is shorter),
// each rounded to 2 decimal places.
func stateKey(state []float32) string {
	n := fingerprintDims
	if len(state) < n {
		n = len(state)
	}
	key := make([]byte, 0, n*8)
	for i := 0; i < n; i++ {
		rounded := math.Round(float64(state[i])*100) / 100
		key = append(key, []byte(fmt.Sprintf("%.2f,", rounded))...)
	}
	return string(key)
}

// PolicyOptimizer is a tabular Q-learning policy over a discretized
// state space and a finite action space of tool-name identifiers, per
// spec.md §4.9.
type PolicyOptimizer struct {
	mu    sync.RWMutex
	alpha float64
	gamma float64
	eps   float64
	q     map[string]map[string]float64
	rng   *rand.Rand
}

// NewPolicyOptimizer returns a policy with the given hyperparameters,
// defaulted to spec.md §4.9's values when zero.
func NewPolicyOptimizer(alpha, gamma, epsilon float64, seed int64) *PolicyOptimizer {
	if alpha == 0 {
		alpha = DefaultLearningRate
	}
	if gamma == 0 {
		gamma = DefaultDiscount
	}
	if epsilon == 0 {
		epsilon = DefaultEpsilon
	}
	return &PolicyOptimizer{
		alpha: alpha,
		gamma: gamma,
		eps:   epsilon,
		q:     make(map[string]map[string]float64),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

func (p *PolicyOptimizer) qValueLocked(state, action string) float64 {
	row, ok := p.q[state]
	if !ok {
		return 0
	}
	return row[action]
}

func (p *PolicyOptimizer) setQLocked(state, action string, v float64) {
	row, ok := p.q[state]
	if !ok {
		row = make(map[string]float64)
		p.q[state] = row
	}
	row[action] = v
}

func (p *PolicyOptimizer) maxQLocked(state string, actions []string) float64 {
	best := math.Inf(-1)
	for _, a := range actions {
		v := p.qValueLocked(state, a)
		if v > best {
			best = v
		}
	}
	if math.IsInf(best, -1) {
		return 0
	}
	return best
}

// Update applies the TD(0) update rule
//
//	Q(s,a) <- Q(s,a) + alpha*(reward + gamma*max_a' Q(s',a') - Q(s,a))
//
// and returns the TD error magnitude, for PolicyOptimizer.Train's
// mean_td_error reporting.
func (p *PolicyOptimizer) Update(state []float32, action string, reward float32, nextState []float32, nextActions []string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	sKey := stateKey(state)
	nKey := stateKey(nextState)

	current := p.qValueLocked(sKey, action)
	maxNext := p.maxQLocked(nKey, nextActions)
	tdError := float64(reward) + p.gamma*maxNext - current
	p.setQLocked(sKey, action, current+p.alpha*tdError)
	return math.Abs(tdError)
}

// SelectAction applies epsilon-greedy selection over candidates: with
// probability epsilon, a uniform-random candidate; otherwise the
// argmax-Q candidate, ties broken by the earliest entry in candidates.
func (p *PolicyOptimizer) SelectAction(state []float32, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("learn: select action: candidates must be non-empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rng.Float64() < p.eps {
		return candidates[p.rng.Intn(len(candidates))], nil
	}

	sKey := stateKey(state)
	best := candidates[0]
	bestQ := p.qValueLocked(sKey, best)
	for _, a := range candidates[1:] {
		v := p.qValueLocked(sKey, a)
		if v > bestQ {
			best = a
			bestQ = v
		}
	}
	return best, nil
}

// TrainMetrics is PolicyOptimizer.Train's returned summary.
type TrainMetrics struct {
	ExperiencesProcessed int
	MeanTDError          float64
}

// Train runs one Update per transition in batch and returns the count
// processed plus the mean TD error magnitude, per spec.md §4.9's train()
// contract. actionsFor supplies the candidate action set for a
// transition's next state (e.g. the tools available in that domain).
func (p *PolicyOptimizer) Train(batch []Transition, actionsFor func(Transition) []string) TrainMetrics {
	var sum float64
	for _, t := range batch {
		actions := actionsFor(t)
		if t.Done || len(actions) == 0 {
			actions = nil
		}
		sum += p.Update(t.State, t.Action, t.Reward, t.NextState, actions)
	}
	metrics := TrainMetrics{ExperiencesProcessed: len(batch)}
	if len(batch) > 0 {
		metrics.MeanTDError = sum / float64(len(batch))
	}
	return metrics
}

// Snapshot is an exported copy of the Q-table and hyperparameters, per
// spec.md §4.9's export()/import() contract.
type Snapshot struct {
	Alpha   float64
	Gamma   float64
	Epsilon float64
	Q       map[string]map[string]float64
}

// Export returns a deep copy of the current Q-table and hyperparameters.
func (p *PolicyOptimizer) Export() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	q := make(map[string]map[string]float64, len(p.q))
	for state, row := range p.q {
		copied := make(map[string]float64, len(row))
		for action, v := range row {
			copied[action] = v
		}
		q[state] = copied
	}
	return Snapshot{Alpha: p.alpha, Gamma: p.gamma, Epsilon: p.eps, Q: q}
}

// Import replaces the Q-table and hyperparameters with snap's contents.
func (p *PolicyOptimizer) Import(snap Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.alpha = snap.Alpha
	p.gamma = snap.Gamma
	p.eps = snap.Epsilon
	q := make(map[string]map[string]float64, len(snap.Q))
	for state, row := range snap.Q {
		copied := make(map[string]float64, len(row))
		for action, v := range row {
			copied[action] = v
		}
		q[state] = copied
	}
	p.q = q
}

// MergeWeighted folds other's Q-values into p, scaled by weight, adding
// onto any existing value for the same (state, action) pair. States
// present only in other contribute weight*Q_other, matching spec.md
// §4.10's transfer() semantics for SessionManager.Transfer.
func (p *PolicyOptimizer) MergeWeighted(other Snapshot, weight float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for state, row := range other.Q {
		for action, v := range row {
			current := p.qValueLocked(state, action)
			p.setQLocked(state, action, current+weight*v)
		}
	}
}
