package learn

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vectorkit/vdb/pkg/distance"
)

// Session is one user's in-progress learning session: its own replay
// buffer and policy, isolated from every other session until Transfer
// deliberately merges them, per spec.md §4.10.
type Session struct {
	ID           string
	UserID       string
	Domain       string
	StartedAt    int64
	EndedAt      int64
	Ended        bool
	Transferable bool

	buffer *ReplayBuffer
	policy *PolicyOptimizer

	trainMu        sync.Mutex
	training       bool
	currentReq     trainRequest
	currentWaiters []chan trainResult
	pendingReq     *trainRequest
	pendingWaiters []chan trainResult
}

type trainRequest struct {
	batchSize  int
	actionsFor func(Transition) []string
}

type trainResult struct {
	metrics TrainMetrics
	err     error
}

// RecordInput is one tool invocation's recorded outcome, per spec.md
// §4.10's record() contract.
type RecordInput struct {
	StateEmbedding []float32
	Tool           string
	NextEmbedding  []float32
	Outcome        RewardInput
	Domain         string // defaults to the session's domain
}

// Prediction is SessionManager.Predict's result, per spec.md §4.10.
type Prediction struct {
	Recommended string
	Confidence  float32
	Reasoning   string
	SimilarPast []Experience
}

// SessionManager ties Session lifecycle, ExperienceStore, RewardEstimator,
// and PolicyOptimizer training together, the facade over pkg/learn's
// other components that spec.md §4.10 names.
type SessionManager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	experiences *ExperienceStore
	reward      *RewardEstimator
	seed        int64
}

// NewSessionManager wraps experiences, the shared log every session's
// record() calls append to and predict() calls query.
func NewSessionManager(experiences *ExperienceStore) *SessionManager {
	return &SessionManager{
		sessions:    make(map[string]*Session),
		experiences: experiences,
		reward:      NewRewardEstimator(),
	}
}

// Start allocates a new Session for userID in domain, with a fresh replay
// buffer and policy optimizer, and returns its id.
func (m *SessionManager) Start(userID, domain string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seed++
	id := uuid.NewString()
	m.sessions[id] = &Session{
		ID:        id,
		UserID:    userID,
		Domain:    domain,
		StartedAt: time.Now().UnixMilli(),
		buffer:    NewReplayBuffer(DefaultReplayCapacity, m.seed),
		policy:    NewPolicyOptimizer(0, 0, 0, m.seed),
	}
	return id
}

func (m *SessionManager) sessionLocked(id string) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("learn: session %q not found", id)
	}
	return s, nil
}

// Record computes the reward for in.Outcome, stores an Experience built
// from it, and enqueues the corresponding Transition in the session's
// replay buffer, per spec.md §4.10.
func (m *SessionManager) Record(ctx context.Context, sessionID string, in RecordInput) (float32, error) {
	m.mu.RLock()
	s, err := m.sessionLocked(sessionID)
	m.mu.RUnlock()
	if err != nil {
		return 0, err
	}
	if s.Ended {
		return 0, fmt.Errorf("learn: session %q already ended", sessionID)
	}

	r := m.reward.Estimate(in.Outcome)

	domain := in.Domain
	if domain == "" {
		domain = s.Domain
	}
	_, err = m.experiences.Store(ctx, Experience{
		Embedding:     in.StateEmbedding,
		Domain:        domain,
		Tool:          in.Tool,
		Success:       in.Outcome.Success,
		DurationMs:    in.Outcome.ExecutionMs,
		TokensUsed:    in.Outcome.TokensUsed,
		HasTokens:     in.Outcome.TokensUsed != 0,
		Quality:       r,
		HasQuality:    true,
	})
	if err != nil {
		return 0, fmt.Errorf("learn: session record: %w", err)
	}

	s.buffer.Add(Transition{
		State:     in.StateEmbedding,
		Action:    in.Tool,
		Reward:    r,
		NextState: in.NextEmbedding,
	})
	return r, nil
}

// Predict queries the experience log for similar past states, ranks
// candidateTools by similarity-weighted mean past reward, applies
// epsilon-greedy exploration via the session's policy, and reports a
// confidence score derived from the softmax margin between the top two
// candidates, per spec.md §4.10.
func (m *SessionManager) Predict(ctx context.Context, sessionID string, stateEmbedding []float32, candidateTools []string) (Prediction, error) {
	m.mu.RLock()
	s, err := m.sessionLocked(sessionID)
	m.mu.RUnlock()
	if err != nil {
		return Prediction{}, err
	}
	if len(candidateTools) == 0 {
		return Prediction{}, fmt.Errorf("learn: predict: candidateTools must be non-empty")
	}

	similar, err := m.experiences.Query(ctx, stateEmbedding, 10, ExperienceFilters{Domain: s.Domain})
	if err != nil {
		return Prediction{}, fmt.Errorf("learn: predict: %w", err)
	}

	expectedReward := make(map[string]float64, len(candidateTools))
	weightSum := make(map[string]float64, len(candidateTools))
	for _, exp := range similar {
		sim, err := distance.CosineSimilarity(stateEmbedding, exp.Embedding)
		if err != nil {
			continue
		}
		w := float64(sim)
		if w <= 0 {
			continue
		}
		expectedReward[exp.Tool] += w * float64(exp.Quality)
		weightSum[exp.Tool] += w
	}
	for tool, w := range weightSum {
		expectedReward[tool] /= w
	}

	ranked := make([]string, len(candidateTools))
	copy(ranked, candidateTools)
	sort.Slice(ranked, func(i, j int) bool {
		if expectedReward[ranked[i]] != expectedReward[ranked[j]] {
			return expectedReward[ranked[i]] > expectedReward[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})

	chosen, err := s.policy.SelectAction(stateEmbedding, ranked)
	if err != nil {
		return Prediction{}, fmt.Errorf("learn: predict: %w", err)
	}

	confidence := predictionConfidence(ranked, expectedReward)
	reasoning := fmt.Sprintf("ranked %d candidates by %d similar past experiences in domain %q", len(ranked), len(similar), s.Domain)

	return Prediction{
		Recommended: chosen,
		Confidence:  confidence,
		Reasoning:   reasoning,
		SimilarPast: similar,
	}, nil
}

// predictionConfidence is the softmax margin between the top and second
// candidate's expected reward, clamped to [0,1]. A single candidate is
// maximally confident; ties are zero confidence.
func predictionConfidence(ranked []string, expectedReward map[string]float64) float32 {
	if len(ranked) == 0 {
		return 0
	}
	if len(ranked) == 1 {
		return 1
	}
	top := expectedReward[ranked[0]]
	second := expectedReward[ranked[1]]
	margin := top - second
	confidence := 1 / (1 + math.Exp(-4*margin))
	return clampF32(float32(2*confidence - 1))
}

// TrainAsync launches one training pass for sessionID's replay buffer,
// per spec.md §5's "trained asynchronously; one training task per
// session at a time" rule. If a training task is already in flight for
// this session, the call is coalesced: its request parameters replace
// any earlier pending request, and it joins that pending request's
// waiters rather than starting a second concurrent task. The returned
// wait function blocks until this call's (possibly coalesced) run
// completes.
func (m *SessionManager) TrainAsync(sessionID string, batchSize int, actionsFor func(Transition) []string) (func() (TrainMetrics, error), error) {
	m.mu.RLock()
	s, err := m.sessionLocked(sessionID)
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = 32
	}

	ch := make(chan trainResult, 1)
	req := trainRequest{batchSize: batchSize, actionsFor: actionsFor}

	s.trainMu.Lock()
	start := !s.training
	if start {
		s.training = true
		s.currentReq = req
		s.currentWaiters = []chan trainResult{ch}
	} else {
		s.pendingReq = &req
		s.pendingWaiters = append(s.pendingWaiters, ch)
	}
	s.trainMu.Unlock()

	if start {
		go runSessionTraining(s)
	}

	return func() (TrainMetrics, error) {
		r := <-ch
		return r.metrics, r.err
	}, nil
}

// runSessionTraining runs s.currentReq, notifies its waiters, then picks
// up s.pendingReq (if any coalesced request arrived while it ran) and
// repeats until no request is pending.
func runSessionTraining(s *Session) {
	for {
		s.trainMu.Lock()
		req := s.currentReq
		waiters := s.currentWaiters
		s.trainMu.Unlock()

		batch, err := s.buffer.Sample(req.batchSize)
		var metrics TrainMetrics
		if err == nil {
			metrics = s.policy.Train(batch, req.actionsFor)
		} else {
			err = fmt.Errorf("learn: session train: %w", err)
		}
		for _, w := range waiters {
			w <- trainResult{metrics: metrics, err: err}
			close(w)
		}

		s.trainMu.Lock()
		if s.pendingReq != nil {
			s.currentReq = *s.pendingReq
			s.currentWaiters = s.pendingWaiters
			s.pendingReq = nil
			s.pendingWaiters = nil
			s.trainMu.Unlock()
			continue
		}
		s.training = false
		s.trainMu.Unlock()
		return
	}
}

// Train is a synchronous convenience wrapper around TrainAsync for
// callers that want to block for the result of one training pass.
func (m *SessionManager) Train(sessionID string, batchSize int, actionsFor func(Transition) []string) (TrainMetrics, error) {
	wait, err := m.TrainAsync(sessionID, batchSize, actionsFor)
	if err != nil {
		return TrainMetrics{}, err
	}
	return wait()
}

// End seals sessionID, marking it no longer recordable, and flags it as
// transferable if requested.
func (m *SessionManager) End(sessionID string, transferable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.sessionLocked(sessionID)
	if err != nil {
		return err
	}
	s.Ended = true
	s.EndedAt = time.Now().UnixMilli()
	s.Transferable = transferable
	return nil
}

// Transfer merges srcSessionID's policy into dstSessionID's, weighted by
// a caller-supplied domain similarity in [0,1]. Per spec.md §4.10, states
// present only in the source contribute similarity*Q_src; transfer is
// refused below a 0.5 similarity floor since low-similarity domains
// would inject noise rather than signal.
func (m *SessionManager) Transfer(srcSessionID, dstSessionID string, similarity float64) error {
	m.mu.RLock()
	src, err := m.sessionLocked(srcSessionID)
	if err != nil {
		m.mu.RUnlock()
		return err
	}
	dst, err := m.sessionLocked(dstSessionID)
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	if !src.Transferable {
		return fmt.Errorf("learn: transfer: session %q is not transferable", srcSessionID)
	}
	if similarity < 0.5 {
		return fmt.Errorf("learn: transfer: similarity %.2f below the 0.5 floor", similarity)
	}

	dst.policy.MergeWeighted(src.policy.Export(), similarity)
	return nil
}
