package learn

// RewardInput is the observed outcome of one tool invocation that
// RewardEstimator.Estimate scores, per spec.md §4.10.
type RewardInput struct {
	Success      bool
	ExecutionMs  float64
	TargetMs     float64 // default 1000
	Quality      float32 // caller-supplied in [0,1]; default 0.5 if HasQuality is false
	HasQuality   bool
	TokensUsed   int
	TokenBudget  int // default 1000
}

// Reward weights from spec.md §4.10: success 0.4, efficiency 0.3,
// quality 0.2, cost 0.1.
const (
	rewardSuccessWeight    = 0.4
	rewardEfficiencyWeight = 0.3
	rewardQualityWeight    = 0.2
	rewardCostWeight       = 0.1
)

// RewardEstimator computes the scalar training signal SessionManager
// feeds to PolicyOptimizer, per spec.md §4.10's fixed weighted formula.
type RewardEstimator struct{}

// NewRewardEstimator returns a RewardEstimator. It holds no state; the
// formula is pure, matching spec.md §9's rejection of custom
// caller-supplied reward functions.
func NewRewardEstimator() *RewardEstimator {
	return &RewardEstimator{}
}

// Estimate computes
//
//	0.4*success + 0.3*efficiency + 0.2*quality + 0.1*cost
//
// where efficiency = max(0, 1-execution_ms/target_ms) and
// cost = max(0, 1-tokens_used/token_budget). The result is always in
// [0,1] since every term is.
func (RewardEstimator) Estimate(in RewardInput) float32 {
	targetMs := in.TargetMs
	if targetMs == 0 {
		targetMs = 1000
	}
	tokenBudget := in.TokenBudget
	if tokenBudget == 0 {
		tokenBudget = 1000
	}
	quality := in.Quality
	if !in.HasQuality {
		quality = 0.5
	}

	successTerm := float32(0)
	if in.Success {
		successTerm = 1
	}
	efficiencyTerm := clampF32(1 - float32(in.ExecutionMs/targetMs))
	costTerm := clampF32(1 - float32(float64(in.TokensUsed)/float64(tokenBudget)))

	total := rewardSuccessWeight*successTerm +
		rewardEfficiencyWeight*efficiencyTerm +
		rewardQualityWeight*quality +
		rewardCostWeight*costTerm
	return clampF32(total)
}

func clampF32(f float32) float32 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
