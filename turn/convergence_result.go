package turn

// ConvergenceSignals are the four boolean detectors the Budget &
// Convergence Controller (C4) computes over a session's recent turns
// (spec.md §4.4). The type lives here, rather than in the convergence
// package, so that Session.ShouldAutoComplete (owned by C1) can consume
// it without C1 importing C4 — C4 already must import C1 to read
// session state, and the spec's own data flow (C1.should_auto_complete
// consumes a C4 result) would otherwise form an import cycle.
type ConvergenceSignals struct {
	RepetitiveContent  bool
	ExplicitCompletion bool
	ResourceExhaustion bool
	QualityDegradation bool
}

// ConvergenceResult is the composite output of a convergence analysis
// pass: the raw signals, the derived continue/stop recommendation, a
// saturated confidence score, and human-readable recommendations keyed
// off whichever signal dominated the decision.
type ConvergenceResult struct {
	Signals         ConvergenceSignals
	ShouldContinue  bool
	Confidence      float64
	DominantSignal  string
	Recommendations []string
}

// ShouldAutoComplete is a pure function over a convergence result and
// the session's own resource state. It never blocks or suspends
// (spec.md §4.1) and returns true iff any of:
//   - an explicit completion signal with confidence >= 0.8
//   - resource exhaustion (>=95% of turn or cost budget consumed) with
//     confidence >= 0.6
//   - repetitive content paired with quality degradation (low
//     progress) with confidence >= 0.7
//
// Note the weight an explicit completion alone contributes to
// ConvergenceResult.Confidence (0.5, per the composite weighting in
// spec.md §4.4) never reaches this method's own 0.8 gate by itself —
// that composite score answers "how strongly do the combined signals
// argue for stopping", a different question from "is this one signal
// trustworthy". This method is C1's own convenience shortcut
// (status reports, chat-shape projections); the orchestrator does not
// rely on it alone to decide termination. It asks C4's
// ConvergenceResult.ShouldContinue first (spec.md §2: "updates C4 and
// asks whether to continue"), which already treats a bare explicit
// completion as sufficient to stop, and only layers this method's
// resource-exhaustion/degradation shortcut on top.
func (s *Session) ShouldAutoComplete(conv ConvergenceResult) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if conv.Signals.ExplicitCompletion && conv.Confidence >= 0.8 {
		return true
	}

	var usedTurnRatio, usedCostRatio float64
	if s.maxTurns > 0 {
		usedTurnRatio = float64(len(s.turnHistory)) / float64(s.maxTurns)
	}
	if !s.budget.IsZero() {
		usedCostRatio, _ = s.totalCost.Div(s.budget).Float64()
	}
	if (usedTurnRatio >= 0.95 || usedCostRatio >= 0.95) && conv.Confidence >= 0.6 {
		return true
	}

	if conv.Signals.RepetitiveContent && conv.Signals.QualityDegradation && conv.Confidence >= 0.7 {
		return true
	}

	return false
}
