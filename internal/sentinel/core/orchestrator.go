// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Config carries the orchestrator's tunables. Zero values select the
// documented defaults.
type Config struct {
	KBWindowSize    int
	KBWindowStep    int
	KBCountMaturity int
	KBTimeMaturity  time.Duration

	IdentitySamplesRequired int

	TrustedThreshold float64
	TrustDelta       float64

	BatchGapReset int64
	GapStrike     float64
	StrikeLimit   float64

	ProvisionalBanTTL time.Duration
	RepeatBanTTL      time.Duration
	StrikeBanTTL      time.Duration

	LearnSuspendOn   float64
	LearnResumeAfter time.Duration

	// Identity-learning hygiene gates.
	IdentityTrustFloor  float64
	IdentityAllowStreak int
	IdentityNavCeiling  float64
	ContextStableMin    time.Duration

	HotTimeout  time.Duration
	ColdTimeout time.Duration

	TravelWindow time.Duration
	Physics      PhysicsConfig

	EngineVersion string
}

func (c *Config) applyDefaults() {
	if c.KBWindowSize <= 0 {
		c.KBWindowSize = KBWindowSize
	}
	if c.KBWindowStep <= 0 {
		c.KBWindowStep = KBWindowStep
	}
	if c.KBCountMaturity <= 0 {
		c.KBCountMaturity = 50
	}
	if c.KBTimeMaturity <= 0 {
		c.KBTimeMaturity = 20 * time.Second
	}
	if c.IdentitySamplesRequired <= 0 {
		c.IdentitySamplesRequired = 150
	}
	if c.TrustedThreshold <= 0 {
		c.TrustedThreshold = 0.75
	}
	if c.TrustDelta <= 0 {
		c.TrustDelta = 0.12
	}
	if c.BatchGapReset <= 0 {
		c.BatchGapReset = 10
	}
	if c.GapStrike <= 0 {
		c.GapStrike = 0.5
	}
	if c.StrikeLimit <= 0 {
		c.StrikeLimit = 3
	}
	if c.ProvisionalBanTTL <= 0 {
		c.ProvisionalBanTTL = 5 * time.Minute
	}
	if c.RepeatBanTTL <= 0 {
		c.RepeatBanTTL = time.Hour
	}
	if c.StrikeBanTTL <= 0 {
		c.StrikeBanTTL = 24 * time.Hour
	}
	if c.LearnSuspendOn <= 0 {
		c.LearnSuspendOn = 0.85
	}
	if c.LearnResumeAfter <= 0 {
		c.LearnResumeAfter = 60 * time.Second
	}
	if c.IdentityTrustFloor <= 0 {
		c.IdentityTrustFloor = 0.65
	}
	if c.IdentityAllowStreak <= 0 {
		c.IdentityAllowStreak = 5
	}
	if c.IdentityNavCeiling <= 0 {
		c.IdentityNavCeiling = 0.5
	}
	if c.ContextStableMin <= 0 {
		c.ContextStableMin = 30 * time.Second
	}
	if c.HotTimeout <= 0 {
		c.HotTimeout = 200 * time.Millisecond
	}
	if c.ColdTimeout <= 0 {
		c.ColdTimeout = time.Second
	}
	if c.EngineVersion == "" {
		c.EngineVersion = "1.0.0"
	}
}

// Per-mode fusion weights. Keyboard weight is additionally scaled by
// keyboard confidence and identity weight by sqrt of identity
// confidence, so immature evidence cannot dominate the sum.
type modeWeights struct{ kb, mouse, nav, id float64 }

var fusionWeights = map[Mode]modeWeights{
	ModeNormal:    {kb: 0.70, mouse: 0.90, nav: 1.00, id: 0.65},
	ModeChallenge: {kb: 0.85, mouse: 1.00, nav: 1.00, id: 0.85},
	// Trusted sessions discount the models that earned the trust.
	ModeTrusted: {kb: 0.56, mouse: 0.90, nav: 1.00, id: 0.39},
}

// Per-mode decision thresholds on the fused risk.
type modeThresholds struct{ challenge, block float64 }

var decisionThresholds = map[Mode]modeThresholds{
	ModeNormal:    {challenge: 0.50, block: 0.85},
	ModeChallenge: {challenge: 0.40, block: 0.75},
	ModeTrusted:   {challenge: 0.60, block: 0.92},
}

// Priority-override gates evaluated before threshold fusion.
const (
	identityBlockRisk     = 0.95
	identityBlockConf     = 0.60
	identityImmatureRisk  = 0.98
	identityCrashRisk     = 0.90
	identityLearnP95      = 0.95
	mouseBlockRisk        = 1.0
)

// EvalRequest asks for a decision on one session request.
type EvalRequest struct {
	EvalID    string         `json:"eval_id" validate:"required"`
	SessionID string         `json:"session_id" validate:"required"`
	UserID    string         `json:"user_id" validate:"required"`
	Context   RequestContext `json:"context"`
}

// EvalResponse is the decision surface returned to the caller.
type EvalResponse struct {
	EvalID     string             `json:"eval_id"`
	Decision   Decision           `json:"decision"`
	Risk       float64            `json:"risk"`
	TrustScore float64            `json:"trust_score"`
	Mode       Mode               `json:"mode"`
	Phase      Phase              `json:"phase"`
	Reasons    []string           `json:"reasons,omitempty"`
	Scores     map[string]float64 `json:"scores,omitempty"`
	Cached     bool               `json:"cached,omitempty"`

	// BanExpiresInSeconds is set on BLOCK responses backed by an active
	// ban: the remaining lockout, rounded down to whole seconds.
	BanExpiresInSeconds int64 `json:"ban_expires_in_seconds,omitempty"`
}

// Orchestrator coordinates extraction, detection, fusion and persistence
// for the whole engine. It is stateless apart from its clock; all session
// state lives in the stores.
type Orchestrator struct {
	cfg      Config
	sessions SessionStore
	models   ModelStore
	audit    AuditSink

	kb      *KeyboardExtractor
	mouse   *MouseExtractor
	physics *PhysicsDetector
	nav     *Navigator

	log zerolog.Logger
	now func() time.Time
}

// NewOrchestrator wires the engine together.
func NewOrchestrator(cfg Config, sessions SessionStore, models ModelStore, audit AuditSink, log zerolog.Logger) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:      cfg,
		sessions: sessions,
		models:   models,
		audit:    audit,
		kb:       NewKeyboardExtractor(cfg.KBWindowSize, cfg.KBWindowStep),
		mouse:    NewMouseExtractor(),
		physics:  NewPhysicsDetector(cfg.Physics),
		nav:      NewNavigator(cfg.TravelWindow),
		log:      log.With().Str("component", "orchestrator").Logger(),
		now:      time.Now,
	}
}

// IngestKeyboard folds one keyboard batch into the session under the hot
// transaction. Replayed batches return ErrBatchReplay with no state
// change; a batch-ID gap resets the behavioral buffers and costs the
// user half a strike.
func (o *Orchestrator) IngestKeyboard(ctx context.Context, batch KeyboardBatch) error {
	hctx, cancel := context.WithTimeout(ctx, o.cfg.HotTimeout)
	defer cancel()

	var gap bool
	var windows int
	_, err := o.sessions.Update(hctx, batch.SessionID, func(s *SessionState) (*SessionState, error) {
		now := o.now()
		gap, windows = false, 0
		if s == nil {
			s = NewSessionState(batch.SessionID, batch.UserID, now)
		}
		if batch.BatchID <= s.LastKeyboardBatch {
			return nil, ErrBatchReplay
		}
		if s.LastKeyboardBatch >= 0 && batch.BatchID-s.LastKeyboardBatch > o.cfg.BatchGapReset {
			gap = true
			s.ResetBehaviorBuffers()
		}
		s.LastKeyboardBatch = batch.BatchID
		ws := o.kb.Process(&s.Keyboard, batch.Events, now)
		s.AppendWindows(ws)
		windows = len(ws)
		return s, nil
	})
	if err != nil {
		return err
	}
	RecordKeyboardBatch(windows)
	if gap {
		o.penalizeGap(ctx, batch.UserID, batch.SessionID, batch.BatchID)
	}
	return nil
}

// IngestMouse folds one mouse batch into the session: stroke extraction,
// physics scoring and click accounting.
func (o *Orchestrator) IngestMouse(ctx context.Context, batch MouseBatch) error {
	hctx, cancel := context.WithTimeout(ctx, o.cfg.HotTimeout)
	defer cancel()

	var gap bool
	_, err := o.sessions.Update(hctx, batch.SessionID, func(s *SessionState) (*SessionState, error) {
		now := o.now()
		gap = false
		if s == nil {
			s = NewSessionState(batch.SessionID, batch.UserID, now)
		}
		if batch.BatchID <= s.LastMouseBatch {
			return nil, ErrBatchReplay
		}
		if s.LastMouseBatch >= 0 && batch.BatchID-s.LastMouseBatch > o.cfg.BatchGapReset {
			gap = true
			s.ResetBehaviorBuffers()
		}
		s.LastMouseBatch = batch.BatchID

		res := o.mouse.Process(&s.Mouse, batch.Events)
		s.TotalClicks += res.Clicks
		s.TeleportClicks += res.TeleportClicks
		for _, stroke := range res.Strokes {
			score, reasons := o.physics.ScoreStroke(stroke)
			if score > s.PhysicsRisk {
				s.PhysicsRisk = score
				s.PhysicsReasons = reasons
			}
		}
		return s, nil
	})
	if err != nil {
		return err
	}
	RecordMouseBatch()
	if gap {
		o.penalizeGap(ctx, batch.UserID, batch.SessionID, batch.BatchID)
	}
	return nil
}

func (o *Orchestrator) penalizeGap(ctx context.Context, userID, sessionID string, batchID int64) {
	hctx, cancel := context.WithTimeout(ctx, o.cfg.HotTimeout)
	defer cancel()
	total, err := o.sessions.IncrStrikes(hctx, userID, o.cfg.GapStrike)
	if err != nil {
		o.log.Warn().Err(err).Str("user_id", userID).Msg("gap strike not recorded")
		return
	}
	o.log.Info().
		Str("session_id", sessionID).
		Int64("batch_id", batchID).
		Float64("strikes", total).
		Msg("batch gap: buffers reset")
}

// learnPlan captures the learning work decided during an evaluation; it
// executes against the cold store only after the session state persists.
type learnPlan struct {
	hstWindows      []FeatureWindow
	identityWindows []FeatureWindow
}

// Evaluate runs the full decision pipeline for one request. Hot-store
// failures degrade to a fail-safe CHALLENGE rather than an error: the
// caller always gets a decision.
func (o *Orchestrator) Evaluate(ctx context.Context, req EvalRequest) (*EvalResponse, error) {
	now := o.now()
	hctx, cancel := context.WithTimeout(ctx, o.cfg.HotTimeout)
	defer cancel()

	fresh, err := o.sessions.ClaimEvalID(hctx, req.EvalID)
	if err != nil {
		return o.failSafe(req, err), nil
	}
	if !fresh {
		if resp := o.cachedResponse(hctx, req); resp != nil {
			return resp, nil
		}
	}

	ban, err := o.sessions.GetBan(hctx, req.UserID)
	if err != nil {
		return o.failSafe(req, err), nil
	}
	if ban != nil {
		resp := &EvalResponse{
			EvalID:              req.EvalID,
			Decision:            DecisionBlock,
			Risk:                1.0,
			Mode:                ModeChallenge,
			Phase:               PhaseUnknown,
			Reasons:             []string{"banned:" + ban.Reason},
			BanExpiresInSeconds: int64(ban.ExpiresIn / time.Second),
		}
		RecordDecision(DecisionBlock)
		o.recordAudit(ctx, req, resp, now)
		return resp, nil
	}

	strikes, err := o.sessions.GetStrikes(hctx, req.UserID)
	if err != nil {
		return o.failSafe(req, err), nil
	}

	// Cold loads: each model degrades to cold start independently.
	cctx, ccancel := context.WithTimeout(ctx, o.cfg.ColdTimeout)
	defer ccancel()
	hstModel := o.loadModel(cctx, req.UserID, ModelKeyboardHST)
	idModel := o.loadModel(cctx, req.UserID, ModelKeyboardIdentity)

	var resp *EvalResponse
	var plan learnPlan
	_, err = o.sessions.Update(hctx, req.SessionID, func(s *SessionState) (*SessionState, error) {
		if s == nil {
			s = NewSessionState(req.SessionID, req.UserID, now)
		}
		resp, plan = o.pipeline(s, req, hstModel, idModel, strikes, now)
		return s, nil
	})
	if err != nil {
		return o.failSafe(req, err), nil
	}

	RecordDecision(resp.Decision)
	if resp.Decision == DecisionBlock {
		o.applyBlock(ctx, req.UserID, resp)
	}
	o.applyLearning(ctx, req.UserID, plan)
	o.recordAudit(ctx, req, resp, now)
	return resp, nil
}

// pipeline is the deterministic core of an evaluation: it mutates the
// session state and returns the response plus the learning plan. It runs
// inside the optimistic transaction and must stay side-effect free
// beyond the state it is handed.
func (o *Orchestrator) pipeline(s *SessionState, req EvalRequest, hstModel, idModel *BehaviorModel, strikes float64, now time.Time) (*EvalResponse, learnPlan) {
	modeAtEntry := s.Mode
	navRes := o.nav.Evaluate(s, req.Context, now)
	if navRes.Score >= o.cfg.LearnSuspendOn {
		s.LearnSuspendedAt = now
	}

	kbRisk, kbLabels := scoreWindows(hstModel, s.Windows)
	idRisk, idLabels := scoreWindows(idModel, s.Windows)

	var elapsed time.Duration
	if !s.Keyboard.FirstSeenAt.IsZero() {
		elapsed = now.Sub(s.Keyboard.FirstSeenAt)
	}
	kbConf := KeyboardConfidence(s.WindowTotal, elapsed, o.cfg.KBCountMaturity, o.cfg.KBTimeMaturity)
	idConf := 0.0
	if idModel != nil {
		idConf = math.Min(1, float64(idModel.SampleCount())/float64(o.cfg.IdentitySamplesRequired))
	}

	teleport := TeleportRatio(s.TeleportClicks, s.TotalClicks)
	mouseRisk := math.Max(s.PhysicsRisk, teleport)
	mouseReasons := s.PhysicsReasons
	if teleport > s.PhysicsRisk && s.TeleportClicks > 0 {
		mouseReasons = append([]string{"teleportation"}, mouseReasons...)
	}

	w := fusionWeights[modeAtEntry]
	th := decisionThresholds[modeAtEntry]
	wkb := w.kb * kbConf
	wid := w.id * math.Sqrt(idConf)
	risk := clamp01(wkb*kbRisk + w.mouse*mouseRisk + w.nav*navRes.Score + wid*idRisk)

	decision := DecisionAllow
	var reasons []string
	switch {
	case strikes >= o.cfg.StrikeLimit:
		decision, reasons = DecisionBlock, []string{"strike_limit"}
	case mouseRisk >= mouseBlockRisk:
		decision, reasons = DecisionBlock, append([]string{"mouse_physics"}, mouseReasons...)
	case navRes.Block:
		decision, reasons = DecisionBlock, navRes.Reasons
	case idRisk >= identityBlockRisk && idConf >= identityBlockConf:
		decision, reasons = DecisionBlock, append([]string{"identity_mismatch"}, idLabels...)
	case idRisk >= identityImmatureRisk && idConf < identityBlockConf:
		decision, reasons = DecisionChallenge, []string{"immature_identity"}
	case s.WindowTotal < o.cfg.KBCountMaturity:
		decision, reasons = DecisionChallenge, []string{"hst_cold_start"}
	case risk >= th.block:
		decision, reasons = DecisionBlock, append([]string{"risk_block"}, kbLabels...)
	case risk >= th.challenge:
		decision, reasons = DecisionChallenge, append([]string{"risk_elevated"}, kbLabels...)
	}
	reasons = append(reasons, navRes.Reasons...)
	reasons = dedupe(reasons)

	// Trust stabilizer: small pull toward the evidence, hard crash on an
	// identity mismatch. The crash does not wait for model maturity; the
	// warm-up zero in the forest already shields brand-new models.
	crashed := idRisk >= identityCrashRisk
	if crashed {
		s.TrustScore = 0
	} else {
		s.TrustScore = clamp01(s.TrustScore + o.cfg.TrustDelta*(0.5-risk))
	}

	// Phase transitions: evidence volume and dwell time advance the
	// session, trust promotes it, a trust crash demotes it all the way.
	if crashed {
		s.Phase = PhaseUnknown
	} else {
		if s.Phase == PhaseUnknown && s.WindowTotal >= o.cfg.KBCountMaturity && elapsed >= o.cfg.KBTimeMaturity {
			s.Phase = PhaseVerifying
		}
		if s.Phase == PhaseVerifying && s.TrustScore >= o.cfg.TrustedThreshold {
			s.Phase = PhaseTrusted
		}
	}

	// Post-decision bookkeeping. Mode transitions take effect on the
	// next evaluation; a block burns the session back to a neutral
	// NORMAL baseline and leaves the lockout to the ban.
	switch decision {
	case DecisionBlock:
		s.TrustScore = 0
		s.ConsecutiveAllows = 0
		s.Mode = ModeNormal
	case DecisionChallenge:
		s.ConsecutiveAllows = 0
		s.Mode = ModeChallenge
	default:
		s.ConsecutiveAllows++
		if s.TrustScore >= o.cfg.TrustedThreshold {
			s.Mode = ModeTrusted
		} else {
			s.Mode = ModeNormal
		}
	}
	s.LastEvalAt = now
	s.PhysicsRisk = 0
	s.PhysicsReasons = nil

	plan := o.planLearning(s, hstModel, decision, modeAtEntry, navRes.Score, idConf, now)

	resp := &EvalResponse{
		EvalID:     req.EvalID,
		Decision:   decision,
		Risk:       risk,
		TrustScore: s.TrustScore,
		Mode:       s.Mode,
		Phase:      s.Phase,
		Reasons:    reasons,
		Scores: map[string]float64{
			"keyboard":      kbRisk,
			"mouse":         mouseRisk,
			"navigation":    navRes.Score,
			"identity":      idRisk,
			"kb_confidence": kbConf,
			"id_confidence": idConf,
		},
	}
	s.LastEval = &EvalRecord{
		EvalID:     req.EvalID,
		Decision:   decision,
		Risk:       risk,
		TrustScore: s.TrustScore,
		Mode:       s.Mode,
		Phase:      s.Phase,
		Reasons:    reasons,
		At:         now,
	}
	return resp, plan
}

// planLearning applies the selective-learning gates and consumes the
// pending windows it commits to.
func (o *Orchestrator) planLearning(s *SessionState, hstModel *BehaviorModel, decision Decision, modeAtEntry Mode, navScore, idConf float64, now time.Time) learnPlan {
	var plan learnPlan
	if len(s.Windows) == 0 {
		return plan
	}
	suspended := s.LearningSuspended(now, o.cfg.LearnResumeAfter)

	hstCold := hstModel == nil || hstModel.SampleCount() < o.cfg.KBCountMaturity
	learnHST := false
	if hstCold {
		// Cold start has no baseline to protect; anything short of a
		// block seeds the model.
		learnHST = decision != DecisionBlock
	} else {
		learnHST = decision == DecisionAllow && modeAtEntry == ModeNormal && !suspended
	}
	if learnHST {
		plan.hstWindows = append([]FeatureWindow(nil), s.Windows...)
	}

	learnID := decision == DecisionAllow &&
		modeAtEntry == ModeNormal &&
		!suspended &&
		navScore < o.cfg.IdentityNavCeiling &&
		s.TrustScore >= o.cfg.IdentityTrustFloor &&
		s.ConsecutiveAllows >= o.cfg.IdentityAllowStreak &&
		!s.ContextStableSince.IsZero() &&
		now.Sub(s.ContextStableSince) >= o.cfg.ContextStableMin
	if learnID {
		plan.identityWindows = filterByHSTPercentile(hstModel, s.Windows)
	}

	if learnHST || learnID {
		s.Windows = nil
	}
	return plan
}

// filterByHSTPercentile drops candidate windows scoring above the 95th
// percentile of the batch, so the identity model never ingests the very
// windows the anomaly model is least sure about.
func filterByHSTPercentile(hstModel *BehaviorModel, windows []FeatureWindow) []FeatureWindow {
	if hstModel == nil || len(windows) == 0 {
		return append([]FeatureWindow(nil), windows...)
	}
	scores := make([]float64, len(windows))
	for i, w := range windows {
		s, _, err := hstModel.Score(w)
		if err != nil {
			return append([]FeatureWindow(nil), windows...)
		}
		scores[i] = s
	}
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(identityLearnP95*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	cutoff := sorted[idx]
	out := make([]FeatureWindow, 0, len(windows))
	for i, w := range windows {
		if scores[i] <= cutoff {
			out = append(out, w)
		}
	}
	return out
}

// scoreRecentWindows bounds how many pending windows feed one score:
// the mean over the most recent few, so a stale window from minutes ago
// cannot keep dominating the signal.
const scoreRecentWindows = 5

// scoreWindows returns the mean anomaly score over the most recent
// pending windows plus the attribution labels of the worst one. A nil
// model scores 0.
func scoreWindows(m *BehaviorModel, windows []FeatureWindow) (float64, []string) {
	if m == nil || len(windows) == 0 {
		return 0, nil
	}
	recent := windows
	if len(recent) > scoreRecentWindows {
		recent = recent[len(recent)-scoreRecentWindows:]
	}
	var sum, worst float64
	var labels []string
	scored := 0
	for _, w := range recent {
		s, l, err := m.Score(w)
		if err != nil {
			continue
		}
		sum += s
		scored++
		if s >= worst {
			worst, labels = s, l
		}
	}
	if scored == 0 {
		return 0, nil
	}
	return sum / float64(scored), labels
}

// loadModel fetches a per-user model, mapping every failure to a cold
// start for that model only.
func (o *Orchestrator) loadModel(ctx context.Context, userID string, t ModelType) *BehaviorModel {
	m, err := o.models.Load(ctx, userID, t)
	if err != nil {
		o.log.Warn().Err(err).Str("user_id", userID).Str("model", string(t)).Msg("model load failed, cold start")
		return nil
	}
	return m
}

// applyBlock escalates a block: one full strike, plus a ban whose
// provenance and lifetime track the strike history. A first offense gets
// the short provisional ban, a repeat offender an hour, a user at the
// strike limit a day.
func (o *Orchestrator) applyBlock(ctx context.Context, userID string, resp *EvalResponse) {
	hctx, cancel := context.WithTimeout(ctx, o.cfg.HotTimeout)
	defer cancel()
	total, err := o.sessions.IncrStrikes(hctx, userID, 1)
	if err != nil {
		o.log.Error().Err(err).Str("user_id", userID).Msg("strike not recorded after block")
		total = 0
	}
	reason := "behavioral"
	if len(resp.Reasons) > 0 {
		reason = resp.Reasons[0]
	}
	ban := Ban{Provenance: "provisional", Reason: reason}
	ttl := o.cfg.ProvisionalBanTTL
	switch {
	case total >= o.cfg.StrikeLimit:
		ban.Provenance = "strikes"
		ttl = o.cfg.StrikeBanTTL
	case total > 1:
		ban.Provenance = "strike"
		ttl = o.cfg.RepeatBanTTL
	}
	if err := o.sessions.SetBan(hctx, userID, ban, ttl); err != nil {
		o.log.Error().Err(err).Str("user_id", userID).Msg("ban not recorded after block")
		return
	}
	resp.BanExpiresInSeconds = int64(ttl / time.Second)
}

// applyLearning executes the learning plan against the cold store.
// Failures are logged, never surfaced: learning is best-effort.
func (o *Orchestrator) applyLearning(ctx context.Context, userID string, plan learnPlan) {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.ColdTimeout)
	defer cancel()
	learn := func(t ModelType, windows []FeatureWindow) {
		if len(windows) == 0 {
			return
		}
		err := o.models.LearnWithRetry(cctx, userID, t, func(m *BehaviorModel) error {
			for _, w := range windows {
				if err := m.Learn(w); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			o.log.Warn().Err(err).Str("user_id", userID).Str("model", string(t)).Msg("learning skipped")
		}
	}
	learn(ModelKeyboardHST, plan.hstWindows)
	learn(ModelKeyboardIdentity, plan.identityWindows)
}

// cachedResponse answers a duplicated eval ID from the session's cached
// last decision. Returns nil when no cache is available or the cached
// record belongs to a different evaluation, forcing a fresh pass.
func (o *Orchestrator) cachedResponse(ctx context.Context, req EvalRequest) *EvalResponse {
	s, err := o.sessions.Load(ctx, req.SessionID)
	if err != nil || s == nil || s.LastEval == nil || s.LastEval.EvalID != req.EvalID {
		return nil
	}
	rec := s.LastEval
	return &EvalResponse{
		EvalID:     req.EvalID,
		Decision:   rec.Decision,
		Risk:       rec.Risk,
		TrustScore: rec.TrustScore,
		Mode:       rec.Mode,
		Phase:      rec.Phase,
		Reasons:    rec.Reasons,
		Cached:     true,
	}
}

// failSafe answers a hot-store failure: the caller gets a CHALLENGE, not
// an ALLOW and not an error page.
func (o *Orchestrator) failSafe(req EvalRequest, err error) *EvalResponse {
	RecordFailSafe()
	RecordDecision(DecisionChallenge)
	o.log.Error().Err(err).Str("session_id", req.SessionID).Msg("hot store failure, fail-safe challenge")
	return &EvalResponse{
		EvalID:   req.EvalID,
		Decision: DecisionChallenge,
		Risk:     0.5,
		Mode:     ModeChallenge,
		Phase:    PhaseUnknown,
		Reasons:  []string{"fail_safe"},
	}
}

func (o *Orchestrator) recordAudit(ctx context.Context, req EvalRequest, resp *EvalResponse, at time.Time) {
	if o.audit == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, o.cfg.ColdTimeout)
	defer cancel()
	rec := AuditRecord{
		EvalID:        req.EvalID,
		SessionID:     req.SessionID,
		UserID:        req.UserID,
		Decision:      resp.Decision,
		Risk:          resp.Risk,
		TrustScore:    resp.TrustScore,
		Mode:          resp.Mode,
		Phase:         resp.Phase,
		Scores:        resp.Scores,
		Reasons:       resp.Reasons,
		Context:       req.Context,
		EngineVersion: o.cfg.EngineVersion,
		At:            at,
	}
	if err := o.audit.Record(cctx, rec); err != nil {
		o.log.Error().Err(err).Str("eval_id", req.EvalID).Msg("audit record failed")
	}
}

func dedupe(in []string) []string {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
