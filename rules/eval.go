package rules

import (
	"fmt"
	"math"

	"perpsim/feed"
	"perpsim/play"
	"perpsim/snapshot"
)

// ReasonCode classifies why a condition evaluated the way it did.
type ReasonCode uint8

const (
	ReasonOK ReasonCode = iota
	// ReasonMissingInput marks a comparison whose operand resolved to
	// Missing; the comparison is false, never an error.
	ReasonMissingInput
)

func (rc ReasonCode) String() string {
	if rc == ReasonMissingInput {
		return "R_MISSING_INPUT"
	}
	return "R_OK"
}

// value resolves an operand against the view. Missing propagates through
// arithmetic as NaN.
func (o *operand) value(v *snapshot.View) float64 {
	switch o.kind {
	case opLiteral:
		return o.lit
	case opPath:
		val, err := v.Resolve(o.path)
		if err != nil {
			// Paths are validated at load; failure here is a wiring bug.
			panic(fmt.Sprintf("invariant violation: compiled path failed to resolve: %v", err))
		}
		return val
	default:
		l := o.arith.left.value(v)
		r := o.arith.right.value(v)
		switch o.arith.op {
		case arithAdd:
			return l + r
		case arithSub:
			return l - r
		case arithMul:
			return l * r
		case arithDiv:
			if r == 0 {
				return feed.Missing
			}
			return l / r
		default:
			if r == 0 {
				return feed.Missing
			}
			return math.Mod(l, r)
		}
	}
}

func cmpScalar(op cmpOp, a, b float64) bool {
	switch op {
	case cmpGt:
		return a > b
	case cmpLt:
		return a < b
	case cmpGe:
		return a >= b
	default:
		return a <= b
	}
}

// eval computes one condition's truth for the current bar. Missing inputs
// force false and surface ReasonMissingInput.
func (n *cond) eval(v *snapshot.View) (bool, ReasonCode) {
	switch n.kind {
	case kindCmp:
		return n.evalCmp(v)

	case kindAll:
		reason := ReasonOK
		for _, ch := range n.children {
			ok, rc := ch.eval(v)
			if rc == ReasonMissingInput {
				return false, ReasonMissingInput
			}
			if !ok {
				reason = rc
				return false, reason
			}
		}
		return true, ReasonOK

	case kindAny:
		sawMissing := false
		for _, ch := range n.children {
			ok, rc := ch.eval(v)
			if ok {
				return true, ReasonOK
			}
			if rc == ReasonMissingInput {
				sawMissing = true
			}
		}
		if sawMissing {
			return false, ReasonMissingInput
		}
		return false, ReasonOK

	case kindNot:
		ok, rc := n.inner.eval(v)
		if rc == ReasonMissingInput {
			// not(MISSING) stays missing-propagating: false.
			return false, ReasonMissingInput
		}
		return !ok, ReasonOK

	case kindHoldsFor:
		cur, rc := n.inner.eval(v)
		if !cur {
			return false, rc
		}
		if !n.ring.full(n.bars - 1) {
			return false, ReasonOK
		}
		for _, past := range n.ring.last(n.bars - 1) {
			if !past {
				return false, ReasonOK
			}
		}
		return true, ReasonOK

	case kindOccurred:
		cur, rc := n.inner.eval(v)
		if cur {
			return true, ReasonOK
		}
		for _, past := range n.ring.last(n.bars - 1) {
			if past {
				return true, ReasonOK
			}
		}
		return false, rc

	default: // kindCountTrue
		count := 0
		cur, _ := n.inner.eval(v)
		if cur {
			count++
		}
		for _, past := range n.ring.last(n.bars - 1) {
			if past {
				count++
			}
		}
		return cmpScalar(n.countOp, float64(count), float64(n.countN)), ReasonOK
	}
}

func (n *cond) evalCmp(v *snapshot.View) (bool, ReasonCode) {
	a := n.lhs.value(v)
	if feed.IsMissing(a) {
		return false, ReasonMissingInput
	}
	switch n.op {
	case cmpBetween:
		lo := n.low.value(v)
		hi := n.high.value(v)
		if feed.IsMissing(lo) || feed.IsMissing(hi) {
			return false, ReasonMissingInput
		}
		return a >= lo && a <= hi, ReasonOK
	case cmpIn:
		for _, m := range n.set {
			if a == m {
				return true, ReasonOK
			}
		}
		return false, ReasonOK
	}

	b := n.rhs.value(v)
	if feed.IsMissing(b) {
		return false, ReasonMissingInput
	}
	switch n.op {
	case cmpGt, cmpLt, cmpGe, cmpLe:
		return cmpScalar(n.op, a, b), ReasonOK
	case cmpNearPct:
		return math.Abs(a-b) <= n.tol/100*math.Abs(b), ReasonOK
	case cmpNearAbs:
		return math.Abs(a-b) <= n.tol, ReasonOK
	case cmpCrossAbove:
		if !n.cross.primed || feed.IsMissing(n.cross.prevL) || feed.IsMissing(n.cross.prevR) {
			return false, ReasonMissingInput
		}
		return n.cross.prevL <= n.cross.prevR && a > b, ReasonOK
	default: // cmpCrossBelow
		if !n.cross.primed || feed.IsMissing(n.cross.prevL) || feed.IsMissing(n.cross.prevR) {
			return false, ReasonMissingInput
		}
		return n.cross.prevL >= n.cross.prevR && a < b, ReasonOK
	}
}

// Note records an emit that was skipped at lowering time, for the event log.
type Note struct {
	Group  string
	Case   string
	Reason string
}

// Evaluate runs every action group against the view with first-match case
// semantics and lowers the winning cases' emits to concrete Intents.
func (r *Rules) Evaluate(v *snapshot.View) ([]Intent, []Note) {
	var intents []Intent
	var notes []Note
	for _, g := range r.groups {
		for _, rc := range g.cases {
			ok, _ := rc.when.eval(v)
			if !ok {
				continue
			}
			for _, et := range rc.emits {
				in, note := et.lower(v)
				if note != nil {
					notes = append(notes, *note)
					continue
				}
				intents = append(intents, in)
			}
			break // first match wins within the group
		}
	}
	return intents, notes
}

// lower resolves an emit template's price expressions against the snapshot.
func (et *emitTemplate) lower(v *snapshot.View) (Intent, *Note) {
	in := Intent{
		Action: et.action, Group: et.group, Case: et.caseID,
		Order: et.order, TIF: et.tif,
		LimitPrice: feed.Missing, TriggerPrice: feed.Missing,
		StopLoss: feed.Missing, TakeProfit: feed.Missing,
		TriggerDirection: et.trigDir,
		Sizing:           et.sizing, Percent: et.percent,
		Trail: et.trail, Message: et.message,
	}
	resolve := func(op *operand, name string) (float64, *Note) {
		if op == nil {
			return feed.Missing, nil
		}
		val := op.value(v)
		if feed.IsMissing(val) {
			return feed.Missing, &Note{Group: et.group, Case: et.caseID,
				Reason: name + " resolved to missing; intent discarded"}
		}
		if val <= 0 {
			return feed.Missing, &Note{Group: et.group, Case: et.caseID,
				Reason: fmt.Sprintf("%s resolved to %.10g; intent discarded", name, val)}
		}
		return val, nil
	}

	var note *Note
	if in.LimitPrice, note = resolve(et.limit, "limit_price"); note != nil {
		return in, note
	}
	if in.TriggerPrice, note = resolve(et.trigger, "trigger_price"); note != nil {
		return in, note
	}
	if in.StopLoss, note = resolve(et.sl, "sl"); note != nil {
		return in, note
	}
	if in.TakeProfit, note = resolve(et.tp, "tp"); note != nil {
		return in, note
	}
	return in, nil
}

// EndBar advances the history state after the bar's evaluation has finished:
// window rings record the bar's inner truth values, then cross nodes capture
// the bar's operand values as next bar's previous. Calling this before
// evaluation would let the current bar see itself; the engine owns the
// ordering.
func (r *Rules) EndBar(v *snapshot.View) {
	// Compute first, commit second, so nested stateful nodes all observe
	// pre-update state while computing.
	pendingRing := make([]bool, len(r.stateful))
	type crossPending struct{ l, rt float64 }
	pendingCross := make([]crossPending, len(r.stateful))
	for i, n := range r.stateful {
		if n.ring != nil {
			ok, _ := n.inner.eval(v)
			pendingRing[i] = ok
		} else if n.cross != nil {
			pendingCross[i] = crossPending{l: n.lhs.value(v), rt: n.rhs.value(v)}
		}
	}
	for i, n := range r.stateful {
		if n.ring != nil {
			n.ring.push(pendingRing[i])
		} else if n.cross != nil {
			n.cross.prevL = pendingCross[i].l
			n.cross.prevR = pendingCross[i].rt
			n.cross.primed = true
		}
	}
}

// MaxWindowBars reports the largest duration window in the compiled play.
func (r *Rules) MaxWindowBars() int {
	max := 0
	for _, n := range r.stateful {
		if n.ring != nil && n.bars > max {
			max = n.bars
		}
	}
	return max
}
