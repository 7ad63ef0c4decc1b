package rules

import (
	"fmt"
	"strings"

	"perpsim/feed"
	"perpsim/play"
	"perpsim/snapshot"
)

// ============================================================================
// Compiled representation
// ============================================================================

type cmpOp uint8

const (
	cmpGt cmpOp = iota
	cmpLt
	cmpGe
	cmpLe
	cmpCrossAbove
	cmpCrossBelow
	cmpNearPct
	cmpNearAbs
	cmpBetween
	cmpIn
)

var cmpOpByName = map[string]cmpOp{
	">": cmpGt, "<": cmpLt, ">=": cmpGe, "<=": cmpLe,
	"cross_above": cmpCrossAbove, "cross_below": cmpCrossBelow,
	"near_pct": cmpNearPct, "near_abs": cmpNearAbs,
	"between": cmpBetween, "in": cmpIn,
}

var allowedOps = []string{">", "<", ">=", "<=", "cross_above", "cross_below", "near_pct", "near_abs", "between", "in"}

type arithOp uint8

const (
	arithAdd arithOp = iota
	arithSub
	arithMul
	arithDiv
	arithMod
)

var arithOpByName = map[string]arithOp{"+": arithAdd, "-": arithSub, "*": arithMul, "/": arithDiv, "%": arithMod}

type operandKind uint8

const (
	opLiteral operandKind = iota
	opPath
	opArith
)

type operand struct {
	kind  operandKind
	lit   float64
	path  snapshot.Path
	arith *arithNode
}

type arithNode struct {
	op    arithOp
	left  operand
	right operand
}

type condKind uint8

const (
	kindCmp condKind = iota
	kindAll
	kindAny
	kindNot
	kindHoldsFor
	kindOccurred
	kindCountTrue
)

type cond struct {
	kind condKind

	// kindCmp
	op       cmpOp
	lhs, rhs operand
	tol      float64
	low      operand
	high     operand
	set      []float64
	cross    *crossState

	// kindAll / kindAny
	children []*cond

	// kindNot and the window kinds
	inner *cond
	bars  int
	ring  *boolRing

	// kindCountTrue
	countOp cmpOp
	countN  int
}

type emitTemplate struct {
	action  IntentAction
	group   string
	caseID  string
	order   OrderKind
	tif     TIF
	limit   *operand
	trigger *operand
	trigDir TriggerDirection
	sl      *operand
	tp      *operand
	sizing  play.Sizing
	percent float64
	trail   bool
	message string
}

type ruleCase struct {
	id    string
	when  *cond
	emits []*emitTemplate
}

type group struct {
	id    string
	cases []*ruleCase
}

// Rules is a fully compiled Play: path tuples resolved, operators checked,
// history buffers allocated. The evaluator does no parsing per bar.
type Rules struct {
	groups []*group
	// stateful lists every cross and window node in compile order; EndBar
	// walks it to advance history after evaluation.
	stateful []*cond
}

// ============================================================================
// Compiler
// ============================================================================

type compiler struct {
	p        *play.Play
	catalog  *snapshot.Catalog
	features map[string]play.Feature
	stateful []*cond
}

// Compile turns a validated Play into executable rules, resolving every
// feature and path against the run's catalog. All failures are ConfigError.
func Compile(p *play.Play, catalog *snapshot.Catalog) (*Rules, error) {
	c := &compiler{p: p, catalog: catalog, features: make(map[string]play.Feature, len(p.Features))}
	for _, f := range p.Features {
		c.features[f.ID] = f
	}
	r := &Rules{}
	for gi := range p.Actions {
		g, err := c.compileGroup(&p.Actions[gi])
		if err != nil {
			return nil, err
		}
		r.groups = append(r.groups, g)
	}
	r.stateful = c.stateful
	return r, nil
}

func (c *compiler) errf(where, format string, args ...any) error {
	return &play.ConfigError{Field: where, Msg: fmt.Sprintf(format, args...)}
}

func (c *compiler) compileGroup(g *play.ActionGroup) (*group, error) {
	out := &group{id: g.ID}
	for ci := range g.Cases {
		pc := &g.Cases[ci]
		where := fmt.Sprintf("actions.%s.cases[%d]", g.ID, ci)
		when, err := c.compileCond(&pc.When, where+".when")
		if err != nil {
			return nil, err
		}
		rc := &ruleCase{id: pc.ID, when: when}
		if rc.id == "" {
			rc.id = fmt.Sprintf("%s_case_%d", g.ID, ci)
		}
		if len(pc.Emit) == 0 {
			return nil, c.errf(where, "case has no emit items")
		}
		for ei := range pc.Emit {
			et, err := c.compileEmit(&pc.Emit[ei], g.ID, rc.id, fmt.Sprintf("%s.emit[%d]", where, ei))
			if err != nil {
				return nil, err
			}
			rc.emits = append(rc.emits, et)
		}
		out.cases = append(out.cases, rc)
	}
	return out, nil
}

func (c *compiler) compileCond(spec *play.Condition, where string) (*cond, error) {
	branches := 0
	if len(spec.All) > 0 {
		branches++
	}
	if len(spec.Any) > 0 {
		branches++
	}
	if spec.Not != nil {
		branches++
	}
	if spec.HoldsFor != nil {
		branches++
	}
	if spec.OccurredWithin != nil {
		branches++
	}
	if spec.CountTrue != nil {
		branches++
	}
	if spec.Op != "" {
		branches++
	}
	if branches != 1 {
		return nil, c.errf(where, "condition must have exactly one of all/any/not/holds_for_duration/occurred_within_duration/count_true_duration/op, got %d", branches)
	}

	switch {
	case len(spec.All) > 0:
		n := &cond{kind: kindAll}
		for i := range spec.All {
			ch, err := c.compileCond(&spec.All[i], fmt.Sprintf("%s.all[%d]", where, i))
			if err != nil {
				return nil, err
			}
			n.children = append(n.children, ch)
		}
		return n, nil

	case len(spec.Any) > 0:
		n := &cond{kind: kindAny}
		for i := range spec.Any {
			ch, err := c.compileCond(&spec.Any[i], fmt.Sprintf("%s.any[%d]", where, i))
			if err != nil {
				return nil, err
			}
			n.children = append(n.children, ch)
		}
		return n, nil

	case spec.Not != nil:
		inner, err := c.compileCond(spec.Not, where+".not")
		if err != nil {
			return nil, err
		}
		return &cond{kind: kindNot, inner: inner}, nil

	case spec.HoldsFor != nil:
		return c.compileWindow(kindHoldsFor, &spec.HoldsFor.Expr, spec.HoldsFor.Bars, where+".holds_for_duration")

	case spec.OccurredWithin != nil:
		return c.compileWindow(kindOccurred, &spec.OccurredWithin.Expr, spec.OccurredWithin.Bars, where+".occurred_within_duration")

	case spec.CountTrue != nil:
		ct := spec.CountTrue
		n, err := c.compileWindow(kindCountTrue, &ct.Expr, ct.Bars, where+".count_true_duration")
		if err != nil {
			return nil, err
		}
		op, ok := cmpOpByName[ct.Op]
		if !ok || op > cmpLe {
			return nil, c.errf(where+".count_true_duration.op", "operator %q not supported for counts (use >, <, >=, <=)", ct.Op)
		}
		if ct.Count < 0 {
			return nil, c.errf(where+".count_true_duration.count", "must be >= 0, got %d", ct.Count)
		}
		n.countOp = op
		n.countN = ct.Count
		return n, nil

	default:
		return c.compileCmp(spec, where)
	}
}

func (c *compiler) compileWindow(kind condKind, expr *play.Condition, bars int, where string) (*cond, error) {
	if bars < 1 {
		return nil, c.errf(where+".bars", "must be >= 1, got %d", bars)
	}
	inner, err := c.compileCond(expr, where+".expr")
	if err != nil {
		return nil, err
	}
	n := &cond{kind: kind, inner: inner, bars: bars, ring: newBoolRing(bars)}
	c.stateful = append(c.stateful, n)
	return n, nil
}

func (c *compiler) compileCmp(spec *play.Condition, where string) (*cond, error) {
	if spec.Op == "==" || spec.Op == "!=" {
		return nil, c.errf(where+".op",
			"operator %s not supported; use explicit threshold via near_pct or near_abs", spec.Op)
	}
	op, ok := cmpOpByName[spec.Op]
	if !ok {
		return nil, c.errf(where+".op", "operator %q not supported (allowed: %s)",
			spec.Op, strings.Join(allowedOps, ", "))
	}
	if spec.Left == nil {
		return nil, c.errf(where+".left", "comparison requires a left operand")
	}
	lhs, err := c.compileOperand(spec.Left, where+".left")
	if err != nil {
		return nil, err
	}
	n := &cond{kind: kindCmp, op: op, lhs: lhs}

	switch op {
	case cmpBetween:
		if spec.Low == nil || spec.High == nil {
			return nil, c.errf(where, "between requires low and high operands")
		}
		if n.low, err = c.compileOperand(spec.Low, where+".low"); err != nil {
			return nil, err
		}
		if n.high, err = c.compileOperand(spec.High, where+".high"); err != nil {
			return nil, err
		}
	case cmpIn:
		if len(spec.Set) == 0 {
			return nil, c.errf(where+".set", "in requires a non-empty literal set")
		}
		n.set = append([]float64(nil), spec.Set...)
	default:
		if spec.Right == nil {
			return nil, c.errf(where+".right", "operator %s requires a right operand", spec.Op)
		}
		if n.rhs, err = c.compileOperand(spec.Right, where+".right"); err != nil {
			return nil, err
		}
	}

	switch op {
	case cmpNearPct, cmpNearAbs:
		if spec.Tolerance <= 0 {
			return nil, c.errf(where+".tolerance", "%s requires tolerance > 0, got %.10g", spec.Op, spec.Tolerance)
		}
		n.tol = spec.Tolerance
	case cmpCrossAbove, cmpCrossBelow:
		n.cross = &crossState{prevL: feed.Missing, prevR: feed.Missing}
		c.stateful = append(c.stateful, n)
	}
	return n, nil
}

func (c *compiler) compileOperand(spec *play.Operand, where string) (operand, error) {
	set := 0
	if spec.Value != nil {
		set++
	}
	if spec.Feature != "" {
		set++
	}
	if spec.Path != "" {
		set++
	}
	if spec.Expr != nil {
		set++
	}
	if set != 1 {
		return operand{}, c.errf(where, "operand must have exactly one of value/feature/path/expr, got %d", set)
	}

	switch {
	case spec.Value != nil:
		return operand{kind: opLiteral, lit: *spec.Value}, nil

	case spec.Expr != nil:
		op, ok := arithOpByName[spec.Expr.Op]
		if !ok {
			return operand{}, c.errf(where+".expr.op", "arithmetic operator %q not supported (allowed: +, -, *, /, %%)", spec.Expr.Op)
		}
		left, err := c.compileOperand(&spec.Expr.Left, where+".expr.left")
		if err != nil {
			return operand{}, err
		}
		right, err := c.compileOperand(&spec.Expr.Right, where+".expr.right")
		if err != nil {
			return operand{}, err
		}
		return operand{kind: opArith, arith: &arithNode{op: op, left: left, right: right}}, nil

	case spec.Path != "":
		p, err := snapshot.Compile(spec.Path)
		if err != nil {
			return operand{}, &play.ConfigError{Field: where + ".path", Msg: err.Error()}
		}
		if spec.Offset > 0 {
			p.Offset += spec.Offset
		}
		if err := c.catalog.Check(p); err != nil {
			return operand{}, &play.ConfigError{Field: where + ".path", Msg: err.Error()}
		}
		return operand{kind: opPath, path: p}, nil

	default: // feature reference
		f, ok := c.features[spec.Feature]
		if !ok {
			return operand{}, c.errf(where+".feature", "unknown feature %q", spec.Feature)
		}
		var raw string
		switch f.Kind {
		case play.FeatureIndicator:
			key := f.Key
			if spec.Field != "" {
				key = f.Key + "." + spec.Field
			}
			raw = fmt.Sprintf("indicator.%s.%s", f.TF, key)
			if spec.Offset > 0 {
				raw = fmt.Sprintf("%s[%d]", raw, spec.Offset)
			}
		case play.FeatureStructure:
			if spec.Field == "" {
				return operand{}, c.errf(where+".field", "structure feature %q requires a field", f.ID)
			}
			if spec.Offset > 0 {
				return operand{}, c.errf(where+".offset", "structure feature %q does not support history offsets", f.ID)
			}
			raw = fmt.Sprintf("structure.%s.%s", f.Key, spec.Field)
		default:
			return operand{}, c.errf(where+".feature", "feature %q has unknown kind %q", f.ID, f.Kind)
		}
		p, err := snapshot.Compile(raw)
		if err != nil {
			return operand{}, &play.ConfigError{Field: where + ".feature", Msg: err.Error()}
		}
		if err := c.catalog.Check(p); err != nil {
			return operand{}, &play.ConfigError{Field: where + ".feature", Msg: err.Error()}
		}
		return operand{kind: opPath, path: p}, nil
	}
}

var intentActionByName = map[string]IntentAction{
	"enter_long": ActionEnterLong, "enter_short": ActionEnterShort,
	"exit_long": ActionExitLong, "exit_short": ActionExitShort,
	"move_stop": ActionMoveStop, "partial_tp": ActionPartialTP,
	"alert": ActionAlert,
}

var orderKindByName = map[string]OrderKind{
	"": KindMarket, "market": KindMarket, "limit": KindLimit,
	"stop_market": KindStopMarket, "stop_limit": KindStopLimit,
}

var tifByName = map[string]TIF{
	"": TIFGTC, "gtc": TIFGTC, "ioc": TIFIOC, "fok": TIFFOK, "post_only": TIFPostOnly,
}

func (c *compiler) compileEmit(spec *play.Emit, groupID, caseID, where string) (*emitTemplate, error) {
	action, ok := intentActionByName[spec.Action]
	if !ok {
		return nil, c.errf(where+".action", "unknown action %q", spec.Action)
	}
	order, ok := orderKindByName[spec.OrderType]
	if !ok {
		return nil, c.errf(where+".order_type", "unknown order type %q", spec.OrderType)
	}
	tif, ok := tifByName[spec.TimeInForce]
	if !ok {
		return nil, c.errf(where+".time_in_force", "unknown time in force %q", spec.TimeInForce)
	}

	et := &emitTemplate{
		action: action, group: groupID, caseID: caseID,
		order: order, tif: tif,
		percent: spec.Percent, trail: spec.Trail, message: spec.Message,
	}

	var err error
	if spec.LimitPrice != nil {
		if et.limit, err = c.compileOperandPtr(spec.LimitPrice, where+".limit_price"); err != nil {
			return nil, err
		}
	}
	if spec.TriggerPrice != nil {
		if et.trigger, err = c.compileOperandPtr(spec.TriggerPrice, where+".trigger_price"); err != nil {
			return nil, err
		}
	}
	if spec.StopLoss != nil {
		if et.sl, err = c.compileOperandPtr(spec.StopLoss, where+".sl"); err != nil {
			return nil, err
		}
	}
	if spec.TakeProfit != nil {
		if et.tp, err = c.compileOperandPtr(spec.TakeProfit, where+".tp"); err != nil {
			return nil, err
		}
	}

	switch order {
	case KindLimit, KindStopLimit:
		if et.limit == nil {
			return nil, c.errf(where, "%s orders require limit_price", order)
		}
	}
	switch order {
	case KindStopMarket, KindStopLimit:
		if et.trigger == nil {
			return nil, c.errf(where, "%s orders require trigger_price", order)
		}
		switch spec.TriggerDirection {
		case "rise":
			et.trigDir = TriggerRise
		case "fall":
			et.trigDir = TriggerFall
		default:
			return nil, c.errf(where+".trigger_direction", "must be rise or fall, got %q", spec.TriggerDirection)
		}
	}

	switch action {
	case ActionEnterLong, ActionEnterShort:
		et.sizing = c.p.Sizing
		if spec.Sizing != nil {
			et.sizing = *spec.Sizing
		}
		if et.sizing.Mode == play.SizingRiskPct && et.sl == nil {
			return nil, c.errf(where, "risk_pct sizing requires an sl expression")
		}
	case ActionMoveStop:
		if et.sl == nil {
			return nil, c.errf(where, "move_stop requires an sl expression")
		}
	case ActionPartialTP:
		if spec.Percent <= 0 || spec.Percent > 100 {
			return nil, c.errf(where+".percent", "partial_tp requires percent in (0, 100], got %.10g", spec.Percent)
		}
	}
	return et, nil
}

func (c *compiler) compileOperandPtr(spec *play.Operand, where string) (*operand, error) {
	op, err := c.compileOperand(spec, where)
	if err != nil {
		return nil, err
	}
	return &op, nil
}
