package match

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// scoreCache caches compiled ranking expressions across matching runs.
var scoreCache = struct {
	mu    sync.RWMutex
	progs map[string]*vm.Program
}{progs: make(map[string]*vm.Program)}

// exprScores evaluates the custom ranking expression once per slot and
// returns scores keyed by slot key. Slots whose evaluation fails score zero
// rather than failing the match.
//
// The expression environment exposes:
//   - start_unix:  slot start as Unix seconds
//   - hour:        slot start hour of day (UTC)
//   - weekday:     slot start weekday, 0 = Sunday
//   - interviewer: interviewer id
//   - load:        interviewer's current booked count
//   - skills:      interviewer skill tags
//   - skill_match: overlap count with the required skills
func exprScores(slots []Slot, byID map[string]Interviewer, req Request) map[string]float64 {
	prog, err := compileScoreExpr(req.ScoreExpr)
	if err != nil {
		return nil
	}

	scores := make(map[string]float64, len(slots))
	for _, s := range slots {
		iv := byID[s.InterviewerID]
		env := map[string]any{
			"start_unix":  s.Start.Unix(),
			"hour":        s.Start.UTC().Hour(),
			"weekday":     int(s.Start.UTC().Weekday()),
			"interviewer": s.InterviewerID,
			"load":        iv.Load,
			"skills":      iv.Skills,
			"skill_match": skillOverlap(iv.Skills, req.RequiredSkills),
		}
		out, err := vm.Run(prog, env)
		if err != nil {
			continue
		}
		scores[s.Key()] = toFloat(out)
	}
	return scores
}

func compileScoreExpr(expression string) (*vm.Program, error) {
	scoreCache.mu.RLock()
	if prog, ok := scoreCache.progs[expression]; ok {
		scoreCache.mu.RUnlock()
		return prog, nil
	}
	scoreCache.mu.RUnlock()

	scoreCache.mu.Lock()
	defer scoreCache.mu.Unlock()

	if prog, ok := scoreCache.progs[expression]; ok {
		return prog, nil
	}

	prog, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	scoreCache.progs[expression] = prog
	return prog, nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case bool:
		if n {
			return 1
		}
		return 0
	default:
		return 0
	}
}
