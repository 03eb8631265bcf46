package policy

import (
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/agent-trust-protocol/core/pkg/identity"
)

// RequestContext is the ephemeral input to one policy evaluation.
// Now is supplied by the caller so the evaluator itself never reads a
// clock: identical (graph, context) pairs always decide identically.
type RequestContext struct {
	DID        string
	TrustLevel identity.TrustLevel
	ToolName   string
	Attributes map[string]any
	Now        time.Time
}

// evalPredicate evaluates one condition against a context. Missing
// attributes and uncomparable values are false, never an error: the
// documented fail-closed default.
func (g *Graph) evalPredicate(n *Node, rc *RequestContext) bool {
	cfg := n.Config
	switch cfg.Predicate {
	case PredicateDIDPattern:
		ok, err := path.Match(cfg.Pattern, rc.DID)
		return err == nil && ok

	case PredicateTrustLevel:
		min, err := parseTrust(cfg.MinTrust)
		if err != nil {
			return false
		}
		return rc.TrustLevel.AtLeast(min)

	case PredicateAttribute:
		value, ok := rc.Attributes[cfg.Attribute]
		if !ok {
			return false
		}
		return compareValues(value, cfg.Compare, cfg.Value)

	case PredicateTimeWindow:
		start, err := parseClock(cfg.StartHour)
		if err != nil {
			return false
		}
		end, err := parseClock(cfg.EndHour)
		if err != nil {
			return false
		}
		return inWindow(minutesOfDay(rc.Now), start, end)

	case PredicateCEL:
		prg, ok := g.programs[n.ID]
		if !ok {
			return false
		}
		out, _, err := prg.Eval(map[string]any{
			"did":         rc.DID,
			"tool":        rc.ToolName,
			"trust_level": int64(rc.TrustLevel),
			"attributes":  rc.Attributes,
		})
		if err != nil {
			// Runtime CEL errors (e.g. absent map keys) fail closed.
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b

	default:
		return false
	}
}

func parseTrust(s string) (identity.TrustLevel, error) {
	return identity.ParseTrustLevel(s)
}

// compareValues applies a comparator across JSON scalar types.
// Numbers compare numerically, strings lexically for eq/ne only;
// anything else is false.
func compareValues(left any, op string, right any) bool {
	ln, lok := toFloat(left)
	rn, rok := toFloat(right)
	if lok && rok {
		switch op {
		case "eq":
			return ln == rn
		case "ne":
			return ln != rn
		case "lt":
			return ln < rn
		case "le":
			return ln <= rn
		case "gt":
			return ln > rn
		case "ge":
			return ln >= rn
		}
		return false
	}

	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch op {
		case "eq":
			return ls == rs
		case "ne":
			return ls != rs
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// parseClock parses "HH:MM" into minutes of day.
func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad clock value %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return h*60 + m, nil
}

func minutesOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// inWindow handles windows that wrap past midnight: start 22:00,
// end 06:00 covers the night hours.
func inWindow(now, start, end int) bool {
	if start <= end {
		return now >= start && now < end
	}
	return now >= start || now < end
}
