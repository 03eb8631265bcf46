package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/gowebpki/jcs"
)

// Decision is the terminal outcome of one evaluation.
type Decision struct {
	Effect          Effect   `json:"effect"`
	ThrottlePercent int      `json:"throttle_percent,omitempty"`
	ActionNodeID    string   `json:"action_node_id"`
	Path            []string `json:"path"`
	GraphVersion    string   `json:"graph_version"`
	GraphHash       string   `json:"graph_hash"`
	DecisionHash    string   `json:"decision_hash"`
}

// Evaluate walks the graph from its entry node to a terminal action.
// It is pure: no clock reads, no I/O, no mutation of graph or
// context. The same (graph, context) pair always yields the same
// decision.
func Evaluate(g *Graph, rc *RequestContext) (*Decision, error) {
	var path []string

	// evalBool resolves the boolean value of a condition or operator
	// node used as an operand. Operators recurse over their two
	// upstream dependencies with short-circuit semantics.
	var evalBool func(id string) (bool, error)
	evalBool = func(id string) (bool, error) {
		n, ok := g.nodes[id]
		if !ok {
			return false, fmt.Errorf("%w: undefined node %q", ErrInvalidGraph, id)
		}
		path = append(path, id)

		switch n.Kind {
		case KindCondition:
			return g.evalPredicate(n, rc), nil
		case KindOperator:
			deps := g.inputs[id]
			first, err := evalBool(deps[0])
			if err != nil {
				return false, err
			}
			switch n.Config.Operator {
			case OperatorAND:
				if !first {
					return false, nil
				}
			case OperatorOR:
				if first {
					return true, nil
				}
			}
			return evalBool(deps[1])
		default:
			return false, fmt.Errorf("%w: node %q cannot produce a boolean", ErrInvalidGraph, id)
		}
	}

	id := g.entry
	for steps := 0; steps <= len(g.nodes); steps++ {
		n, ok := g.nodes[id]
		if !ok {
			return nil, fmt.Errorf("%w: undefined node %q", ErrInvalidGraph, id)
		}

		if n.Kind == KindAction {
			path = append(path, id)
			d := &Decision{
				Effect:          n.Config.Effect,
				ThrottlePercent: n.Config.ThrottlePercent,
				ActionNodeID:    id,
				Path:            path,
				GraphVersion:    g.Version,
				GraphHash:       g.Hash,
			}
			hash, err := decisionHash(d)
			if err != nil {
				return nil, err
			}
			d.DecisionHash = hash
			return d, nil
		}

		b, err := evalBool(id)
		if err != nil {
			return nil, err
		}
		if b {
			id = g.branches[id][EdgeTrue]
		} else {
			id = g.branches[id][EdgeFalse]
		}
	}

	// Unreachable on a validated DAG.
	return nil, fmt.Errorf("%w: evaluation exceeded node count", ErrInvalidGraph)
}

// decisionHash produces a deterministic content hash of the decision
// (excluding the hash field itself) using JCS canonical JSON. The
// hash binds audit records to the exact graph version and action that
// fired.
func decisionHash(d *Decision) (string, error) {
	raw, err := json.Marshal(struct {
		Effect          Effect   `json:"effect"`
		ThrottlePercent int      `json:"throttle_percent"`
		ActionNodeID    string   `json:"action_node_id"`
		Path            []string `json:"path"`
		GraphVersion    string   `json:"graph_version"`
		GraphHash       string   `json:"graph_hash"`
	}{d.Effect, d.ThrottlePercent, d.ActionNodeID, d.Path, d.GraphVersion, d.GraphHash})
	if err != nil {
		return "", fmt.Errorf("policy: marshal decision: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("policy: canonicalize decision: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// celEnv declares the variables available to CEL conditions.
func celEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("did", cel.StringType),
		cel.Variable("tool", cel.StringType),
		cel.Variable("trust_level", cel.IntType),
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.DynType)),
	)
}
