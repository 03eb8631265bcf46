// Package policy implements the declarative policy graph: a directed
// acyclic graph of condition, operator, and action nodes evaluated
// against a request context to an allow/deny/throttle decision.
//
// Graphs are validated at load time (structure, predicates, schema,
// acyclicity) and are immutable afterwards; activation swaps whole
// versioned graphs atomically, never mutating one in flight.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
)

// ErrInvalidGraph is the load-time configuration error. A graph that
// fails validation is rejected before serving any traffic; there is
// no degraded runtime mode.
var ErrInvalidGraph = errors.New("policy: invalid graph")

// NodeKind discriminates graph nodes.
type NodeKind string

const (
	KindCondition NodeKind = "condition"
	KindOperator  NodeKind = "operator"
	KindAction    NodeKind = "action"
)

// EdgeLabel discriminates outgoing edges. Condition and operator
// nodes branch on true/false; "next" edges feed operand values into
// operator nodes.
type EdgeLabel string

const (
	EdgeTrue  EdgeLabel = "true-branch"
	EdgeFalse EdgeLabel = "false-branch"
	EdgeNext  EdgeLabel = "next"
)

// PredicateKind selects the condition check.
type PredicateKind string

const (
	PredicateDIDPattern PredicateKind = "did_pattern"
	PredicateTrustLevel PredicateKind = "trust_at_least"
	PredicateAttribute  PredicateKind = "attribute_compare"
	PredicateTimeWindow PredicateKind = "time_window"
	PredicateCEL        PredicateKind = "cel"
)

// OperatorType selects the boolean combination. Both operators
// short-circuit: AND skips its second operand when the first is
// false, OR when the first is true.
type OperatorType string

const (
	OperatorAND OperatorType = "AND"
	OperatorOR  OperatorType = "OR"
)

// Effect is a terminal action outcome.
type Effect string

const (
	EffectAllow    Effect = "allow"
	EffectDeny     Effect = "deny"
	EffectThrottle Effect = "throttle"
)

// NodeConfig carries the kind-specific configuration.
type NodeConfig struct {
	// Condition fields.
	Predicate PredicateKind `json:"predicate,omitempty"`
	Pattern   string        `json:"pattern,omitempty"`
	MinTrust  string        `json:"min_trust,omitempty"`
	Attribute string        `json:"attribute,omitempty"`
	Compare   string        `json:"compare,omitempty"` // eq ne lt le gt ge
	Value     any           `json:"value,omitempty"`
	StartHour string        `json:"start,omitempty"` // "HH:MM"
	EndHour   string        `json:"end,omitempty"`   // "HH:MM"
	Expr      string        `json:"expr,omitempty"`  // CEL

	// Operator fields.
	Operator OperatorType `json:"operator,omitempty"`

	// Action fields.
	Effect          Effect `json:"effect,omitempty"`
	ThrottlePercent int    `json:"throttle_percent,omitempty"`
}

// Node is one vertex of the policy graph.
type Node struct {
	ID     string     `json:"id"`
	Kind   NodeKind   `json:"kind"`
	Config NodeConfig `json:"config"`
}

// Edge is one directed edge of the policy graph.
type Edge struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	Label EdgeLabel `json:"label"`
}

// Document is the external JSON form of a policy graph, as produced
// by external policy editors.
type Document struct {
	Version string `json:"version"`
	Name    string `json:"name"`
	Entry   string `json:"entry"`
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges"`
}

// Graph is a validated, immutable policy graph ready for evaluation.
type Graph struct {
	Version string
	Name    string
	Hash    string

	entry    string
	nodes    map[string]*Node
	branches map[string]map[EdgeLabel]string
	// inputs holds operator operand node IDs in document edge order;
	// the first listed "next" edge is the first (short-circuit)
	// operand.
	inputs   map[string][]string
	programs map[string]cel.Program
}

// Entry returns the designated entry node ID.
func (g *Graph) Entry() string { return g.entry }

// Node returns a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Load parses, schema-validates, and structurally validates a policy
// graph document. Any violation, including a cycle, is a load-time
// ErrInvalidGraph; evaluation can assume a well-formed DAG.
func Load(raw []byte) (*Graph, error) {
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGraph, err)
	}
	return compile(&doc, raw)
}

// LoadDocument validates an already-parsed document. Used by sources
// that build documents programmatically.
func LoadDocument(doc *Document) (*Graph, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGraph, err)
	}
	return Load(raw)
}

func compile(doc *Document, raw []byte) (*Graph, error) {
	sum := sha256.Sum256(raw)
	g := &Graph{
		Version:  doc.Version,
		Name:     doc.Name,
		Hash:     "sha256:" + hex.EncodeToString(sum[:]),
		entry:    doc.Entry,
		nodes:    make(map[string]*Node, len(doc.Nodes)),
		branches: make(map[string]map[EdgeLabel]string),
		inputs:   make(map[string][]string),
		programs: make(map[string]cel.Program),
	}

	for i := range doc.Nodes {
		n := doc.Nodes[i]
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrInvalidGraph, n.ID)
		}
		g.nodes[n.ID] = &n
	}

	if _, ok := g.nodes[doc.Entry]; !ok {
		return nil, fmt.Errorf("%w: entry node %q not defined", ErrInvalidGraph, doc.Entry)
	}

	for _, e := range doc.Edges {
		if _, ok := g.nodes[e.From]; !ok {
			return nil, fmt.Errorf("%w: edge from undefined node %q", ErrInvalidGraph, e.From)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return nil, fmt.Errorf("%w: edge to undefined node %q", ErrInvalidGraph, e.To)
		}
		switch e.Label {
		case EdgeTrue, EdgeFalse:
			out := g.branches[e.From]
			if out == nil {
				out = make(map[EdgeLabel]string, 2)
				g.branches[e.From] = out
			}
			if _, dup := out[e.Label]; dup {
				return nil, fmt.Errorf("%w: node %q has duplicate %s edge", ErrInvalidGraph, e.From, e.Label)
			}
			out[e.Label] = e.To
		case EdgeNext:
			if g.nodes[e.To].Kind != KindOperator {
				return nil, fmt.Errorf("%w: next edge into non-operator node %q", ErrInvalidGraph, e.To)
			}
			g.inputs[e.To] = append(g.inputs[e.To], e.From)
		default:
			return nil, fmt.Errorf("%w: unknown edge label %q", ErrInvalidGraph, e.Label)
		}
	}

	if err := g.validateNodes(); err != nil {
		return nil, err
	}
	if err := g.checkAcyclic(doc.Edges); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) validateNodes() error {
	env, err := celEnv()
	if err != nil {
		return fmt.Errorf("policy: cel environment: %w", err)
	}

	for id, n := range g.nodes {
		switch n.Kind {
		case KindCondition, KindOperator:
			out := g.branches[id]
			if len(out) != 2 {
				return fmt.Errorf("%w: node %q needs exactly one true-branch and one false-branch edge", ErrInvalidGraph, id)
			}
			if n.Kind == KindOperator {
				if n.Config.Operator != OperatorAND && n.Config.Operator != OperatorOR {
					return fmt.Errorf("%w: operator node %q has unknown operator %q", ErrInvalidGraph, id, n.Config.Operator)
				}
				deps := g.inputs[id]
				if len(deps) != 2 {
					return fmt.Errorf("%w: operator node %q needs exactly two upstream dependencies, got %d", ErrInvalidGraph, id, len(deps))
				}
				for _, dep := range deps {
					if kind := g.nodes[dep].Kind; kind == KindAction {
						return fmt.Errorf("%w: operator node %q depends on action node %q", ErrInvalidGraph, id, dep)
					}
				}
			} else if err := g.validateCondition(env, n); err != nil {
				return err
			}
		case KindAction:
			if len(g.branches[id]) != 0 || len(g.inputs[id]) != 0 {
				return fmt.Errorf("%w: action node %q must be terminal", ErrInvalidGraph, id)
			}
			switch n.Config.Effect {
			case EffectAllow, EffectDeny:
			case EffectThrottle:
				if n.Config.ThrottlePercent <= 0 || n.Config.ThrottlePercent > 100 {
					return fmt.Errorf("%w: action node %q throttle percent out of range", ErrInvalidGraph, id)
				}
			default:
				return fmt.Errorf("%w: action node %q has unknown effect %q", ErrInvalidGraph, id, n.Config.Effect)
			}
		default:
			return fmt.Errorf("%w: node %q has unknown kind %q", ErrInvalidGraph, id, n.Kind)
		}
	}
	return nil
}

func (g *Graph) validateCondition(env *cel.Env, n *Node) error {
	switch n.Config.Predicate {
	case PredicateDIDPattern:
		if n.Config.Pattern == "" {
			return fmt.Errorf("%w: condition %q missing pattern", ErrInvalidGraph, n.ID)
		}
	case PredicateTrustLevel:
		if _, err := parseTrust(n.Config.MinTrust); err != nil {
			return fmt.Errorf("%w: condition %q: %v", ErrInvalidGraph, n.ID, err)
		}
	case PredicateAttribute:
		if n.Config.Attribute == "" || !validCompare(n.Config.Compare) {
			return fmt.Errorf("%w: condition %q needs attribute and comparator", ErrInvalidGraph, n.ID)
		}
	case PredicateTimeWindow:
		if _, err := parseClock(n.Config.StartHour); err != nil {
			return fmt.Errorf("%w: condition %q: %v", ErrInvalidGraph, n.ID, err)
		}
		if _, err := parseClock(n.Config.EndHour); err != nil {
			return fmt.Errorf("%w: condition %q: %v", ErrInvalidGraph, n.ID, err)
		}
	case PredicateCEL:
		ast, issues := env.Compile(n.Config.Expr)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("%w: condition %q cel compile: %v", ErrInvalidGraph, n.ID, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return fmt.Errorf("%w: condition %q cel program: %v", ErrInvalidGraph, n.ID, err)
		}
		g.programs[n.ID] = prg
	default:
		return fmt.Errorf("%w: condition %q has unknown predicate %q", ErrInvalidGraph, n.ID, n.Config.Predicate)
	}
	return nil
}

// checkAcyclic runs Kahn's topological sort over every edge,
// including operand dependencies. Leftover nodes mean a cycle.
func (g *Graph) checkAcyclic(edges []Edge) error {
	indegree := make(map[string]int, len(g.nodes))
	adjacency := make(map[string][]string, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = 0
	}
	for _, e := range edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
		indegree[e.To]++
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adjacency[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(g.nodes) {
		return fmt.Errorf("%w: graph contains a cycle", ErrInvalidGraph)
	}
	return nil
}

func validCompare(op string) bool {
	switch op {
	case "eq", "ne", "lt", "le", "gt", "ge":
		return true
	}
	return false
}
