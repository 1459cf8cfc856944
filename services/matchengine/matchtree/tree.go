// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package matchtree

import (
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedTrial wraps compilation failures caused by a structurally
// invalid trial document. Fatal for the affected trial only; other trials in
// the same run continue.
type ErrMalformedTrial struct {
	ProtocolNo string
	Reason     string
}

func (e *ErrMalformedTrial) Error() string {
	return fmt.Sprintf("malformed trial %s: %s", e.ProtocolNo, e.Reason)
}

// Options configures trial-document interpretation.
type Options struct {
	// ProtocolKey is the trial identifier field. Default "protocol_no".
	ProtocolKey string

	// StatusKey is the trial accrual-status field. Default "status".
	StatusKey string

	// OpenValues are the case-insensitive values of StatusKey that mean the
	// trial is open to accrual. Default ["open to accrual"].
	OpenValues []string
}

// DefaultOptions returns the conventional trial-document keys.
func DefaultOptions() Options {
	return Options{
		ProtocolKey: "protocol_no",
		StatusKey:   "status",
		OpenValues:  []string{"open to accrual"},
	}
}

// Path is one enumerated root-to-leaf alternative: the AND-composed
// criterion sequence and the clause data of the terminating node.
type Path struct {
	Criterion *Criterion
	Clause    *ClauseData
}

// Tree is the compiled DAG of accumulated criteria for one trial. Nodes live
// in an arena and reference children by index; there is no cyclic ownership.
type Tree struct {
	ProtocolNo string
	TrialOpen  bool

	nodes []treeNode
}

type treeNode struct {
	criteria []Criteria
	clause   *ClauseData
	children []int
}

// Compile expands a trial document into its match tree.
//
// Inputs:
//   - trial: the trial document. Structure: optional "match" clause at the
//     trial level, "treatment_list.step[]" with nested "arm[]" and
//     "dose_level[]", each optionally carrying "match".
//   - opts: document-key configuration; zero fields fall back to defaults.
//
// Outputs:
//   - *Tree: the compiled tree. Use Paths to enumerate alternatives.
//   - error: *ErrMalformedTrial when required structure is missing or typed
//     wrongly.
func Compile(trial map[string]any, opts Options) (*Tree, error) {
	if opts.ProtocolKey == "" {
		opts.ProtocolKey = "protocol_no"
	}
	if opts.StatusKey == "" {
		opts.StatusKey = "status"
	}
	if len(opts.OpenValues) == 0 {
		opts.OpenValues = []string{"open to accrual"}
	}

	protocolNo := asString(trial[opts.ProtocolKey])
	if protocolNo == "" {
		return nil, &ErrMalformedTrial{Reason: fmt.Sprintf("missing %s", opts.ProtocolKey)}
	}

	t := &Tree{
		ProtocolNo: protocolNo,
		TrialOpen:  isOpen(trial[opts.StatusKey], opts.OpenValues),
	}

	coordinatingCenter := asString(trial["coordinating_center"])
	status := asString(trial[opts.StatusKey])

	rootClause, err := extractClause(trial, protocolNo)
	if err != nil {
		return nil, err
	}
	root := treeNode{
		clause: &ClauseData{
			Clause:             rootClause,
			CoordinatingCenter: coordinatingCenter,
			Status:             status,
			ParentPath:         []string{},
			Level:              LevelTrial,
			ProtocolNo:         protocolNo,
		},
	}
	for _, m := range rootClause {
		root.criteria = append(root.criteria, Criteria{Criteria: m, Depth: 0})
	}
	t.nodes = append(t.nodes, root)

	steps, err := childGroups(treatmentList(trial), LevelTrial, protocolNo)
	if err != nil {
		return nil, err
	}
	for i, step := range steps {
		path := []string{"treatment_list", "step", strconv.Itoa(i)}
		if err := t.addLevel(0, step, LevelStep, 1, path, coordinatingCenter, status, protocolNo); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// addLevel recursively adds one group node and its children to the arena.
func (t *Tree) addLevel(parent int, group map[string]any, level string, depth int, parentPath []string, center, status, protocolNo string) error {
	clause, err := extractClause(group, protocolNo)
	if err != nil {
		return err
	}

	cd := &ClauseData{
		Clause:             clause,
		InternalID:         asString(group[internalIDKey[level]]),
		Code:               asString(group[codeKey[level]]),
		CoordinatingCenter: center,
		IsSuspended:        isSuspended(group, level),
		Status:             status,
		ParentPath:         parentPath,
		Level:              level,
		ProtocolNo:         protocolNo,
	}

	n := treeNode{clause: cd}
	n.criteria = append(n.criteria, t.nodes[parent].criteria...)
	for _, m := range clause {
		n.criteria = append(n.criteria, Criteria{Criteria: m, Depth: depth})
	}
	id := len(t.nodes)
	t.nodes = append(t.nodes, n)
	t.nodes[parent].children = append(t.nodes[parent].children, id)

	key, ok := childKey[level]
	if !ok {
		return nil
	}
	children, err := childGroups(group[key], level, protocolNo)
	if err != nil {
		return err
	}
	for i, child := range children {
		childPath := append(append([]string{}, parentPath...), key, strconv.Itoa(i))
		if err := t.addLevel(id, child, childLevel[level], depth+1, childPath, center, status, protocolNo); err != nil {
			return err
		}
	}
	return nil
}

// Paths enumerates the satisfiable alternatives under the given policy.
//
// Every node carrying its own non-empty clause terminates a path; purely
// structural nodes only nest. Clauses excluded by the policy (closed trial or
// suspended level without IncludeClosed) are skipped without compiling a
// query, but their clause text stays on the tree.
func (t *Tree) Paths(policy Policy) []Path {
	var out []Path
	for i := range t.nodes {
		n := &t.nodes[i]
		if len(n.clause.Clause) == 0 {
			continue
		}
		if policy.Excluded(n.clause, t.TrialOpen) {
			continue
		}
		out = append(out, Path{
			Criterion: NewCriterion(n.criteria...),
			Clause:    n.clause,
		})
	}
	return out
}

// NodeCount returns the number of arena nodes, including structural ones.
func (t *Tree) NodeCount() int { return len(t.nodes) }

func treatmentList(trial map[string]any) any {
	tl, ok := trial["treatment_list"].(map[string]any)
	if !ok {
		return nil
	}
	return tl["step"]
}

// childGroups coerces a nested group list out of the document.
func childGroups(v any, level, protocolNo string) ([]map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, &ErrMalformedTrial{ProtocolNo: protocolNo,
			Reason: fmt.Sprintf("%s children must be a list", level)}
	}
	out := make([]map[string]any, 0, len(list))
	for _, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, &ErrMalformedTrial{ProtocolNo: protocolNo,
				Reason: fmt.Sprintf("%s child group must be a mapping", level)}
		}
		out = append(out, m)
	}
	return out, nil
}

// extractClause reads the optional "match" clause of a group.
func extractClause(group map[string]any, protocolNo string) ([]map[string]any, error) {
	v, ok := group["match"]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, &ErrMalformedTrial{ProtocolNo: protocolNo, Reason: "match clause must be a list"}
	}
	out := make([]map[string]any, 0, len(list))
	for _, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, &ErrMalformedTrial{ProtocolNo: protocolNo, Reason: "match clause entries must be mappings"}
		}
		out = append(out, m)
	}
	return out, nil
}

func isSuspended(group map[string]any, level string) bool {
	key, ok := suspensionKey[level]
	if !ok {
		return false
	}
	switch v := group[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "y")
	default:
		return false
	}
}

func isOpen(v any, openValues []string) bool {
	s := strings.ToLower(strings.TrimSpace(asString(v)))
	for _, open := range openValues {
		if s == strings.ToLower(strings.TrimSpace(open)) {
			return true
		}
	}
	return false
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
