// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package matchtree

// Eligibility-tree level names, outermost first.
const (
	LevelTrial = "trial"
	LevelStep  = "step"
	LevelArm   = "arm"
	LevelDose  = "dose"
)

// Structure keys of the trial document. Each level nests the next under its
// child key and carries level-specific code/id/suspension keys.
var (
	childKey = map[string]string{
		LevelTrial: "step",
		LevelStep:  "arm",
		LevelArm:   "dose_level",
	}
	childLevel = map[string]string{
		LevelTrial: LevelStep,
		LevelStep:  LevelArm,
		LevelArm:   LevelDose,
	}
	internalIDKey = map[string]string{
		LevelStep: "step_internal_id",
		LevelArm:  "arm_internal_id",
		LevelDose: "level_internal_id",
	}
	codeKey = map[string]string{
		LevelStep: "step_code",
		LevelArm:  "arm_code",
		LevelDose: "level_code",
	}
	suspensionKey = map[string]string{
		LevelArm:  "arm_suspended",
		LevelDose: "level_suspended",
	}
)

// ClauseData is the provenance of one eligibility sub-clause: where in the
// trial it sits and whether its owning level is suspended or closed. It is
// carried through compilation onto every TrialMatch produced from the
// clause's path.
type ClauseData struct {
	// Clause is the raw list of criteria maps attached to the node.
	Clause []map[string]any

	// InternalID is the level-specific internal id (step/arm/level).
	InternalID string

	// Code is the level-specific code (step_code, arm_code, level_code).
	Code string

	// CoordinatingCenter is taken from the trial document.
	CoordinatingCenter string

	// IsSuspended is true when the owning level carries a suspension flag.
	IsSuspended bool

	// Status is the trial accrual status as read from the status key.
	Status string

	// ParentPath locates the clause within the trial document.
	ParentPath []string

	// Level is the tree level the clause is attached to.
	Level string

	// ProtocolNo identifies the trial.
	ProtocolNo string
}

// Policy is the active record-inclusion policy for a run.
//
// Enabling a flag can only add matches relative to a stricter policy over the
// same inputs; it never removes any (monotonicity).
type Policy struct {
	// IncludeClosed compiles queries for clauses on closed trials and
	// suspended arms/dose levels.
	IncludeClosed bool

	// IncludeDeceased admits deceased patients into the candidate set.
	IncludeDeceased bool
}

// Excluded reports whether the clause is excluded under the policy. The
// clause text itself is never discarded; an excluded clause simply compiles
// no query.
func (p Policy) Excluded(cd *ClauseData, trialOpen bool) bool {
	if p.IncludeClosed {
		return false
	}
	return !trialOpen || cd.IsSuspended
}
