// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package access

import "testing"

func TestEvaluateAnonymous(t *testing.T) {
	entries := []Entry{
		{Type: OrgUsers, SubjectID: 1, Level: LevelWrite},
		{Type: Public, SubjectID: 0, Level: LevelRead},
	}
	if got := Evaluate(entries, Anonymous); got != LevelRead {
		t.Fatalf("anonymous level = %v, want read", got)
	}
	if got := Evaluate(nil, Anonymous); got != LevelNone {
		t.Fatalf("empty entries level = %v, want none", got)
	}
}

func TestEvaluateMaxCombine(t *testing.T) {
	entries := []Entry{
		{Type: Public, Level: LevelRead},
		{Type: User, SubjectID: 7, Level: LevelWrite},
	}
	actor := Actor{UserID: 7}
	if got := Evaluate(entries, actor); got != LevelWrite {
		t.Fatalf("level = %v, want write", got)
	}
	// An entry for another user never lowers the public grant.
	other := Actor{UserID: 8}
	if got := Evaluate(entries, other); got != LevelRead {
		t.Fatalf("other user level = %v, want read", got)
	}
}

func TestEvaluateOrgUsers(t *testing.T) {
	entries := []Entry{{Type: OrgUsers, SubjectID: 3, Level: LevelWrite}}
	member := Actor{UserID: 5, UserOrgIDs: []int64{2, 3}}
	if got := Evaluate(entries, member); got != LevelWrite {
		t.Fatalf("member level = %v, want write", got)
	}
	outsider := Actor{UserID: 5, UserOrgIDs: []int64{2}}
	if got := Evaluate(entries, outsider); got != LevelNone {
		t.Fatalf("outsider level = %v, want none", got)
	}
}

func TestEvaluateOrgControllers(t *testing.T) {
	entries := []Entry{{Type: OrgControllers, SubjectID: 3, Level: LevelWrite}}
	owned := Actor{ControllerID: 11, ControllerOrgID: 3}
	if got := Evaluate(entries, owned); got != LevelWrite {
		t.Fatalf("owned controller level = %v, want write", got)
	}
	foreign := Actor{ControllerID: 11, ControllerOrgID: 4}
	if got := Evaluate(entries, foreign); got != LevelNone {
		t.Fatalf("foreign controller level = %v, want none", got)
	}
}

func TestEvaluateController(t *testing.T) {
	entries := []Entry{{Type: Controller, SubjectID: 11, Level: LevelRead}}
	if got := Evaluate(entries, Actor{ControllerID: 11}); got != LevelRead {
		t.Fatal("controller entry did not apply")
	}
	if got := Evaluate(entries, Actor{ControllerID: 12}); got != LevelNone {
		t.Fatal("controller entry applied to wrong controller")
	}
}

func TestEvaluateSystemAdmin(t *testing.T) {
	actor := Actor{UserID: 1, SystemAdmin: true}
	if got := Evaluate(nil, actor); got != LevelWrite {
		t.Fatalf("system admin level = %v, want write", got)
	}
}

func TestMergeOverridesPerKey(t *testing.T) {
	inherited := []Entry{
		{Type: OrgUsers, SubjectID: 1, Level: LevelWrite},
		{Type: Public, Level: LevelRead},
	}
	own := []Entry{{Type: OrgUsers, SubjectID: 1, Level: LevelRead}}

	merged := Merge(own, inherited)
	if len(merged) != 2 {
		t.Fatalf("merged length = %d, want 2", len(merged))
	}
	actor := Actor{UserID: 5, UserOrgIDs: []int64{1}}
	if got := Evaluate(merged, actor); got != LevelRead {
		t.Fatalf("overridden org level = %v, want read", got)
	}
	if got := Evaluate(merged, Anonymous); got != LevelRead {
		t.Fatal("uncovered public entry should be inherited")
	}
}

func TestMergeNilMeansInherit(t *testing.T) {
	inherited := []Entry{{Type: Public, Level: LevelRead}}
	merged := Merge(nil, inherited)
	if len(merged) != 1 || merged[0] != inherited[0] {
		t.Fatalf("nil own list should inherit parent entries, got %v", merged)
	}
}
