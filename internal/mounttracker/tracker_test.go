// Copyright (C) 2014 The Anything-Logger Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package mounttracker

import (
	"reflect"
	"testing"
)

func TestDiffMinorsAdditionsAndRemovals(t *testing.T) {
	prev := []int{1, 2, 3}
	cur := []int{2, 3, 4}

	removals, additions := diffMinors(prev, cur)
	if !reflect.DeepEqual(removals, []int{1}) {
		t.Errorf("removals = %v, want [1]", removals)
	}
	if !reflect.DeepEqual(additions, []int{4}) {
		t.Errorf("additions = %v, want [4]", additions)
	}
}

func TestDiffMinorsNoChange(t *testing.T) {
	prev := []int{5, 6}
	cur := []int{5, 6}
	removals, additions := diffMinors(prev, cur)
	if len(removals) != 0 || len(additions) != 0 {
		t.Errorf("expected no diff, got removals=%v additions=%v", removals, additions)
	}
}

func TestDiffMinorsAllRemoved(t *testing.T) {
	prev := []int{1, 2}
	cur := []int(nil)
	removals, additions := diffMinors(prev, cur)
	if !reflect.DeepEqual(removals, []int{1, 2}) {
		t.Errorf("removals = %v, want [1 2]", removals)
	}
	if len(additions) != 0 {
		t.Errorf("expected no additions, got %v", additions)
	}
}

func TestDiffMinorsAllAdded(t *testing.T) {
	prev := []int(nil)
	cur := []int{7, 8}
	removals, additions := diffMinors(prev, cur)
	if len(removals) != 0 {
		t.Errorf("expected no removals, got %v", removals)
	}
	if !reflect.DeepEqual(additions, []int{7, 8}) {
		t.Errorf("additions = %v, want [7 8]", additions)
	}
}
