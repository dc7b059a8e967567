package step_test

import (
	"testing"

	"github.com/hazyhaar/rejeu/step"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		op       step.Operator
		actual   string
		expected string
		want     bool
	}{
		{step.OpEquals, "Welcome", "Welcome", true},
		{step.OpEquals, "Welcome", "welcome", false},
		{"", "same", "same", true}, // empty operator defaults to equals
		{step.OpNotEquals, "a", "b", true},
		{step.OpNotEquals, "a", "a", false},
		{step.OpContains, "Bonjour le monde", "monde", true},
		{step.OpContains, "Bonjour", "monde", false},
		{step.OpNotContains, "Bonjour", "monde", true},
		{step.OpMatches, "order #4821 confirmed", `#\d+`, true},
		{step.OpMatches, "no digits here", `#\d+`, false},
		{step.OpGT, "5", "3", true},
		{step.OpGT, "3", "5", false},
		{step.OpLT, "2.5", "3", true},
		{step.OpGTE, "3", "3", true},
		{step.OpLTE, "3", "3", true},
		{step.OpLTE, "4", "3", false},
	}
	for _, tt := range tests {
		got, err := step.Compare(tt.op, tt.actual, tt.expected)
		if err != nil {
			t.Errorf("Compare(%s, %q, %q): %v", tt.op, tt.actual, tt.expected, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Compare(%s, %q, %q) = %v, want %v", tt.op, tt.actual, tt.expected, got, tt.want)
		}
	}
}

func TestCompare_Errors(t *testing.T) {
	if _, err := step.Compare(step.OpMatches, "x", "("); err == nil {
		t.Fatal("invalid regexp should error")
	}
	if _, err := step.Compare(step.OpGT, "abc", "3"); err == nil {
		t.Fatal("non-numeric actual should error")
	}
	if _, err := step.Compare(step.OpGT, "3", "abc"); err == nil {
		t.Fatal("non-numeric expected should error")
	}
	if _, err := step.Compare("between", "1", "2"); err == nil {
		t.Fatal("unknown operator should error")
	}
}
