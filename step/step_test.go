package step_test

import (
	"testing"

	"github.com/hazyhaar/rejeu/step"
)

func TestValidate_Navigate(t *testing.T) {
	s := step.Step{Index: 0, Kind: step.Navigate, Value: "https://example.com/login"}
	if err := s.Validate(); err != nil {
		t.Fatalf("valid navigate: %v", err)
	}

	s.Value = ""
	if err := s.Validate(); err == nil {
		t.Fatal("navigate without url should fail validation")
	}
}

func TestValidate_LocatorKinds(t *testing.T) {
	for _, k := range []step.Kind{step.Click, step.Hover, step.AssertVisible, step.AssertHidden} {
		s := step.Step{Kind: k, Locator: "#submit"}
		if err := s.Validate(); err != nil {
			t.Fatalf("%s with locator: %v", k, err)
		}
		s.Locator = ""
		if err := s.Validate(); err == nil {
			t.Fatalf("%s without locator should fail validation", k)
		}
	}
}

func TestValidate_Fill(t *testing.T) {
	s := step.Step{Kind: step.Fill, Locator: "#email", Value: "a@b.com"}
	if err := s.Validate(); err != nil {
		t.Fatalf("valid fill: %v", err)
	}

	if err := (step.Step{Kind: step.Fill, Locator: "#email"}).Validate(); err == nil {
		t.Fatal("fill without value should fail validation")
	}
	if err := (step.Step{Kind: step.Fill, Value: "x"}).Validate(); err == nil {
		t.Fatal("fill without locator should fail validation")
	}
}

func TestValidate_WaitAndScroll_OptionalFields(t *testing.T) {
	if err := (step.Step{Kind: step.Wait}).Validate(); err != nil {
		t.Fatalf("bare wait: %v", err)
	}
	if err := (step.Step{Kind: step.Scroll}).Validate(); err != nil {
		t.Fatalf("bare scroll: %v", err)
	}
	if err := (step.Step{Kind: step.Scroll, Locator: ".footer"}).Validate(); err != nil {
		t.Fatalf("scroll to element: %v", err)
	}
}

func TestValidate_AssertConfigs(t *testing.T) {
	ok := step.Step{Kind: step.AssertText, Locator: "h1", Assert: &step.Assertion{Expected: "Welcome"}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid assert_text: %v", err)
	}

	if err := (step.Step{Kind: step.AssertText, Locator: "h1"}).Validate(); err == nil {
		t.Fatal("assert_text without config should fail validation")
	}

	attr := step.Step{Kind: step.AssertAttribute, Locator: "a.next", Assert: &step.Assertion{Expected: "/page/2", Attribute: "href"}}
	if err := attr.Validate(); err != nil {
		t.Fatalf("valid assert_attribute: %v", err)
	}
	attr.Assert.Attribute = ""
	if err := attr.Validate(); err == nil {
		t.Fatal("assert_attribute without attribute name should fail validation")
	}

	if err := (step.Step{Kind: step.AssertURL, Assert: &step.Assertion{Expected: "/dashboard", Operator: step.OpContains}}).Validate(); err != nil {
		t.Fatal("assert_url needs no locator")
	}
	if err := (step.Step{Kind: step.AssertURL}).Validate(); err == nil {
		t.Fatal("assert_url without expected should fail validation")
	}
}

func TestValidate_UnknownKind(t *testing.T) {
	if err := (step.Step{Kind: "teleport"}).Validate(); err == nil {
		t.Fatal("unknown kind should fail validation")
	}
}

func TestValidateAll_IndexOrder(t *testing.T) {
	steps := []step.Step{
		{Index: 0, Kind: step.Navigate, Value: "https://example.com"},
		{Index: 1, Kind: step.Click, Locator: "#go"},
	}
	if err := step.ValidateAll(steps); err != nil {
		t.Fatalf("valid sequence: %v", err)
	}

	steps[1].Index = 5
	if err := step.ValidateAll(steps); err == nil {
		t.Fatal("sparse indexes should fail validation")
	}
}

func TestIsAssertion(t *testing.T) {
	if step.Click.IsAssertion() {
		t.Fatal("click is not an assertion")
	}
	if !step.AssertURL.IsAssertion() {
		t.Fatal("assert_url is an assertion")
	}
}

func TestWithLocator_DoesNotMutate(t *testing.T) {
	orig := step.Step{Index: 2, Kind: step.Click, Locator: "#submit"}
	healed := orig.WithLocator(`[data-testid="signin-btn"]`)
	if orig.Locator != "#submit" {
		t.Fatal("WithLocator mutated the original step")
	}
	if healed.Locator != `[data-testid="signin-btn"]` || healed.Index != 2 {
		t.Fatalf("healed copy wrong: %+v", healed)
	}
}
