package citation

import (
	"testing"

	"enrichd/internal/answer"
	"enrichd/internal/router"
)

func TestAuthorityScore(t *testing.T) {
	cases := map[string]int{
		"https://sec.gov/filing":          100,
		"https://www.wikidata.org/wiki/Q1": 90,
		"https://en.wikipedia.org/wiki/X": 85,
		"https://example.gov/page":        80,
		"https://example.edu/page":        75,
		"https://www.bloomberg.com/a":     74,
		"https://www.example.com/a":       65,
		"not-a-url":                       0,
		"":                                0,
	}
	for in, want := range cases {
		if got := AuthorityScore(in); got != want {
			t.Fatalf("AuthorityScore(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestEvaluateRejectsDateWithOneSource(t *testing.T) {
	v := answer.Variable{Name: "founded_date", Dtype: "date", Sources: []answer.Source{{URL: "https://example.gov/a"}}}
	policy := router.EvidencePolicy{MinCorroboration: 1}
	res := Evaluate(v, policy)
	if res.OK {
		t.Fatalf("expected date variable with one source to fail even with min_corroboration=1")
	}
}

func TestEvaluateRequiresAuthority(t *testing.T) {
	v := answer.Variable{Name: "context", Dtype: "text", Sources: []answer.Source{{URL: "https://www.example.com/a"}}}
	policy := router.EvidencePolicy{MinCorroboration: 1, RequireAuthority: true}
	res := Evaluate(v, policy)
	if res.OK {
		t.Fatalf("expected failure when no source meets authority threshold")
	}
}

func TestEvaluateAccepts(t *testing.T) {
	v := answer.Variable{Name: "context", Dtype: "text", Sources: []answer.Source{{URL: "https://sec.gov/a"}}}
	policy := router.EvidencePolicy{MinCorroboration: 1, RequireAuthority: true}
	res := Evaluate(v, policy)
	if !res.OK {
		t.Fatalf("expected success, got issues: %v", res.Issues)
	}
}
