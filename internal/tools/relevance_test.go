package tools

import (
	"encoding/json"
	"testing"
)

func TestIsRelevantWebSearch(t *testing.T) {
	vocab := RelevanceVocabulary("Is OpenAI profitable?", "OpenAI", "", []string{"profitable"}, nil)
	filter := IsRelevantWebSearch(vocab)

	cases := []struct {
		args string
		want bool
	}{
		{`{"query":"OpenAI profitable 2024"}`, true},
		{`{"query":"search"}`, false},           // placeholder
		{`{"query":"xyz"}`, false},              // single informative token, no vocab overlap
		{`{"query":"unrelated topic entirely"}`, false},
	}
	for _, c := range cases {
		if got := filter("web_search", json.RawMessage(c.args)); got != c.want {
			t.Fatalf("filter(%s) = %v, want %v", c.args, got, c.want)
		}
	}
}
