package tools

import (
	"encoding/json"
	"regexp"
	"strings"
)

var placeholderQueries = map[string]bool{
	"input": true, "query": true, "search": true, "pipeline": true, "title": true, "url": true, "link": true,
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

func tokenize(s string) []string {
	return tokenPattern.FindAllString(strings.ToLower(s), -1)
}

// RelevanceVocabulary is the union of tokens a proposed web_search query must
// overlap with, built from the user query, entity, intent target, expected
// variable names, and the router's vocab_hints.boost.
func RelevanceVocabulary(query, entity, target string, expectedVars, boost []string) map[string]bool {
	vocab := make(map[string]bool)
	for _, src := range append([]string{query, entity, target}, append(expectedVars, boost...)...) {
		for _, tok := range tokenize(src) {
			vocab[tok] = true
		}
	}
	return vocab
}

// IsRelevantWebSearch implements the §4.6 relevance filter: a proposed query
// must have ≥2 informative tokens, at least one token in vocab, and must not
// equal a bare placeholder.
func IsRelevantWebSearch(vocab map[string]bool) func(name string, raw json.RawMessage) bool {
	return func(name string, raw json.RawMessage) bool {
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return false
		}
		q := strings.TrimSpace(strings.ToLower(args.Query))
		if placeholderQueries[q] {
			return false
		}
		toks := tokenize(args.Query)
		if len(toks) < 2 {
			return false
		}
		overlap := false
		for _, t := range toks {
			if vocab[t] {
				overlap = true
				break
			}
		}
		return overlap
	}
}
