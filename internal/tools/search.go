package tools

import (
	"math"
	"sort"
	"strings"
)

// Match is one scored search hit.
type Match struct {
	Info  Info    `json:"tool"`
	Score float64 `json:"score"`
}

// Search ranks registered tools against a free-text query. An exact name
// match dominates, then whole-token overlap with the name, then substring
// hits in the name and description. Scores are clamped to [0,1] and rounded
// to two decimals; zero-score tools are omitted.
func (r *Registry) Search(query string) []Match {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	queryTokens := tokenize(query)

	var matches []Match
	for _, info := range r.List() {
		score := scoreTool(info, query, queryTokens)
		if score <= 0 {
			continue
		}
		matches = append(matches, Match{Info: info, Score: score})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Info.Name < matches[j].Info.Name
	})
	return matches
}

func scoreTool(info Info, query string, queryTokens []string) float64 {
	name := strings.ToLower(info.Name)
	desc := strings.ToLower(info.Description)

	if name == query {
		return 1.0
	}

	var score float64

	// Whole-token overlap with the name carries most of the weight.
	nameTokens := tokenize(name)
	if n := overlap(queryTokens, nameTokens); n > 0 {
		score += 0.6 * float64(n) / float64(len(queryTokens))
	}

	if strings.Contains(name, query) {
		score += 0.3
	}

	// Description hits are a weak signal.
	if n := overlap(queryTokens, tokenize(desc)); n > 0 {
		score += 0.2 * float64(n) / float64(len(queryTokens))
	}

	if score > 1 {
		score = 1
	}
	return math.Round(score*100) / 100
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '_' || r == '-' || r == '.' || r == ',' || r == ':'
	})
}

func overlap(a, b []string) int {
	set := make(map[string]bool, len(b))
	for _, t := range b {
		set[t] = true
	}
	n := 0
	for _, t := range a {
		if set[t] {
			n++
		}
	}
	return n
}
