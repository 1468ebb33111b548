// Package classify implements the work-domain classifier and the
// validators the completion pipeline runs before and after a mutation
// (C11, §4.11).
package classify

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/hellmai/lumenflow/internal/wu"
)

// Domain is one of the work-domain classifier's output categories.
type Domain string

const (
	DomainUI      Domain = "ui"
	DomainBackend Domain = "backend"
	DomainDocs    Domain = "docs"
	DomainInfra   Domain = "infra"
	DomainMixed   Domain = "mixed"
)

// signal weights (§4.11): code-path glob match outweighs a lane hint,
// which outweighs a declared type, which outweighs a description keyword.
const (
	weightCodePath    = 1.0
	weightLaneHint    = 0.6
	weightType        = 0.3
	weightDescription = 0.2
)

// domainSignals declares, per domain, the globs/keywords/types/lane hints
// that contribute a signal, following the "Parent: Sublane" naming
// convention (e.g. "Ops: Tooling", "UI: Dashboard").
var domainSignals = map[Domain]struct {
	codePathGlobs []string
	laneHints     []string
	types         []wu.Type
	keywords      []string
}{
	DomainUI: {
		codePathGlobs: []string{"**/ui/**", "**/*.tsx", "**/*.jsx", "**/frontend/**", "**/web/**"},
		laneHints:     []string{"ui", "frontend", "dashboard"},
		keywords:      []string{"button", "screen", "dashboard", "layout", "component"},
	},
	DomainBackend: {
		codePathGlobs: []string{"**/internal/**", "**/cmd/**", "**/server/**", "**/api/**"},
		laneHints:     []string{"backend", "api", "server", "core"},
		types:         []wu.Type{wu.TypeEngineering, wu.TypeBug, wu.TypeRefactor},
		keywords:      []string{"endpoint", "handler", "service", "query"},
	},
	DomainDocs: {
		codePathGlobs: []string{"**/*.md", "**/docs/**"},
		laneHints:     []string{"docs", "documentation"},
		types:         []wu.Type{wu.TypeDocumentation},
		keywords:      []string{"readme", "guide", "document"},
	},
	DomainInfra: {
		codePathGlobs: []string{"**/terraform/**", "**/*.tf", "**/deploy/**", "**/.github/**", "**/Dockerfile"},
		laneHints:     []string{"infra", "ops", "tooling", "platform"},
		keywords:      []string{"pipeline", "deploy", "provision", "cluster"},
	},
}

// Classification is the classifier's output (§4.11).
type Classification struct {
	Domain     Domain
	Confidence float64
	Hints      []string
}

// Classify assigns a work domain with a confidence score. Confidence is
// the max matching signal weight per domain, not the sum; if two or more
// domains match on a code-path signal, the result is "mixed" regardless
// of confidence. A UI classification with confidence >= 0.5 additionally
// emits the "smoke-test" hint.
func Classify(w *wu.WU) Classification {
	scores := make(map[Domain]float64, len(domainSignals))
	codePathDomains := make(map[Domain]bool)

	parentLane, _ := w.LaneParts()
	lane := strings.ToLower(parentLane + " " + w.Lane)
	description := strings.ToLower(w.Description)

	for domain, sig := range domainSignals {
		score := 0.0
		if matchesAnyGlob(sig.codePathGlobs, w.CodePaths) {
			score = maxFloat(score, weightCodePath)
			codePathDomains[domain] = true
		}
		if containsAny(lane, sig.laneHints) {
			score = maxFloat(score, weightLaneHint)
		}
		if containsType(sig.types, w.Type) {
			score = maxFloat(score, weightType)
		}
		if containsAny(description, sig.keywords) {
			score = maxFloat(score, weightDescription)
		}
		if score > 0 {
			scores[domain] = score
		}
	}

	if len(codePathDomains) >= 2 {
		return Classification{Domain: DomainMixed, Confidence: weightCodePath}
	}

	best := Domain("")
	bestScore := 0.0
	for d, s := range scores {
		if s > bestScore || (s == bestScore && (best == "" || d < best)) {
			best, bestScore = d, s
		}
	}
	if best == "" {
		return Classification{Domain: DomainMixed, Confidence: 0}
	}

	result := Classification{Domain: best, Confidence: bestScore}
	if best == DomainUI && bestScore >= 0.5 {
		result.Hints = append(result.Hints, "smoke-test")
	}
	return result
}

func matchesAnyGlob(globs, paths []string) bool {
	for _, g := range globs {
		for _, p := range paths {
			if ok, _ := doublestar.Match(g, p); ok {
				return true
			}
		}
	}
	return false
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func containsType(types []wu.Type, t wu.Type) bool {
	for _, c := range types {
		if c == t {
			return true
		}
	}
	return false
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
