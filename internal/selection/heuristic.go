package selection

import (
	"strings"

	"github.com/conciergelab/concierge/internal/tool"
)

// microMenuCap bounds the heuristic menu so the classifier prompt stays
// small on a confident domain match.
const microMenuCap = 8

// domainRule maps a keyword cluster to the servers and tool-name prefixes
// that serve it.
type domainRule struct {
	name        string
	keywords    []string
	serverHints []string // substring match against the owning server name
	toolHints   []string // prefix match against the tool name
}

var domainRules = []domainRule{
	{
		name:        "system",
		keywords:    []string{"mcp", "server", "servers", "logs", "cpu", "process", "uptime", "status", "restart"},
		serverHints: []string{"system", "monitor", "admin"},
		toolHints:   []string{"get_", "list_", "describe_"},
	},
	{
		name:        "filesystem",
		keywords:    []string{"file", "files", "folder", "directory", "dir", "ls", "path", "read", "write", "save"},
		serverHints: []string{"file", "fs", "disk"},
		toolHints:   []string{"read_", "write_", "list_", "stat_", "find_", "grep_"},
	},
	{
		name:        "ingestion",
		keywords:    []string{"ingest", "index", "reindex", "import", "embed", "embedding"},
		serverHints: []string{"ingest", "index", "memory"},
		toolHints:   []string{"create_", "add_", "query_"},
	},
	{
		name:        "web",
		keywords:    []string{"search", "web", "url", "website", "http", "fetch", "browse", "online"},
		serverHints: []string{"web", "search", "browser"},
		toolHints:   []string{"web_", "fetch_", "http_", "search_"},
	},
}

// matchDomain returns the rule whose keyword cluster best matches the
// normalized query, requiring at least two keyword hits (one for single-word
// queries) so a stray word does not hijack the menu.
func matchDomain(normalized string) (domainRule, bool) {
	words := make(map[string]bool)
	total := 0
	for _, w := range strings.Fields(normalized) {
		words[w] = true
		total++
	}

	best := domainRule{}
	bestHits := 0
	for _, rule := range domainRules {
		hits := 0
		for _, kw := range rule.keywords {
			if words[kw] {
				hits++
			}
		}
		if hits > bestHits {
			best = rule
			bestHits = hits
		}
	}

	need := 2
	if total <= 3 {
		need = 1
	}
	return best, bestHits >= need
}

// MicroMenu returns a compact tool menu for the query's domain, or ok=false
// when no domain matches confidently and the full menu should be used.
func MicroMenu(normalized string, all []tool.Descriptor) (menu []tool.Descriptor, domain string, ok bool) {
	rule, matched := matchDomain(normalized)
	if !matched {
		return nil, "", false
	}

	for _, d := range all {
		if len(menu) == microMenuCap {
			break
		}
		if descriptorMatches(d, rule) {
			menu = append(menu, d)
		}
	}
	if len(menu) == 0 {
		return nil, "", false
	}
	return menu, rule.name, true
}

func descriptorMatches(d tool.Descriptor, rule domainRule) bool {
	server := strings.ToLower(d.Server)
	for _, hint := range rule.serverHints {
		if strings.Contains(server, hint) {
			return true
		}
	}
	name := strings.ToLower(d.Name)
	for _, hint := range rule.toolHints {
		if strings.HasPrefix(name, hint) {
			return true
		}
	}
	return false
}
