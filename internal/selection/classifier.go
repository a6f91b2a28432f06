package selection

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conciergelab/concierge/internal/breaker"
	"github.com/conciergelab/concierge/internal/llm"
	"github.com/conciergelab/concierge/internal/memory"
	"github.com/conciergelab/concierge/internal/tool"
)

// breakerKey isolates the classifier model in the shared breaker, so a dead
// classifier fails fast without affecting tool circuits.
const breakerKey = "classifier"

const classifierSystemPrompt = `You are a routing classifier for an agent with access to MCP tool servers.
Given a user query and the available tools, decide which servers the agent should use.
Respond with a single JSON object and nothing else:
{"target_servers": ["server1"], "complexity": "low|medium|high", "auto_execute": null}
Rules:
- target_servers may be empty when no tool is needed.
- auto_execute may suggest at most one obviously-required call: [{"tool": "name", "args": {...}}].
- Never invent server or tool names that are not in the menu.`

// Classifier asks the classifier model which servers should handle a query.
// Its failures are absorbed: callers always get a usable (possibly empty)
// Classification, and repeated failures trip a dedicated circuit so the
// pipeline stops paying the gateway round-trip.
type Classifier struct {
	provider llm.ClassifierProvider
	breaker  *breaker.Breaker
	now      func() time.Time
}

// NewClassifier creates a Classifier over the given provider and breaker.
func NewClassifier(provider llm.ClassifierProvider, brk *breaker.Breaker) *Classifier {
	return &Classifier{provider: provider, breaker: brk, now: time.Now}
}

// Classify builds the routing prompt and parses the model's decision.
// The bool result reports whether the classification came from a live model
// call (and is therefore worth caching).
func (c *Classifier) Classify(
	ctx context.Context,
	query string,
	menu []tool.Descriptor,
	semantic []memory.ToolHit,
	hints []ServerScore,
) (Classification, bool) {
	if !c.breaker.Allow(breakerKey) {
		log.Printf("[Classifier] Circuit open, skipping classification")
		return Classification{TargetServers: []string{}}, false
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: classifierSystemPrompt},
		{Role: llm.RoleUser, Content: c.buildPrompt(query, menu, semantic, hints)},
	}

	reply, err := c.provider.CallClassifier(ctx, messages)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		log.Printf("[Classifier] Call failed: %v", err)
		return Classification{TargetServers: []string{}}, false
	}
	c.breaker.RecordSuccess(breakerKey)

	result, ok := parseClassification(reply.Content)
	if !ok {
		log.Printf("[Classifier] Unparseable reply, using empty routing: %.120q", reply.Content)
		return Classification{TargetServers: []string{}}, false
	}
	return sanitize(result), true
}

// buildPrompt assembles the menu, semantic hits, feedback hints and time
// context into one user message.
func (c *Classifier) buildPrompt(query string, menu []tool.Descriptor, semantic []memory.ToolHit, hints []ServerScore) string {
	var b strings.Builder

	b.WriteString("Available tools:\n")
	for _, d := range menu {
		desc := d.Description
		if len(desc) > 120 {
			desc = desc[:120]
		}
		fmt.Fprintf(&b, "- %s (server: %s): %s\n", d.Name, d.Server, desc)
	}

	if len(semantic) > 0 {
		b.WriteString("\nSemantically similar tools for this query:\n")
		for _, h := range semantic {
			fmt.Fprintf(&b, "- %s (similarity %.2f)\n", h.Name, h.Score)
		}
	}

	if len(hints) > 0 {
		b.WriteString("\nServers that handled similar queries before:\n")
		for _, h := range hints {
			fmt.Fprintf(&b, "- %s (score %.2f)\n", h.Server, h.Score)
		}
	}

	fmt.Fprintf(&b, "\nCurrent time: %s\n", c.now().Format("Monday 2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "\nUser query: %s\n", query)
	return b.String()
}

var jsonBlockRe = regexp.MustCompile(`(?s)\{.*\}`)

// parseClassification recovers a Classification from a possibly prose-wrapped
// reply: strict JSON first, then the first {...} block, then YAML as a final
// tolerant layer (handles unquoted keys and trailing commas the way local
// models tend to emit them).
func parseClassification(content string) (Classification, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Classification{}, false
	}

	var result Classification
	if err := json.Unmarshal([]byte(content), &result); err == nil {
		return result, true
	}

	if block := jsonBlockRe.FindString(content); block != "" {
		if err := json.Unmarshal([]byte(block), &result); err == nil {
			return result, true
		}
		// YAML accepts unquoted keys and trailing commas; round-trip
		// through a map so the json tags still apply.
		var loose map[string]any
		if err := yaml.Unmarshal([]byte(block), &loose); err == nil {
			if data, err := json.Marshal(loose); err == nil {
				if err := json.Unmarshal(data, &result); err == nil {
					return result, true
				}
			}
		}
	}
	return Classification{}, false
}

// sanitize drops malformed server and tool names and caps list lengths.
func sanitize(c Classification) Classification {
	out := Classification{Complexity: c.Complexity}
	for _, s := range c.TargetServers {
		if s == "" || len(out.TargetServers) == 16 {
			continue
		}
		if strings.ContainsAny(s, " \"':") {
			continue
		}
		out.TargetServers = append(out.TargetServers, s)
	}
	if out.TargetServers == nil {
		out.TargetServers = []string{}
	}
	for _, a := range c.AutoExecute {
		if a.Tool == "" || strings.ContainsAny(a.Tool, " \"':") {
			continue
		}
		out.AutoExecute = append(out.AutoExecute, a)
		break // at most one suggestion survives
	}
	switch out.Complexity {
	case "low", "medium", "high":
	default:
		out.Complexity = ""
	}
	return out
}
