package selection

import (
	"context"
	"log"
	"time"

	"github.com/conciergelab/concierge/internal/memory"
	"github.com/conciergelab/concierge/internal/tool"
)

const (
	semanticTopK  = 5
	semanticFloor = 0.4
	// semanticWait bounds how long a request waits for the background tool
	// index before degrading to no semantic hits.
	semanticWait = 2 * time.Second

	feedbackHintCount = 3
)

// Options configures a Pipeline.
type Options struct {
	ClassifierModel string // part of the cache key; a model swap invalidates entries
	MaxTools        int    // cap on the returned descriptor subset
}

// Pipeline is the tool-selection pipeline: it turns the latest user message
// into a bounded subset of tool descriptors for the agent loop.
//
// Stage order: normalize, intent-cache lookup, feedback hints, domain
// heuristic, semantic retrieval, classifier, sanitize, cache store. Feedback
// and semantic hits feed the classifier rather than replacing it.
type Pipeline struct {
	registry   *tool.Registry
	feedback   *FeedbackStore
	intents    *IntentCache
	classifier *Classifier
	index      *memory.Index
	opts       Options
}

// NewPipeline wires the pipeline stages together. index may be nil when
// semantic retrieval is unavailable; the pipeline degrades gracefully.
func NewPipeline(
	registry *tool.Registry,
	feedback *FeedbackStore,
	intents *IntentCache,
	classifier *Classifier,
	index *memory.Index,
	opts Options,
) *Pipeline {
	if opts.MaxTools <= 0 {
		opts.MaxTools = 15
	}
	return &Pipeline{
		registry:   registry,
		feedback:   feedback,
		intents:    intents,
		classifier: classifier,
		index:      index,
		opts:       opts,
	}
}

// Selection is the pipeline output: the active tool subset plus the routing
// decision it came from.
type Selection struct {
	Tools          []tool.Descriptor
	Classification Classification
	CacheHit       bool
}

// Select resolves the active tool subset for a user message. It never fails:
// every degraded path falls back to the full menu capped at MaxTools.
func (p *Pipeline) Select(ctx context.Context, userMessage string) Selection {
	all := p.registry.List()
	if len(all) == 0 {
		return Selection{Classification: Classification{TargetServers: []string{}}}
	}

	normalized := Normalize(userMessage)
	hash := QueryHash(normalized, p.opts.ClassifierModel)

	// Classification cache: a hit skips every later stage.
	if cached, ok := p.intents.Get(hash); ok {
		log.Printf("[Selection] Intent cache hit for %q", hash)
		return Selection{
			Tools:          p.resolve(cached, all),
			Classification: cached,
			CacheHit:       true,
		}
	}

	hints := p.feedback.TopServers(normalized, feedbackHintCount)

	menu := all
	if micro, domain, ok := MicroMenu(normalized, all); ok {
		log.Printf("[Selection] Domain %q matched, micro-menu of %d tool(s)", domain, len(micro))
		menu = micro
	}

	var semantic []memory.ToolHit
	if p.index != nil {
		semantic = p.index.SearchTools(ctx, normalized, semanticTopK, semanticFloor, semanticWait)
	}

	result, fromModel := p.classifier.Classify(ctx, userMessage, menu, semantic, hints)
	if fromModel {
		if err := p.intents.Put(hash, result); err != nil {
			log.Printf("[Selection] Intent cache write failed: %v", err)
		}
	}

	return Selection{Tools: p.resolve(result, all), Classification: result}
}

// resolve maps a classification onto concrete descriptors. Empty routing
// means the agent gets the full menu, capped.
func (p *Pipeline) resolve(c Classification, all []tool.Descriptor) []tool.Descriptor {
	var tools []tool.Descriptor
	if len(c.TargetServers) > 0 {
		tools = p.registry.ByServers(c.TargetServers)
	}
	if len(tools) == 0 {
		tools = all
	}
	if len(tools) > p.opts.MaxTools {
		tools = tools[:p.opts.MaxTools]
	}
	return tools
}

// RecordSuccess feeds a successful (query, server) pair back into the store
// so future similar queries rank that server higher.
func (p *Pipeline) RecordSuccess(userMessage, server string) {
	if err := p.feedback.Record(Normalize(userMessage), server); err != nil {
		log.Printf("[Selection] Feedback write failed: %v", err)
	}
}
