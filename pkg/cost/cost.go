package cost

import (
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/weftlabs/weft/pkg/model"
	"github.com/weftlabs/weft/pkg/pricing"
)

var metricFallbackPricing = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "weft",
	Name:      "cost_fallback_total",
	Help:      "The total number of spans priced with the fallback rate because no pricing row matched.",
})

// Attributor computes the USD cost of a span from its token-usage attributes
// and writes it back onto the span. It is a no-op when built without a table.
type Attributor struct {
	table  *pricing.Table
	logger log.Logger
}

func NewAttributor(table *pricing.Table, logger log.Logger) *Attributor {
	return &Attributor{
		table:  table,
		logger: logger,
	}
}

// Attribute prices one span. Token counts are read from the well-known
// attributes; costs land in cost.usd and cost.calculator. Running it twice
// on the same span writes the same values.
func (a *Attributor) Attribute(span *model.Span) {
	if a == nil || a.table == nil || a.table.Len() == 0 {
		return
	}

	input, output, cached, ok := tokenCounts(span)
	if !ok {
		return
	}

	provider, mdl, mode := a.resolveModel(span)
	rate, fallback := a.table.Resolve(provider, mdl, mode)
	if fallback {
		metricFallbackPricing.Inc()
		level.Debug(a.logger).Log("msg", "no pricing row matched, using fallback rate",
			"provider", provider, "model", mdl, "mode", mode, "span", span.ID)
	}

	cachedRate := rate.CachedInputPerM
	if cachedRate == 0 && rate.InputPerM != 0 {
		cachedRate = rate.InputPerM
	}

	cost := float64(input)/1e6*rate.InputPerM +
		float64(output)/1e6*rate.OutputPerM +
		float64(cached)/1e6*cachedRate

	if span.Attributes == nil {
		span.Attributes = model.Attributes{}
	}
	span.Attributes[model.AttrCostUSD] = model.DoubleValue(cost)
	span.Attributes[model.AttrCostCalculator] = model.StringValue(rate.Calculator())
}

// tokenCounts applies the derivation rules for partially reported usage.
// With none of input, output or total present there is nothing to price.
func tokenCounts(span *model.Span) (input, output, cached int64, ok bool) {
	in, hasIn := intAttr(span, model.AttrInputTokens)
	out, hasOut := intAttr(span, model.AttrOutputTokens)
	total, hasTotal := intAttr(span, model.AttrTotalTokens)
	cached, _ = intAttr(span, model.AttrCachedInputTokens)

	switch {
	case !hasIn && !hasOut && !hasTotal:
		return 0, 0, 0, false
	case hasIn && hasOut:
		// verbatim, ignoring any inconsistent total
		return in, out, cached, true
	case hasTotal && hasIn:
		return in, max64(0, total-in), cached, true
	case hasTotal && hasOut:
		return max64(0, total-out), out, cached, true
	case hasTotal:
		// split 50/50, floor on input, remainder on output
		in = total / 2
		return in, total - in, cached, true
	case hasIn:
		return in, 0, cached, true
	default:
		return 0, out, cached, true
	}
}

// resolveModel reads provider/model/mode off the span, inferring the provider
// from the model name when absent.
func (a *Attributor) resolveModel(span *model.Span) (provider, mdl, mode string) {
	provider = span.StringAttr(model.AttrProvider)
	if provider == "" {
		provider = span.StringAttr(model.AttrGenAISystem)
	}

	mdl = span.StringAttr(model.AttrModel)
	if mdl == "" {
		mdl = span.StringAttr(model.AttrGenAIModel)
	}

	mode = span.StringAttr(model.AttrMode)
	if mode == "" {
		mode = pricing.DefaultMode
	}

	if provider == "" {
		provider = a.inferProvider(mdl)
	}
	return provider, mdl, mode
}

func (a *Attributor) inferProvider(mdl string) string {
	m := strings.ToLower(mdl)

	switch {
	// bedrock model ids look like anthropic.claude-..., so test before claude
	case containsAny(m, "bedrock", "amazon", "anthropic.claude"):
		return "bedrock"
	case strings.Contains(m, "azure"):
		return "azure"
	case containsAny(m, "gpt", "o1", "o3", "o4"):
		return "openai"
	case strings.Contains(m, "claude"):
		return "anthropic"
	case strings.Contains(m, "gemini"):
		return "google"
	}

	return a.table.ProviderForModel(mdl)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func intAttr(span *model.Span, key string) (int64, bool) {
	f, ok := span.NumericAttr(key)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
