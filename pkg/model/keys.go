package model

// Well-known attribute keys shared by the decoder, the cost attributor and
// stats propagation.
const (
	AttrInputTokens       = "inputTokens"
	AttrOutputTokens      = "outputTokens"
	AttrCachedInputTokens = "cachedInputTokens"
	AttrTotalTokens       = "totalTokens"

	AttrCostUSD        = "cost.usd"
	AttrCostCalculator = "cost.calculator"

	AttrProvider = "provider"
	AttrModel    = "model"
	AttrMode     = "mode"

	// gen_ai.* fallbacks accepted alongside the short forms.
	AttrGenAISystem = "gen_ai.system"
	AttrGenAIModel  = "gen_ai.request.model"

	// reserved keys promoted off the attribute map onto the span itself.
	AttrExample    = "example"
	AttrExperiment = "experiment"
)
