package pricing

import "github.com/hiveops/hive/internal/docstore"

// builtinRecords is the compiled-in fallback table served when the
// document store has no catalogue or cannot be reached. Rates are USD per
// million tokens, current as of the last release.
var builtinRecords = []docstore.PricingRecord{
	// anthropic claude family
	{Model: "claude-opus-4", Provider: "anthropic", InputPer1M: 15, OutputPer1M: 75, CachedInputPer1M: 1.5,
		Aliases: []string{"claude-opus-4-1", "claude-3-opus", "opus"}},
	{Model: "claude-sonnet-4", Provider: "anthropic", InputPer1M: 3, OutputPer1M: 15, CachedInputPer1M: 0.3,
		Aliases: []string{"claude-sonnet-4-5", "sonnet"}},
	{Model: "claude-3-5-sonnet", Provider: "anthropic", InputPer1M: 3, OutputPer1M: 15, CachedInputPer1M: 0.3,
		Aliases: []string{"claude-3-sonnet"}},
	{Model: "claude-3-5-haiku", Provider: "anthropic", InputPer1M: 0.8, OutputPer1M: 4, CachedInputPer1M: 0.08,
		Aliases: []string{"claude-3-haiku", "haiku"}},

	// openai gpt family
	{Model: "gpt-4o", Provider: "openai", InputPer1M: 2.5, OutputPer1M: 10, CachedInputPer1M: 1.25},
	{Model: "gpt-4o-mini", Provider: "openai", InputPer1M: 0.15, OutputPer1M: 0.6, CachedInputPer1M: 0.075},
	{Model: "gpt-4.1", Provider: "openai", InputPer1M: 2, OutputPer1M: 8, CachedInputPer1M: 0.5},
	{Model: "gpt-4.1-mini", Provider: "openai", InputPer1M: 0.4, OutputPer1M: 1.6, CachedInputPer1M: 0.1},
	{Model: "gpt-4-turbo", Provider: "openai", InputPer1M: 10, OutputPer1M: 30},
	{Model: "gpt-3.5-turbo", Provider: "openai", InputPer1M: 0.5, OutputPer1M: 1.5},
	{Model: "o1", Provider: "openai", InputPer1M: 15, OutputPer1M: 60, CachedInputPer1M: 7.5},
	{Model: "o3-mini", Provider: "openai", InputPer1M: 1.1, OutputPer1M: 4.4, CachedInputPer1M: 0.55},

	// bedrock-hosted claude keeps its vendor-prefixed ids
	{Model: "anthropic.claude-sonnet-4", Provider: "bedrock", InputPer1M: 3, OutputPer1M: 15, CachedInputPer1M: 0.3},
	{Model: "anthropic.claude-3-5-haiku", Provider: "bedrock", InputPer1M: 0.8, OutputPer1M: 4, CachedInputPer1M: 0.08},
}

func builtinCatalogue() *catalogue {
	return buildCatalogue(builtinRecords)
}
