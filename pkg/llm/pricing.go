package llm

// per-1K-token USD prices, prompt and completion.
type modelPrice struct {
	prompt     float64
	completion float64
}

var pricing = map[string]modelPrice{
	"gpt-4o":        {prompt: 0.0025, completion: 0.01},
	"gpt-4o-mini":   {prompt: 0.00015, completion: 0.0006},
	"gpt-4.1":       {prompt: 0.002, completion: 0.008},
	"gpt-4.1-mini":  {prompt: 0.0004, completion: 0.0016},
	"gpt-3.5-turbo": {prompt: 0.0005, completion: 0.0015},
}

// defaultPrice is used for unknown models so cost accounting never silently
// reports zero spend.
var defaultPrice = modelPrice{prompt: 0.0025, completion: 0.01}

// CostUSD estimates the dollar cost of a completion.
func CostUSD(model string, usage Usage) float64 {
	p, ok := pricing[model]
	if !ok {
		p = defaultPrice
	}
	return float64(usage.PromptTokens)/1000*p.prompt +
		float64(usage.CompletionTokens)/1000*p.completion
}
