package llm

// modelRate is USD per one million tokens, input and output priced
// separately.
type modelRate struct {
	InPerM  float64
	OutPerM float64
}

// Published list prices. Unknown models fall back to defaultRate so a
// misconfigured model name overestimates spend rather than hiding it.
var modelRates = map[string]modelRate{
	"gemini-2.5-pro":   {InPerM: 1.25, OutPerM: 10.00},
	"gemini-2.5-flash": {InPerM: 0.30, OutPerM: 2.50},
	"gemini-2.0-flash": {InPerM: 0.10, OutPerM: 0.40},
	"gpt-4o":           {InPerM: 2.50, OutPerM: 10.00},
	"gpt-4o-mini":      {InPerM: 0.15, OutPerM: 0.60},
	"gpt-4.1":          {InPerM: 2.00, OutPerM: 8.00},
	"gpt-4.1-mini":     {InPerM: 0.40, OutPerM: 1.60},
}

var defaultRate = modelRate{InPerM: 2.50, OutPerM: 10.00}

// Price computes the USD cost of one call. Deterministic: identical inputs
// always produce the identical price.
func Price(model string, tokensIn, tokensOut int) float64 {
	r, ok := modelRates[model]
	if !ok {
		r = defaultRate
	}
	return (float64(tokensIn)*r.InPerM + float64(tokensOut)*r.OutPerM) / 1e6
}
