package llm

// Profile selects the response channel a request is prepared for.
type Profile int

const (
	ProfileJSON Profile = iota
	ProfileText
)

// Abstract parameter keys accepted in llm.params.
const (
	ParamMaxOutputTokens = "max_output_tokens"
	ParamResultFormat    = "result_format"
	ParamTemperature     = "temperature"
	ParamTopP            = "top_p"
)

// Wire keys set by the JSON profile.
const (
	wireResponseFormat   = "response_format"
	wireResponseMIMEType = "response_mime_type"
)

var wireNames = map[string]map[string]string{
	ProviderOpenAI: {
		ParamMaxOutputTokens: "max_tokens",
		ParamResultFormat:    "",
	},
	ProviderDashScope: {
		ParamMaxOutputTokens: "max_tokens",
		ParamResultFormat:    "result_format",
	},
	ProviderGemini: {
		ParamMaxOutputTokens: "max_output_tokens",
		ParamResultFormat:    "",
	},
}

var jsonOnlyKeys = []string{wireResponseFormat, wireResponseMIMEType, ParamResultFormat}

// NormalizeParams translates abstract keys into provider wire names. The JSON
// profile enables the provider's JSON mode; the text profile removes
// JSON-only keys. Unknown keys pass through unchanged.
func NormalizeParams(provider string, profile Profile, params map[string]any) map[string]any {
	names := wireNames[provider]
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		if wire, mapped := names[k]; mapped {
			if wire == "" {
				continue
			}
			out[wire] = v
			continue
		}
		out[k] = v
	}

	switch profile {
	case ProfileJSON:
		switch provider {
		case ProviderOpenAI:
			out[wireResponseFormat] = "json_object"
		case ProviderDashScope:
			out[wireResponseFormat] = map[string]any{"type": "json_object"}
			out["result_format"] = "message"
		case ProviderGemini:
			out[wireResponseMIMEType] = "application/json"
		}
	case ProfileText:
		for _, k := range jsonOnlyKeys {
			delete(out, k)
		}
		if provider == ProviderDashScope {
			out["result_format"] = "message"
		}
	}
	return out
}
