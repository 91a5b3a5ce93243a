package credentials

// Free-tier model allowlist. Requests for these models may fall back to the
// shared pool credential when a project has no BYOK key. Everything else
// requires BYOK.
var freeModels = map[string]bool{
	"mistralai/mistral-7b-instruct:free":       true,
	"meta-llama/llama-3.2-3b-instruct:free":    true,
	"meta-llama/llama-3.1-8b-instruct:free":    true,
	"google/gemma-2-9b-it:free":                true,
	"qwen/qwen-2.5-7b-instruct:free":           true,
	"huggingfaceh4/zephyr-7b-beta:free":        true,
	"llama-3.1-8b-instant":                     true,
	"llama-3.3-70b-versatile":                  true,
	"mixtral-8x7b-32768":                       true,
	"gemma2-9b-it":                             true,
}

// IsFreeModel reports whether a model is on the free-tier allowlist.
func IsFreeModel(model string) bool {
	return freeModels[model]
}

// FreeModels returns the allowlist for the /v1/models listing.
func FreeModels() []string {
	out := make([]string, 0, len(freeModels))
	for m := range freeModels {
		out = append(out, m)
	}
	return out
}
