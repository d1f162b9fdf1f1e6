package llm

import "fmt"

// Factory constructs a Client for a provider given its API key, model,
// and whether raw stream chunks should be captured to disk for debugging.
type Factory func(apiKey, model string, debugChunks bool) (Client, error)

var registry = make(map[string]Factory)

// Register adds a Factory to the provider registry. Provider packages
// call this from their init() function.
func Register(name string, f Factory) {
	registry[name] = f
}

// New instantiates the named provider's Client.
func New(provider, apiKey, model string, debugChunks bool) (Client, error) {
	f, ok := registry[provider]
	if !ok {
		return nil, fmt.Errorf("unregistered llm provider %q", provider)
	}
	return f(apiKey, model, debugChunks)
}
