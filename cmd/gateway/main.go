// Command gateway fronts a local Ollama daemon. It waits for the daemon to
// become ready, optionally preloads the default model, then serves an
// OpenAI-compatible chat endpoint alongside a transparent /api/* proxy.
//
// Usage:
//
//	# Start the gateway with configs/gateway.yaml
//	gateway serve
//
//	# Block until the daemon answers, for use in container entrypoints
//	gateway wait --timeout 60s
//
//	# Pull a model through the daemon
//	gateway pull llama3
package main

func main() {
	Execute()
}
