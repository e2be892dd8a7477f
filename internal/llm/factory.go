package llm

import (
	"fmt"
	"os"
)

// New creates a provider from configuration, filling the API key from the
// kind's usual environment variable when the config leaves it empty.
func New(cfg ProviderConfig) (Provider, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = apiKeyFromEnv(cfg.Kind)
	}
	switch cfg.Kind {
	case KindOllama:
		return NewOllamaProvider(cfg), nil
	case KindAnthropic:
		return NewAnthropicProvider(cfg), nil
	case KindOpenAI, KindGroq, KindGrok, KindOpenRouter:
		return NewOpenAIProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}

func apiKeyFromEnv(kind string) string {
	envVars := map[string]string{
		KindGrok:       "XAI_API_KEY",
		KindGroq:       "GROQ_API_KEY",
		KindOpenAI:     "OPENAI_API_KEY",
		KindAnthropic:  "ANTHROPIC_API_KEY",
		KindOpenRouter: "OPENROUTER_API_KEY",
	}
	if envVar, ok := envVars[kind]; ok {
		return os.Getenv(envVar)
	}
	return ""
}
