package circuitbreaker

import "time"

// LLMConfig suits token streaming chat completions
func LLMConfig() *Config {
	return &Config{
		FailureThreshold:   4,
		SuccessThreshold:   1,
		Timeout:            15 * time.Second,
		MaxTimeout:         2 * time.Minute,
		RequestTimeout:     15 * time.Second,
		ExponentialBackoff: true,
	}
}

// TTSConfig suits speech synthesis providers
func TTSConfig() *Config {
	return &Config{
		FailureThreshold:   3,
		SuccessThreshold:   1,
		Timeout:            10 * time.Second,
		MaxTimeout:         2 * time.Minute,
		RequestTimeout:     12 * time.Second,
		ExponentialBackoff: true,
	}
}

// CollaboratorConfig suits best-effort side effects (lead store, exporter, RAG)
func CollaboratorConfig() *Config {
	return &Config{
		FailureThreshold:   5,
		SuccessThreshold:   2,
		Timeout:            30 * time.Second,
		MaxTimeout:         5 * time.Minute,
		RequestTimeout:     5 * time.Second,
		ExponentialBackoff: true,
	}
}
