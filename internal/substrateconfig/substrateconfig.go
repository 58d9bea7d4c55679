// Package substrateconfig aggregates the ambient settings that select and
// configure the substrate's backend, HTTP surface, and LLM dependency,
// using the same getEnvOrDefault/getEnvInt convention as the rest of this
// codebase's env-backed configuration.
package substrateconfig

import (
	"fmt"
	"os"
)

// Backend selects which Store Adapter implementation to run against.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

// Config is the top-level process configuration.
type Config struct {
	Backend             Backend
	HTTPPort            string
	GinMode             string
	LLMBaseURL          string
	LLMAPIKey           string
	EmbeddingDim        int
	ConsolidatorWorkers int
}

// LoadFromEnv reads process configuration from the environment.
func LoadFromEnv() (Config, error) {
	backend := Backend(getEnv("SUBSTRATE_BACKEND", string(BackendSQLite)))
	if backend != BackendPostgres && backend != BackendSQLite {
		return Config{}, fmt.Errorf("substrateconfig: unknown SUBSTRATE_BACKEND %q", backend)
	}

	return Config{
		Backend:             backend,
		HTTPPort:            getEnv("HTTP_PORT", "8090"),
		GinMode:             getEnv("GIN_MODE", "debug"),
		LLMBaseURL:          getEnv("LLM_BASE_URL", "http://localhost:9000"),
		LLMAPIKey:           os.Getenv("LLM_API_KEY"),
		EmbeddingDim:        getEnvInt("LLM_EMBEDDING_DIM", 384),
		ConsolidatorWorkers: getEnvInt("CONSOLIDATOR_WORKERS", 4),
	}, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var parsed int
	if _, err := fmt.Sscanf(v, "%d", &parsed); err != nil {
		return defaultVal
	}
	return parsed
}
