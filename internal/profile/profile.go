package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start main server.
type Profile struct {
	// Unified LLM configuration (OpenAI-compatible protocol).
	// All providers (openai, groq, deepseek, siliconflow, ollama) use the same config.
	LLMProvider string // Provider identifier: openai, groq, deepseek, siliconflow, ollama
	LLMAPIKey   string // Unified LLM API key
	LLMBaseURL  string // Unified LLM base URL (optional, has default per provider)
	LLMModel    string // Model name: gpt-4o, llama-3.3-70b-versatile, etc.
	LLMTimeout  int    // LLM request timeout in seconds (default: 120)

	// Extraction model, may be cheaper/faster than the main chat model.
	ExtractionModel string

	// Embedding configuration
	EmbeddingProvider   string
	EmbeddingModel      string
	EmbeddingAPIKey     string
	EmbeddingBaseURL    string
	EmbeddingDimensions int

	// Memory engine tuning
	RetrievalTopK       int     // default number of memories injected per turn
	SilenceThreshold    float64 // best relevance below this activates silence mode
	ConfidenceThreshold float64 // extraction confidence floor
	DedupThreshold      float64 // cosine similarity at or above rejects a new memory
	ShortTermWindow     int     // trailing turns fed into the prompt

	// Lifecycle worker
	LifecycleIntervalMinutes int

	// Auth / rate limiting
	JWTSecret          string
	RateLimitPerMinute int

	// Other configurations
	Mode        string
	DSN         string
	Driver      string
	Version     string
	InstanceURL string
	Addr        string
	Data        string
	Port        int
	AIEnabled   bool
}

// Provider default configurations for LLM.
// Used when LONGMEM_AI_LLM_BASE_URL is not explicitly set.
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o",
	},
	"groq": {
		BaseURL: "https://api.groq.com/openai/v1",
		Model:   "llama-3.3-70b-versatile",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"siliconflow": {
		BaseURL: "https://api.siliconflow.cn/v1",
		Model:   "Qwen/Qwen2.5-72B-Instruct",
	},
	"ollama": {
		BaseURL: "http://localhost:11434",
		Model:   "llama3.1",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled returns true if the LLM API key is configured.
func (p *Profile) IsAIEnabled() bool {
	return p.LLMAPIKey != ""
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultFloat returns environment variable value as float64 or default value.
func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	// Unified LLM configuration
	p.LLMProvider = getEnvOrDefault("LONGMEM_AI_LLM_PROVIDER", "groq")
	p.LLMAPIKey = getEnvOrDefault("LONGMEM_AI_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("LONGMEM_AI_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("LONGMEM_AI_LLM_MODEL", "")
	p.LLMTimeout = getEnvOrDefaultInt("LONGMEM_AI_LLM_TIMEOUT_SECONDS", 120)
	p.ExtractionModel = getEnvOrDefault("LONGMEM_AI_EXTRACTION_MODEL", "")

	// AI is enabled if API key is configured
	p.AIEnabled = p.LLMAPIKey != ""

	// Validate and apply provider defaults if not explicitly set
	if p.LLMProvider != "" {
		if _, ok := llmProviderDefaults[p.LLMProvider]; !ok {
			slog.Warn("Unknown LLM provider, using default: groq", "provider", p.LLMProvider)
			p.LLMProvider = "groq"
		}
	}
	if p.LLMBaseURL == "" || p.LLMModel == "" {
		if defaults, ok := llmProviderDefaults[p.LLMProvider]; ok {
			if p.LLMBaseURL == "" {
				p.LLMBaseURL = defaults.BaseURL
			}
			if p.LLMModel == "" {
				p.LLMModel = defaults.Model
			}
		}
	}
	if p.ExtractionModel == "" {
		p.ExtractionModel = p.LLMModel
	}

	// Embedding configuration
	p.EmbeddingProvider = getEnvOrDefault("LONGMEM_AI_EMBEDDING_PROVIDER", "siliconflow")
	p.EmbeddingModel = getEnvOrDefault("LONGMEM_AI_EMBEDDING_MODEL", "BAAI/bge-m3")
	p.EmbeddingAPIKey = getEnvOrDefault("LONGMEM_AI_EMBEDDING_API_KEY", "")
	p.EmbeddingBaseURL = getEnvOrDefault("LONGMEM_AI_EMBEDDING_BASE_URL", "https://api.siliconflow.cn/v1")
	p.EmbeddingDimensions = getEnvOrDefaultInt("LONGMEM_AI_EMBEDDING_DIMENSIONS", 1024)

	// Memory engine tuning
	p.RetrievalTopK = getEnvOrDefaultInt("LONGMEM_RETRIEVAL_TOP_K", 10)
	p.SilenceThreshold = getEnvOrDefaultFloat("LONGMEM_SILENCE_THRESHOLD", 0.30)
	p.ConfidenceThreshold = getEnvOrDefaultFloat("LONGMEM_CONFIDENCE_THRESHOLD", 0.7)
	p.DedupThreshold = getEnvOrDefaultFloat("LONGMEM_DEDUP_THRESHOLD", 0.95)
	p.ShortTermWindow = getEnvOrDefaultInt("LONGMEM_SHORT_TERM_WINDOW", 5)

	// Lifecycle worker
	p.LifecycleIntervalMinutes = getEnvOrDefaultInt("LONGMEM_LIFECYCLE_INTERVAL_MINUTES", 60)

	// Auth / rate limiting
	p.JWTSecret = getEnvOrDefault("LONGMEM_JWT_SECRET", "")
	p.RateLimitPerMinute = getEnvOrDefaultInt("LONGMEM_RATE_LIMIT_PER_MINUTE", 100)
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "longmem")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/longmem"
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", dataDir), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("longmem_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile) + "?_loc=auto"
	}

	if p.SilenceThreshold < 0 || p.SilenceThreshold > 1 {
		return errors.Errorf("silence threshold must be within [0, 1], got %f", p.SilenceThreshold)
	}
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return errors.Errorf("confidence threshold must be within [0, 1], got %f", p.ConfidenceThreshold)
	}
	if p.Mode == "prod" && p.JWTSecret == "" {
		return errors.New("LONGMEM_JWT_SECRET is required in prod mode")
	}

	return nil
}
