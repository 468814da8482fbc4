package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable of the control plane, loaded once at process
// start from the environment. There is no config file and no flag parser:
// every setting here has a hard default and an environment variable override.
type Config struct {
	// Server configuration
	ServerPort      string
	APIKey          string
	LogLevel        string
	ShutdownTimeout time.Duration

	// KV store (component A)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KVScanBatch   int64

	// Operator backend selection (component D): "docker" or "kubernetes"
	OperatorBackend string
	DockerHost      string

	// Kubernetes operator configuration
	Namespace                 string
	IngressClass              string
	BaseDomain                string
	SandboxIngressAnnotations map[string]string
	ImagePullSecrets          []string
	K8sOperationTimeout       time.Duration
	K8sQueryTimeout           time.Duration

	// Sandbox defaults and quota (component G validation)
	RegistryPrefix       string
	DefaultImage         string
	DefaultAutoClearMin  int
	MaxAllowedCPUs       float64
	MaxAllowedMemory     string
	SandboxProxyPortName string

	// Worker ports (component B / D)
	ProxyPort  int
	VSCodePort int

	// Worker HTTP client (component B)
	WorkerRequestTimeout time.Duration

	// Reaper (component I)
	ReaperInterval time.Duration

	// Worker fleet scheduler (component L)
	FleetSchedulerEnabled bool
	FleetCleanupInterval  time.Duration
	FleetCleanupThreshold string

	// Model service proxy (component J)
	ModelProxyPort           string
	ModelProxyDefaultURL     string
	ModelProxyRules          map[string]string
	ModelProxyRetryCodes     []int
	ModelProxyRequestTimeout time.Duration
	ModelProxyMaxAttempts    int
}

func LoadConfig() *Config {
	return &Config{
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		APIKey:          getEnv("API_KEY", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		RedisAddr:     getEnvAllowEmpty("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		KVScanBatch:   int64(getEnvAsInt("KV_SCAN_BATCH", 100)),

		OperatorBackend: getEnv("OPERATOR_BACKEND", "docker"),
		DockerHost:      getEnv("DOCKER_HOST", ""),

		Namespace:                 getEnv("NAMESPACE", "sandboxes"),
		IngressClass:              getEnv("INGRESS_CLASS", "nginx"),
		BaseDomain:                getEnv("BASE_DOMAIN", "sandbox.example.com"),
		SandboxIngressAnnotations: parseAnnotations(getEnv("SANDBOX_INGRESS_ANNOTATIONS", "")),
		ImagePullSecrets:          parseList(getEnv("IMAGE_PULL_SECRETS", "")),
		K8sOperationTimeout:       getEnvAsDuration("K8S_OPERATION_TIMEOUT", 60*time.Second),
		K8sQueryTimeout:           getEnvAsDuration("K8S_QUERY_TIMEOUT", 10*time.Second),

		RegistryPrefix:       getEnv("REGISTRY_PREFIX", "docker.io/library"),
		DefaultImage:         getEnv("DEFAULT_IMAGE", "python:3.11"),
		DefaultAutoClearMin:  getEnvAsInt("DEFAULT_AUTO_CLEAR_MINUTES", 30),
		MaxAllowedCPUs:       getEnvAsFloat("MAX_ALLOWED_CPUS", 16),
		MaxAllowedMemory:     getEnv("MAX_ALLOWED_MEMORY", "32g"),
		SandboxProxyPortName: getEnv("SANDBOX_PROXY_PORT_NAME", "proxy"),

		ProxyPort:  getEnvAsInt("SANDBOX_PROXY_PORT", 8090),
		VSCodePort: getEnvAsInt("SANDBOX_VSCODE_PORT", 8091),

		WorkerRequestTimeout: getEnvAsDuration("WORKER_REQUEST_TIMEOUT", 30*time.Second),

		ReaperInterval: getEnvAsDuration("REAPER_INTERVAL", 10*time.Second),

		FleetSchedulerEnabled: getEnvAsBool("FLEET_SCHEDULER_ENABLED", true),
		FleetCleanupInterval:  getEnvAsDuration("FLEET_CLEANUP_INTERVAL", time.Hour),
		FleetCleanupThreshold: getEnv("FLEET_CLEANUP_THRESHOLD", "1T"),

		ModelProxyPort:           getEnv("MODEL_PROXY_PORT", "8070"),
		ModelProxyDefaultURL:     getEnv("MODEL_PROXY_DEFAULT_URL", ""),
		ModelProxyRules:          parseAnnotations(getEnv("MODEL_PROXY_RULES", "")),
		ModelProxyRetryCodes:     parseIntList(getEnv("MODEL_PROXY_RETRYABLE_STATUS_CODES", "429,502,503,504")),
		ModelProxyRequestTimeout: getEnvAsDuration("MODEL_PROXY_REQUEST_TIMEOUT", 60*time.Second),
		ModelProxyMaxAttempts:    getEnvAsInt("MODEL_PROXY_MAX_ATTEMPTS", 3),
	}
}

// parseAnnotations parses "key1=value1,key2=value2" into a map. Values may contain "=".
// Reused for the sandbox ingress annotations and for the model proxy's
// (model-substring -> upstream URL) routing rules — both are flat string maps.
func parseAnnotations(s string) map[string]string {
	out := make(map[string]string)
	if s == "" {
		return out
	}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}

// parseList parses a comma-separated list of names (e.g. imagePullSecrets).
func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

func parseIntList(s string) []int {
	var out []int
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if v, err := strconv.Atoi(tok); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

// getEnvAllowEmpty is getEnv, except that a variable set to the empty string
// yields "" instead of the default.
func getEnvAllowEmpty(key, defaultVal string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}
