package orchestrator

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Package-level validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
	registerCustomValidators()
}

// Config is the orchestrator's full configuration. Defaults come from struct
// tags; values load from an optional YAML file with ${VAR:default} env
// resolution; the result is validated before use.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	NLU      NLUConfig      `yaml:"nlu"`
	Session  SessionConfig  `yaml:"session"`
	Flows    FlowsConfig    `yaml:"flows"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" default:":8000" validate:"required"`
}

type SessionConfig struct {
	TTL time.Duration `yaml:"ttl" default:"30m" validate:"gte=1m"`
}

type FlowsConfig struct {
	// Dir is an optional directory of *.json flow definitions loaded into the
	// store at startup.
	Dir string `yaml:"dir"`
	// APICallTimeout bounds api_caller HTTP requests.
	APICallTimeout time.Duration `yaml:"api_call_timeout" default:"10s" validate:"gte=1s"`
}

type LogConfig struct {
	Level string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
}

// LoadConfig reads the config file (when path is non-empty), resolves env
// placeholders, merges onto tag defaults, and validates. A missing file with
// an empty path yields a pure-defaults config.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to apply config defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}

		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("error unmarshalling config YAML: %w", err)
		}

		resolved, err := resolveEnvVars(raw)
		if err != nil {
			return Config{}, err
		}
		if err := mapToStructFromYAML(resolved.(map[string]any), &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to apply config values: %w", err)
		}
	}

	if err := validate.Struct(cfg); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var messages []string
			for _, fieldErr := range validationErrors {
				messages = append(messages, fmt.Sprintf(
					"field '%s' failed validation (rule: %s)",
					fieldErr.Namespace(), fieldErr.Tag()))
			}
			return Config{}, fmt.Errorf("config validation failed:\n  - %s",
				strings.Join(messages, "\n  - "))
		}
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// mapToStructFromYAML decodes a raw config map onto the struct using yaml
// tags, with weak typing so YAML scalars coerce into durations and ints.
func mapToStructFromYAML(raw map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(raw)
}

// envVarPattern matches ${VAR} and ${VAR:default} syntax
var envVarPattern = regexp.MustCompile(`^\$\{([A-Z_][A-Z0-9_]*)(:[^}]*)?\}$`)

// resolveEnvVars walks a raw config tree and substitutes ${VAR} placeholders.
// A placeholder without a default for an unset variable is an error.
func resolveEnvVars(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveEnvVar(v)
	case map[string]any:
		resolved := make(map[string]any, len(v))
		for key, val := range v {
			r, err := resolveEnvVars(val)
			if err != nil {
				return nil, err
			}
			resolved[key] = r
		}
		return resolved, nil
	case []any:
		resolved := make([]any, len(v))
		for i, val := range v {
			r, err := resolveEnvVars(val)
			if err != nil {
				return nil, err
			}
			resolved[i] = r
		}
		return resolved, nil
	default:
		return value, nil
	}
}

func resolveEnvVar(value string) (any, error) {
	matches := envVarPattern.FindStringSubmatch(value)
	if matches == nil {
		return value, nil
	}

	varName := matches[1]
	defaultPart := matches[2]

	if envValue, exists := os.LookupEnv(varName); exists {
		return envValue, nil
	}
	if defaultPart != "" {
		return strings.TrimPrefix(defaultPart, ":"), nil
	}
	return nil, fmt.Errorf("required environment variable not set: %s", varName)
}

// registerCustomValidators registers validators shared by config structs.
func registerCustomValidators() {
	// dsn accepts either URL form (postgres://...) or key@host/db form
	validate.RegisterValidation("dsn", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if strings.Contains(s, "://") {
			return true
		}
		return strings.Contains(s, "@") && strings.Contains(s, "/")
	})
}
