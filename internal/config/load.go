package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PERCEPT_LLM_API_KEY.
const EnvPrefix = "PERCEPT"

// LoadOptions controls Load.
type LoadOptions struct {
	// Path is the JSON config file. A missing file is not an error unless Required is set.
	Path     string
	Required bool
	// EnvFiles are dotenv files loaded before reading the environment.
	EnvFiles []string
}

// Load reads the config file, validates it against the embedded schema and
// applies environment overrides on top of the defaults.
func Load(v *viper.Viper, opts LoadOptions) (Config, error) {
	if err := loadEnvFiles(opts.EnvFiles); err != nil {
		return Config{}, err
	}

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Path != "" {
		fileSettings, err := readFile(opts.Path)
		switch {
		case err == nil:
			if err := ValidateSettings(fileSettings); err != nil {
				return Config{}, err
			}
			if err := v.MergeConfigMap(fileSettings); err != nil {
				return Config{}, fmt.Errorf("merge config: %w", err)
			}
		case isNotExist(err) && !opts.Required:
		default:
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

func readFile(path string) (map[string]any, error) {
	fileV := viper.New()
	fileV.SetConfigFile(path)
	fileV.SetConfigType("json")
	if err := fileV.ReadInConfig(); err != nil {
		return nil, err
	}
	return fileV.AllSettings(), nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound)
}

func loadEnvFiles(files []string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("storage.backend", def.Storage.Backend)
	v.SetDefault("storage.max_size", def.Storage.MaxSize)
	v.SetDefault("storage.ttl", def.Storage.TTL)
	v.SetDefault("storage.redis.host", def.Storage.Redis.Host)
	v.SetDefault("storage.redis.port", def.Storage.Redis.Port)
	v.SetDefault("storage.redis.db", def.Storage.Redis.DB)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.timeout", def.Storage.Redis.Timeout)
	v.SetDefault("storage.redis.prefix", def.Storage.Redis.Prefix)
	v.SetDefault("llm.backend", def.LLM.Backend)
	v.SetDefault("llm.model", def.LLM.Model)
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.api_key_env", "")
	v.SetDefault("llm.timeout", def.LLM.Timeout)
	v.SetDefault("llm.max_retries", def.LLM.MaxRetries)
	v.SetDefault("concurrency.current", def.Concurrency.Current)
	v.SetDefault("concurrency.medium", def.Concurrency.Medium)
	v.SetDefault("concurrency.max", def.Concurrency.Max)
	v.SetDefault("output.root", def.Output.Root)
	v.SetDefault("defaults.template", def.Defaults.Template)
	v.SetDefault("defaults.report_title", def.Defaults.ReportTitle)
	v.SetDefault("defaults.suggestion_type", def.Defaults.SuggestionType)
	v.SetDefault("pipelines.dir", "")
	v.SetDefault("ledger.path", def.Ledger.Path)
	v.SetDefault("ledger.disabled", false)
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("retention.keep_last", 0)
	v.SetDefault("retention.keep_days", 0)
}
