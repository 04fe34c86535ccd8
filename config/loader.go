package config

import (
	"os"
	"reflect"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Loader loads configuration from defaults, a YAML file and environment variables, in that order
type Loader struct {
	configPath string
	envPrefix  string
	lookupEnv  func(key string) (string, bool)
}

// NewLoader creates a new Loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// WithConfigPath sets the YAML file path, a missing file is not an error
func (loader *Loader) WithConfigPath(path string) *Loader {
	loader.configPath = path
	return loader
}

// WithEnvPrefix sets the prefix of environment variables
func (loader *Loader) WithEnvPrefix(prefix string) *Loader {
	loader.envPrefix = prefix
	return loader
}

// Load loads and validates configuration
func (loader *Loader) Load() (*Config, error) {
	logger := log.WithFields(log.Fields{
		"package":  "config",
		"struct":   "Loader",
		"function": "Load",
	})

	config := NewDefaultConfig()

	if len(loader.configPath) > 0 {
		err := loader.loadFromFile(config)
		if err != nil {
			return nil, err
		}
	}

	err := loader.setFieldsFromEnv(reflect.ValueOf(config).Elem(), loader.envPrefix)
	if err != nil {
		return nil, xerrors.Errorf("failed to load configuration from environment: %w", err)
	}

	err = config.Validate()
	if err != nil {
		return nil, xerrors.Errorf("failed to validate configuration: %w", err)
	}

	logger.Debugf("Loaded configuration, derivative cache %s, source cache %s", config.DerivativeCache, config.SourceCache)
	return config, nil
}

func (loader *Loader) loadFromFile(config *Config) error {
	logger := log.WithFields(log.Fields{
		"package":  "config",
		"struct":   "Loader",
		"function": "loadFromFile",
	})

	data, err := os.ReadFile(loader.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Infof("Configuration file %s does not exist, using defaults", loader.configPath)
			return nil
		}
		return xerrors.Errorf("failed to read configuration file %s: %w", loader.configPath, err)
	}

	err = yaml.Unmarshal(data, config)
	if err != nil {
		return xerrors.Errorf("failed to parse configuration file %s: %w", loader.configPath, err)
	}
	return nil
}

// setFieldsFromEnv sets struct fields from <prefix>_<env tag> variables, nested structs extend the prefix
func (loader *Loader) setFieldsFromEnv(value reflect.Value, prefix string) error {
	valueType := value.Type()

	for i := 0; i < value.NumField(); i++ {
		field := value.Field(i)
		fieldType := valueType.Field(i)

		envTag := fieldType.Tag.Get("env")
		if len(envTag) == 0 || envTag == "-" {
			continue
		}

		envKey := envTag
		if len(prefix) > 0 {
			envKey = prefix + "_" + envTag
		}

		if field.Kind() == reflect.Struct {
			err := loader.setFieldsFromEnv(field, envKey)
			if err != nil {
				return err
			}
			continue
		}

		envValue, ok := loader.lookupEnv(envKey)
		if !ok || len(envValue) == 0 {
			continue
		}

		err := setFieldValue(field, envValue)
		if err != nil {
			return xerrors.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	value = strings.TrimSpace(value)

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return xerrors.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
