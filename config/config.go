// Package config loads the settings of a training run.
//
// Values come from, in increasing priority: built-in defaults, an optional
// train.{yaml,toml,json} file in the working directory (or an explicit file),
// and environment variables prefixed with TRAIN_. The MLflow client
// variables MLFLOW_TRACKING_URI, MLFLOW_S3_ENDPOINT_URL and the AWS_*
// credentials are honoured as fallbacks.
package config

import (
	"strings"
	"sync"

	"github.com/YuminosukeSato/scigo-mlrun/pkg/errors"
	"github.com/YuminosukeSato/scigo-mlrun/tracking"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides (TRAIN_DATA_PATH, ...).
const EnvPrefix = "TRAIN"

// Config is the full configuration of a training run.
type Config struct {
	Data     DataConfig     `mapstructure:"data"`
	Split    SplitConfig    `mapstructure:"split"`
	Model    ModelConfig    `mapstructure:"model"`
	Tracking TrackingConfig `mapstructure:"tracking"`
	Log      LogConfig      `mapstructure:"log"`
}

// DataConfig locates the dataset.
type DataConfig struct {
	Path   string `mapstructure:"path" validate:"required"`
	Target string `mapstructure:"target" validate:"required"`
}

// SplitConfig controls the train/test split.
type SplitConfig struct {
	TestSize    float64 `mapstructure:"test_size" validate:"gt=0,lt=1"`
	RandomState uint64  `mapstructure:"random_state"`
}

// ModelConfig holds solver settings that are not hyperparameters of a run.
type ModelConfig struct {
	MaxIter     int     `mapstructure:"max_iter" validate:"gte=1"`
	Tol         float64 `mapstructure:"tol" validate:"gt=0"`
	Selection   string  `mapstructure:"selection" validate:"oneof=cyclic random"`
	RandomState uint64  `mapstructure:"random_state"`
}

// TrackingConfig selects the tracking store.
type TrackingConfig struct {
	URI          string            `mapstructure:"uri"`
	Experiment   string            `mapstructure:"experiment" validate:"required"`
	ArtifactRoot string            `mapstructure:"artifact_root"`
	S3           tracking.S3Config `mapstructure:"s3"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data.path", "data/housing.csv")
	v.SetDefault("data.target", "PRICE")
	v.SetDefault("split.test_size", 0.2)
	v.SetDefault("split.random_state", 42)
	v.SetDefault("model.max_iter", 1000)
	v.SetDefault("model.tol", 1e-4)
	v.SetDefault("model.selection", "cyclic")
	v.SetDefault("model.random_state", 42)
	v.SetDefault("tracking.uri", "file://./mlruns")
	v.SetDefault("tracking.experiment", "ElasticNet Regression")
	v.SetDefault("tracking.artifact_root", "")
	v.SetDefault("tracking.s3.endpoint", "")
	v.SetDefault("tracking.s3.access_key_id", "")
	v.SetDefault("tracking.s3.secret_access_key", "")
	v.SetDefault("tracking.s3.region", "")
	v.SetDefault("tracking.s3.use_ssl", false)
	v.SetDefault("log.level", "info")
}

// fallbackEnv lists environment variables read after TRAIN_<KEY>.
var fallbackEnv = map[string][]string{
	"tracking.uri":                  {"MLFLOW_TRACKING_URI"},
	"tracking.s3.endpoint":          {"MLFLOW_S3_ENDPOINT_URL"},
	"tracking.s3.access_key_id":     {"AWS_ACCESS_KEY_ID"},
	"tracking.s3.secret_access_key": {"AWS_SECRET_ACCESS_KEY"},
	"tracking.s3.region":            {"AWS_REGION", "AWS_DEFAULT_REGION"},
}

// Load reads the configuration. If file is empty, train.{yaml,toml,json}
// is looked up in the working directory and may be absent; an explicit
// file must exist.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range fallbackEnv {
		own := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, own}, names...)...); err != nil {
			return nil, errors.Wrapf(err, "bind env for %s", key)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("train")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validate checks the `validate` tags of s. The first violation is
// returned as a *errors.ValidationError.
func Validate(s interface{}) error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		return errors.NewValidationError(fe.Namespace(), "must satisfy "+reason, fe.Value())
	}
	return errors.WithStack(err)
}
