package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/tsawler/go-dptrain/trainerrors"
)

const envPrefix = "DPTRAIN"

type Config struct {
	// "train" or "test"
	Mode string `validate:"oneof=train test"`
	// Resume from the most recent checkpoint. Without it the checkpoint
	// directory is never read.
	Restore bool

	Logging    LoggingConfig
	Data       DataConfig
	Model      ModelConfig
	Training   TrainingConfig
	Schedule   ScheduleConfig
	Eval       EvalConfig // Held-out evaluation after every epoch
	Test       EvalConfig // Evaluation in test mode
	Checkpoint CheckpointConfig
	Metrics    MetricsConfig
}

type LoggingConfig struct {
	Level string `validate:"oneof=trace debug info warn error"`
	// "text" or "json"
	Format string `validate:"oneof=text json"`
}

type DataConfig struct {
	Dir string
	// "cifar" for binary record files, "folder" for class-per-directory image trees
	Format    string `validate:"oneof=cifar folder"`
	TrainFile string `validate:"required"`
	TestFile  string `validate:"required"`

	ImageHeight int `validate:"min=1"`
	ImageWidth  int `validate:"min=1"`
	Channels    int `validate:"min=1,max=4"`
	// Zero padding for the training random crop
	CropPadding int `validate:"min=0"`
	// Decoded test records kept in memory between evaluations
	CacheSize int `validate:"min=0"`
	// Examples buffered per input stream
	QueueCapacity int `validate:"min=1"`
	// Producer goroutines per stream; 0 uses every logical core
	Producers int `validate:"min=0"`
	Seed      int64
}

type ModelConfig struct {
	// "linear" or "mlp"
	Kind       string `validate:"oneof=linear mlp"`
	Hidden     int    `validate:"min=0"`
	NumClasses int    `validate:"min=2,max=256"`
}

type TrainingConfig struct {
	BatchSize  int `validate:"min=1"`
	NumWorkers int `validate:"min=1"`

	LearningRate float64 `validate:"gt=0"`
	Momentum     float64 `validate:"min=0,max=1"`
	Nesterov     bool
	WeightDecay  float64 `validate:"min=0"`

	// Decay of the smoothed losses
	LossAverageDecay float64 `validate:"min=0,max=1"`
	// Decay of the shadow parameters used for evaluation
	AverageDecay float64 `validate:"min=0,max=1"`

	StepsPerEpoch int `validate:"min=1"`
	Epochs        int `validate:"min=1"`
	Seed          int64

	ProgressBar bool
}

type ScheduleConfig struct {
	// "piecewise", "step", "exponential", "cosine" or "constant"
	Kind string `validate:"oneof=piecewise step exponential cosine constant"`
	// Piecewise: epoch boundaries and the rate for each interval. When Values is
	// empty the rates are the base learning rate divided by 10 at each boundary.
	Boundaries []int
	Values     []float64
	// Step
	StepSize int     `validate:"min=0"`
	Gamma    float64 `validate:"min=0"`
	// Cosine
	TMax   int     `validate:"min=0"`
	EtaMin float64 `validate:"min=0"`
}

type EvalConfig struct {
	BatchSize int `validate:"min=1"`
	// Number of batches; 0 evaluates the whole file
	Batches int `validate:"min=0"`
}

type CheckpointConfig struct {
	Directory  string        `validate:"required"`
	MaxToKeep  int           `validate:"min=0"`
	RetryDelay time.Duration `validate:"min=0"`
}

type MetricsConfig struct {
	// Address for the Prometheus /metrics endpoint; empty disables it
	ListenAddress string
	// Directory for sampled training images; empty disables them
	ImageDir string
	// Training images written per epoch
	Images int `validate:"min=0"`
}

// SetDefaults registers the defaults of the original training run.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("mode", "train")
	v.SetDefault("restore", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("data.dir", "./")
	v.SetDefault("data.format", "cifar")
	v.SetDefault("data.trainFile", "trainval.bin")
	v.SetDefault("data.testFile", "test.bin")
	v.SetDefault("data.imageHeight", 32)
	v.SetDefault("data.imageWidth", 32)
	v.SetDefault("data.channels", 3)
	v.SetDefault("data.cropPadding", 4)
	v.SetDefault("data.cacheSize", 10000)
	v.SetDefault("data.queueCapacity", 1024)
	v.SetDefault("data.producers", 0)
	v.SetDefault("data.seed", 1234)

	v.SetDefault("model.kind", "linear")
	v.SetDefault("model.hidden", 0)
	v.SetDefault("model.numClasses", 10)

	v.SetDefault("training.batchSize", 32)
	v.SetDefault("training.numWorkers", 2)
	v.SetDefault("training.learningRate", 0.1)
	v.SetDefault("training.momentum", 0.9)
	v.SetDefault("training.nesterov", true)
	v.SetDefault("training.weightDecay", 0.0001)
	v.SetDefault("training.lossAverageDecay", 0.9)
	v.SetDefault("training.averageDecay", 0.999)
	v.SetDefault("training.stepsPerEpoch", 1000)
	v.SetDefault("training.epochs", 1800)
	v.SetDefault("training.seed", 1234)
	v.SetDefault("training.progressBar", false)

	v.SetDefault("schedule.kind", "piecewise")
	v.SetDefault("schedule.boundaries", []int{64, 96})
	v.SetDefault("schedule.values", []float64{})
	v.SetDefault("schedule.stepSize", 30)
	v.SetDefault("schedule.gamma", 0.1)
	v.SetDefault("schedule.tMax", 1800)
	v.SetDefault("schedule.etaMin", 0.0)

	v.SetDefault("eval.batchSize", 10000)
	v.SetDefault("eval.batches", 1)
	v.SetDefault("test.batchSize", 1000)
	v.SetDefault("test.batches", 10)

	v.SetDefault("checkpoint.directory", "./ckpts")
	v.SetDefault("checkpoint.maxToKeep", 10)
	v.SetDefault("checkpoint.retryDelay", 500*time.Millisecond)

	v.SetDefault("metrics.listenAddress", "")
	v.SetDefault("metrics.imageDir", "./graphs")
	v.SetDefault("metrics.images", 2)
}

// Load reads the optional YAML file at path and DPTRAIN_-prefixed environment
// overrides (DPTRAIN_TRAINING_BATCHSIZE=64) on top of the defaults, then validates
// the result. Flags bound to v before the call take precedence.
func Load(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &trainerrors.ErrConfig{Field: "config", Message: "cannot read " + path, Cause: err}
		}
		log.WithField("path", v.ConfigFileUsed()).Info("Using config file")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, &trainerrors.ErrConfig{Field: "config", Message: "cannot decode", Cause: err}
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate checks field ranges and cross-field constraints. The first violation is
// returned as an *trainerrors.ErrConfig; all of them are logged.
func (c Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var validationErrors validator.ValidationErrors
		if !errors.As(err, &validationErrors) {
			return &trainerrors.ErrConfig{Field: "config", Message: "invalid", Cause: err}
		}
		LogValidationErrors(validationErrors)
		first := validationErrors[0]
		return &trainerrors.ErrConfig{
			Field:   stripPrefix(first.Namespace()),
			Message: "failed validation: " + first.Tag(),
			Cause:   err,
		}
	}

	if c.Model.Kind == "mlp" && c.Model.Hidden <= 0 {
		return &trainerrors.ErrConfig{Field: "Model.Hidden", Message: "must be positive for an mlp"}
	}
	if c.Training.Nesterov && c.Training.Momentum == 0 {
		return &trainerrors.ErrConfig{Field: "Training.Nesterov", Message: "requires a positive momentum"}
	}
	if c.Schedule.Kind == "piecewise" {
		if err := ValidatePiecewise(c.Schedule.Boundaries, c.Schedule.Values); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePiecewise checks a piecewise-constant schedule: boundaries strictly
// increasing and positive, and, when values are given, one more value than
// boundaries, all positive and non-increasing.
func ValidatePiecewise(boundaries []int, values []float64) error {
	for i, b := range boundaries {
		if b <= 0 {
			return &trainerrors.ErrConfig{Field: "Schedule.Boundaries", Message: "must be positive"}
		}
		if i > 0 && b <= boundaries[i-1] {
			return &trainerrors.ErrConfig{Field: "Schedule.Boundaries", Message: "must be strictly increasing"}
		}
	}
	if len(values) == 0 {
		return nil
	}
	if len(values) != len(boundaries)+1 {
		return &trainerrors.ErrConfig{Field: "Schedule.Values", Message: "must have one more entry than Schedule.Boundaries"}
	}
	for i, v := range values {
		if v <= 0 {
			return &trainerrors.ErrConfig{Field: "Schedule.Values", Message: "must be positive"}
		}
		if i > 0 && v > values[i-1] {
			return &trainerrors.ErrConfig{Field: "Schedule.Values", Message: "must be non-increasing"}
		}
	}
	return nil
}

func LogValidationErrors(errs validator.ValidationErrors) {
	for _, err := range errs {
		fieldName := stripPrefix(err.Namespace())
		switch err.Tag() {
		case "required":
			log.Errorf("ConfigError: Field %s is required but was not found", fieldName)
		default:
			log.Errorf("ConfigError: Field %s has invalid value %v: %s", fieldName, err.Value(), err.Tag())
		}
	}
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
