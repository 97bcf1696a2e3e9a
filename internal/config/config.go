// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package config loads the engine configuration.
//
// Values come, in increasing precedence, from the defaults below, an optional
// configuration file, CRSTATS_ prefixed environment variables and command line
// flags bound through BindFlags. Nested keys use dots in files and flags and
// underscores in the environment (log.level is CRSTATS_LOG_LEVEL).
package config

import (
	"errors"
	"fmt"
	"math/bits"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "CRSTATS"

// Log configures the engine logger.
type Log struct {
	Level string `mapstructure:"level" json:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json" json:"json"`
}

// Config is the engine configuration.
type Config struct {
	Enabled                      bool          `mapstructure:"enabled" json:"enabled"`
	VerifyAllStores              bool          `mapstructure:"verify_all_stores" json:"verify_all_stores"`
	CompressInternals            bool          `mapstructure:"compress_internals" json:"compress_internals"`
	CompressObjArray             bool          `mapstructure:"compress_obj_array" json:"compress_obj_array"`
	CompressObjArrayOfInternals  bool          `mapstructure:"compress_obj_array_of_internals" json:"compress_obj_array_of_internals"`
	CompressObjArrayOfTypeArrays bool          `mapstructure:"compress_obj_array_of_type_arrays" json:"compress_obj_array_of_type_arrays"`
	MetadataBits                 int           `mapstructure:"metadata_bits" json:"metadata_bits" validate:"gte=0,lte=16"`
	OvercommitRatio              uint64        `mapstructure:"overcommit_ratio" json:"overcommit_ratio" validate:"gte=1,lte=1024"`
	MinObjectAlignment           uint64        `mapstructure:"min_object_alignment" json:"min_object_alignment" validate:"gte=8,lte=256,pow2"`
	VerifyInitialCapacity        uint64        `mapstructure:"verify_initial_capacity" json:"verify_initial_capacity" validate:"gte=1"`
	TableSize                    uint64        `mapstructure:"table_size" json:"table_size" validate:"gte=1,pow2"`
	InternalPrefixes             []string      `mapstructure:"internal_prefixes" json:"internal_prefixes" validate:"dive,required"`
	ReclaimInterval              time.Duration `mapstructure:"reclaim_interval" json:"reclaim_interval" validate:"gt=0"`
	ScanWorkers                  int           `mapstructure:"scan_workers" json:"scan_workers" validate:"gte=1,lte=1024"`
	Log                          Log           `mapstructure:"log" json:"log"`
}

// AlignShift returns log2 of the minimum object alignment.
func (c *Config) AlignShift() uint {
	return uint(bits.TrailingZeros64(c.MinObjectAlignment))
}

var defaults = map[string]any{
	"enabled":                           true,
	"verify_all_stores":                 false,
	"compress_internals":                false,
	"compress_obj_array":                true,
	"compress_obj_array_of_internals":   false,
	"compress_obj_array_of_type_arrays": false,
	"metadata_bits":                     2,
	"overcommit_ratio":                  16,
	"min_object_alignment":              8,
	"verify_initial_capacity":           1 << 20,
	"table_size":                        1024,
	"internal_prefixes":                 []string{"java/", "jdk/", "sun/"},
	"reclaim_interval":                  100 * time.Millisecond,
	"scan_workers":                      4,
	"log.level":                         "info",
	"log.json":                          false,
}

// Default returns the default configuration. The environment is not consulted.
func Default() *Config {
	v := viper.New()
	setDefaultValues(v)
	cfg, err := decode(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

// NewViper returns a viper instance carrying the defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

// SetDefaults registers defaults and environment lookup on v.
func SetDefaults(v *viper.Viper) {
	setDefaultValues(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(false)
	v.AutomaticEnv()
}

func setDefaultValues(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// BindFlags defines a flag for every key on fs and binds them to v.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.Bool("enabled", true, "collect reference statistics")
	fs.Bool("verify_all_stores", false, "reconcile marked fields against logged stores")
	fs.Bool("compress_internals", false, "consider classes in the internal namespace")
	fs.Bool("compress_obj_array", true, "evaluate reference arrays")
	fs.Bool("compress_obj_array_of_internals", false, "evaluate arrays of internal classes")
	fs.Bool("compress_obj_array_of_type_arrays", false, "evaluate arrays of primitive arrays")
	fs.Int("metadata_bits", 2, "metadata bits reserved in a narrowed reference")
	fs.Uint64("overcommit_ratio", 16, "virtual to physical heap ratio")
	fs.Uint64("min_object_alignment", 8, "minimum object alignment in bytes")
	fs.Uint64("verify_initial_capacity", 1<<20, "initial store log capacity per generation")
	fs.Uint64("table_size", 1024, "statistics table buckets (power of two)")
	fs.StringSlice("internal_prefixes", []string{"java/", "jdk/", "sun/"}, "class name prefixes never narrowed")
	fs.Duration("reclaim_interval", 100*time.Millisecond, "background reclamation tick")
	fs.Int("scan_workers", 4, "workers of a paused table scan")
	fs.String("log.level", "info", "log level (debug, info, warn, error)")
	fs.Bool("log.json", false, "log as JSON")

	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("config: bind flags: %w", err)
	}
	return nil
}

// LoadFile reads path into v and loads the result.
func LoadFile(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Load(v)
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		trimStringsHook(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// trimStringsHook strips surrounding blanks from every decoded string.
func trimStringsHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.String {
			return data, nil
		}
		return strings.TrimSpace(reflect.ValueOf(data).String()), nil
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("pow2", func(fl validator.FieldLevel) bool {
		n := fl.Field().Uint()
		return n != 0 && n&(n-1) == 0
	})
	return v
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Validate checks cfg against its constraints.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s: %w", ErrInvalid, strings.Join(fields, "; "), err)
		}
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}
