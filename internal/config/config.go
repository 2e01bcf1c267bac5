// Package config reads the process configuration once at startup.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Brownie44l1/caption-api/internal/model"
)

const EnvPrefix = "CAPTION"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Model     ModelConfig     `mapstructure:"model"`
	Device    string          `mapstructure:"device"`
	Inference InferenceConfig `mapstructure:"inference"`
	ONNX      ONNXConfig      `mapstructure:"onnx"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ModelConfig struct {
	EmbedSize  int `mapstructure:"embed_size"`
	HiddenSize int `mapstructure:"hidden_size"`
	NumLayers  int `mapstructure:"num_layers"`
	MaxSteps   int `mapstructure:"max_steps"`
	ImageSize  int `mapstructure:"image_size"`
	// MaxImagePixels caps the declared width*height of uploads.
	MaxImagePixels int64  `mapstructure:"max_image_pixels"`
	VocabPath      string `mapstructure:"vocab_path"`
	EncoderPath    string `mapstructure:"encoder_path"`
	DecoderPath    string `mapstructure:"decoder_path"`
}

type InferenceConfig struct {
	// MaxConcurrent caps concurrent encode+decode runs. 0 picks a default
	// for the device; accelerators are always limited to 1.
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

type ONNXConfig struct {
	LibraryPath string `mapstructure:"library_path"`
	// IntraOpThreads is the ORT thread pool size per session run. 0 lets
	// ORT choose when runs are serialized and means 1 otherwise; see
	// Config.IntraOpThreads.
	IntraOpThreads int `mapstructure:"intra_op_threads"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Style string `mapstructure:"style"`
}

// SetDefaults registers every key with its default so env overrides bind.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_upload_bytes", 10<<20)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("model.embed_size", 256)
	v.SetDefault("model.hidden_size", 512)
	v.SetDefault("model.num_layers", 1)
	v.SetDefault("model.max_steps", 20)
	v.SetDefault("model.image_size", 224)
	v.SetDefault("model.max_image_pixels", 50_000_000)
	v.SetDefault("model.vocab_path", "models/vocab.json")
	v.SetDefault("model.encoder_path", "models/encoder.onnx")
	v.SetDefault("model.decoder_path", "models/decoder.onnx")

	v.SetDefault("device", string(model.DeviceAuto))
	v.SetDefault("inference.max_concurrent", 0)

	v.SetDefault("onnx.library_path", "")
	v.SetDefault("onnx.intra_op_threads", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.style", "terminal")
}

// BindEnv makes CAPTION_SERVER_PORT and friends override config keys.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var problems []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxUploadBytes <= 0 {
		problems = append(problems, errors.New("server.max_upload_bytes must be positive"))
	}
	if c.Model.EmbedSize <= 0 {
		problems = append(problems, errors.New("model.embed_size must be positive"))
	}
	if c.Model.HiddenSize <= 0 {
		problems = append(problems, errors.New("model.hidden_size must be positive"))
	}
	if c.Model.NumLayers <= 0 {
		problems = append(problems, errors.New("model.num_layers must be positive"))
	}
	if c.Model.MaxSteps <= 0 {
		problems = append(problems, errors.New("model.max_steps must be positive"))
	}
	if c.Model.ImageSize <= 0 {
		problems = append(problems, errors.New("model.image_size must be positive"))
	}
	if c.Model.MaxImagePixels <= 0 {
		problems = append(problems, errors.New("model.max_image_pixels must be positive"))
	}
	for _, p := range []struct{ key, path string }{
		{"model.vocab_path", c.Model.VocabPath},
		{"model.encoder_path", c.Model.EncoderPath},
		{"model.decoder_path", c.Model.DecoderPath},
	} {
		if strings.TrimSpace(p.path) == "" {
			problems = append(problems, fmt.Errorf("%s is required", p.key))
		}
	}
	if _, err := model.ParseDevice(c.Device); err != nil {
		problems = append(problems, err)
	}
	if c.Inference.MaxConcurrent < 0 {
		problems = append(problems, errors.New("inference.max_concurrent must not be negative"))
	}
	if c.ONNX.IntraOpThreads < 0 {
		problems = append(problems, errors.New("onnx.intra_op_threads must not be negative"))
	}
	return errors.Join(problems...)
}

// ResolveDevice returns the concrete device, probing when configured as auto.
func (c *Config) ResolveDevice(probe model.Prober) model.Device {
	d, err := model.ParseDevice(c.Device)
	if err != nil {
		d = model.DeviceAuto
	}
	return model.ResolveDevice(d, probe)
}

// Concurrency is the number of requests allowed to run encode+decode at once
// on device d.
func (c *Config) Concurrency(d model.Device) int {
	if d.Accelerated() {
		return 1
	}
	if c.Inference.MaxConcurrent > 0 {
		return c.Inference.MaxConcurrent
	}
	return runtime.NumCPU()
}

// IntraOpThreads is the ORT thread count for sessions on device d. An explicit
// setting wins. Otherwise runs that may overlap get one thread each, so that
// Concurrency(d) parallel requests do not oversubscribe the CPU, and a single
// serialized run leaves the choice to ORT (0).
func (c *Config) IntraOpThreads(d model.Device) int {
	if c.ONNX.IntraOpThreads > 0 {
		return c.ONNX.IntraOpThreads
	}
	if c.Concurrency(d) > 1 {
		return 1
	}
	return 0
}
