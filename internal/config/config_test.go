package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/caption-api/internal/model"
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newViper())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(10<<20), cfg.Server.MaxUploadBytes)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 256, cfg.Model.EmbedSize)
	assert.Equal(t, 512, cfg.Model.HiddenSize)
	assert.Equal(t, 20, cfg.Model.MaxSteps)
	assert.Equal(t, 224, cfg.Model.ImageSize)
	assert.Equal(t, int64(50_000_000), cfg.Model.MaxImagePixels)
	assert.Equal(t, "auto", cfg.Device)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caption.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  shutdown_timeout: 3s
model:
  max_steps: 12
  vocab_path: /data/vocab.json
device: cpu
inference:
  max_concurrent: 2
`), 0o644))

	v := newViper()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 12, cfg.Model.MaxSteps)
	assert.Equal(t, "/data/vocab.json", cfg.Model.VocabPath)
	assert.Equal(t, "models/encoder.onnx", cfg.Model.EncoderPath)
	assert.Equal(t, 2, cfg.Concurrency(model.DeviceCPU))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CAPTION_MODEL_MAX_STEPS", "7")
	t.Setenv("CAPTION_DEVICE", "cuda")

	v := newViper()
	BindEnv(v)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Model.MaxSteps)
	assert.Equal(t, model.DeviceCUDA, cfg.ResolveDevice(func() bool { return false }))
}

func TestValidateReportsAllProblems(t *testing.T) {
	v := newViper()
	v.Set("model.max_steps", 0)
	v.Set("model.vocab_path", "")
	v.Set("model.decoder_path", " ")
	v.Set("device", "tpu")

	_, err := Load(v)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "model.max_steps must be positive")
	assert.Contains(t, msg, "model.vocab_path is required")
	assert.Contains(t, msg, "model.decoder_path is required")
	assert.Contains(t, msg, `unknown device "tpu"`)
	assert.NotContains(t, msg, "model.encoder_path")
}

func TestConcurrency(t *testing.T) {
	cfg := &Config{Inference: InferenceConfig{MaxConcurrent: 4}}
	assert.Equal(t, 1, cfg.Concurrency(model.DeviceCUDA))
	assert.Equal(t, 4, cfg.Concurrency(model.DeviceCPU))

	cfg.Inference.MaxConcurrent = 0
	assert.Equal(t, runtime.NumCPU(), cfg.Concurrency(model.DeviceCPU))
}

func TestResolveDeviceProbesAuto(t *testing.T) {
	cfg := &Config{Device: "auto"}
	assert.Equal(t, model.DeviceCUDA, cfg.ResolveDevice(func() bool { return true }))
	assert.Equal(t, model.DeviceCPU, cfg.ResolveDevice(func() bool { return false }))
}

func TestValidateOrderIsStable(t *testing.T) {
	v := newViper()
	v.Set("model.vocab_path", "")
	v.Set("model.encoder_path", "")
	v.Set("model.decoder_path", "")

	_, err := Load(v)
	require.Error(t, err)
	first := err.Error()
	assert.Equal(t,
		"model.vocab_path is required\nmodel.encoder_path is required\nmodel.decoder_path is required",
		strings.TrimSpace(first))

	for i := 0; i < 20; i++ {
		_, err := Load(v)
		require.Error(t, err)
		assert.Equal(t, first, err.Error())
	}
}

func TestValidateRejectsBadLimits(t *testing.T) {
	v := newViper()
	v.Set("model.max_image_pixels", 0)
	v.Set("onnx.intra_op_threads", -1)

	_, err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.max_image_pixels must be positive")
	assert.Contains(t, err.Error(), "onnx.intra_op_threads must not be negative")
}

func TestIntraOpThreads(t *testing.T) {
	cfg := &Config{Inference: InferenceConfig{MaxConcurrent: 4}}
	assert.Equal(t, 1, cfg.IntraOpThreads(model.DeviceCPU))
	assert.Equal(t, 0, cfg.IntraOpThreads(model.DeviceCUDA))

	cfg.Inference.MaxConcurrent = 1
	assert.Equal(t, 0, cfg.IntraOpThreads(model.DeviceCPU))

	cfg.ONNX.IntraOpThreads = 6
	assert.Equal(t, 6, cfg.IntraOpThreads(model.DeviceCPU))
	assert.Equal(t, 6, cfg.IntraOpThreads(model.DeviceCUDA))
}
