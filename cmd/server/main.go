package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Brownie44l1/caption-api/internal/caption"
	"github.com/Brownie44l1/caption-api/internal/config"
	"github.com/Brownie44l1/caption-api/internal/handlers"
	"github.com/Brownie44l1/caption-api/internal/logging"
	"github.com/Brownie44l1/caption-api/internal/metrics"
	"github.com/Brownie44l1/caption-api/internal/model"
	"github.com/Brownie44l1/caption-api/internal/preprocess"
	"github.com/Brownie44l1/caption-api/internal/vocab"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "caption-server",
	Short: "Serve image captions over HTTP",
	Long: `Load the vocabulary and the ONNX encoder/decoder once, then caption
uploaded images.

Examples:
  caption-server --config caption.yaml
  curl -X POST -F "file=@dog.jpg" http://localhost:8080/predict`,
	SilenceUsage: true,
	RunE:         runServer,
}

func init() {
	cobra.OnInitialize(initConfig)

	config.SetDefaults(viper.GetViper())
	config.BindEnv(viper.GetViper())

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file path (e.g. caption.yaml)")
	flags.Int("port", 8080, "HTTP listen port")
	flags.String("device", "auto", "compute device (auto, cpu, cuda)")
	flags.String("vocab", "models/vocab.json", "vocabulary artifact")
	flags.String("encoder", "models/encoder.onnx", "encoder ONNX model")
	flags.String("decoder", "models/decoder.onnx", "decoder ONNX model")
	flags.Int("max-steps", 20, "maximum decoder steps per caption")
	flags.String("onnx-lib", "", "path to the ONNX Runtime shared library")
	flags.String("log-level", "info", "set the logging level (debug, info, warn, error)")
	flags.String("log-style", "terminal", "set the logging output style (terminal, json, noop)")

	mustBindPFlag("server.port", flags.Lookup("port"))
	mustBindPFlag("device", flags.Lookup("device"))
	mustBindPFlag("model.vocab_path", flags.Lookup("vocab"))
	mustBindPFlag("model.encoder_path", flags.Lookup("encoder"))
	mustBindPFlag("model.decoder_path", flags.Lookup("decoder"))
	mustBindPFlag("model.max_steps", flags.Lookup("max-steps"))
	mustBindPFlag("onnx.library_path", flags.Lookup("onnx-lib"))
	mustBindPFlag("log.level", flags.Lookup("log-level"))
	mustBindPFlag("log.style", flags.Lookup("log-style"))
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// initConfig reads the config file if one is given or found.
func initConfig() {
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			fmt.Fprintf(os.Stderr, "Config file not found: %s\n", cfgFile)
			os.Exit(1)
		}
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("caption")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
			os.Exit(1)
		}
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Config{Level: cfg.Log.Level, Style: logging.Style(cfg.Log.Style)})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if used := viper.ConfigFileUsed(); used != "" {
		logger.Info("Using config file", zap.String("path", used))
	}

	app, err := load(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", zap.Error(err))
		return err
	}
	defer app.Close()

	handler := handlers.NewHandler(app.service, handlers.Config{
		Device:         string(app.device),
		VocabSize:      app.vocab.Size(),
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}, logger)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: handler.Routes(app.metrics.Handler()),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("device", string(app.device)),
			zap.Int("vocab_size", app.vocab.Size()))
		logger.Info("Endpoints: GET /health, GET /metrics, POST /predict, POST /predict/tensor")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown failed", zap.Error(err))
		return err
	}
	return nil
}

// components holds the process-scoped, read-only state shared by requests.
type components struct {
	device  model.Device
	vocab   *vocab.Vocabulary
	runtime *model.Runtime
	encoder *model.ONNXEncoder
	decoder *model.ONNXDecoder
	metrics *metrics.Metrics
	service *caption.Service
}

func load(cfg *config.Config, logger *zap.Logger) (*components, error) {
	c := &components{device: cfg.ResolveDevice(model.ProbeCUDA), metrics: metrics.New()}

	v, err := vocab.Load(cfg.Model.VocabPath)
	if err != nil {
		return nil, err
	}
	c.vocab = v
	logger.Info("Loaded vocabulary", zap.String("path", cfg.Model.VocabPath), zap.Int("size", v.Size()))

	rt, err := model.NewRuntime(model.RuntimeConfig{
		LibraryPath:    cfg.ONNX.LibraryPath,
		Device:         c.device,
		IntraOpThreads: cfg.IntraOpThreads(c.device),
	}, logger)
	if err != nil {
		return nil, err
	}
	c.runtime = rt

	if c.encoder, err = rt.LoadEncoder(cfg.Model.EncoderPath, cfg.Model.EmbedSize); err != nil {
		c.Close()
		return nil, err
	}
	if c.decoder, err = rt.LoadDecoder(cfg.Model.DecoderPath, model.DecoderConfig{
		EmbedSize:  cfg.Model.EmbedSize,
		HiddenSize: cfg.Model.HiddenSize,
		NumLayers:  cfg.Model.NumLayers,
		VocabSize:  v.Size(),
		EndID:      v.EndID(),
		MaxSteps:   cfg.Model.MaxSteps,
	}); err != nil {
		c.Close()
		return nil, err
	}

	pre := preprocess.DefaultConfig()
	pre.Size = cfg.Model.ImageSize
	pre.MaxPixels = cfg.Model.MaxImagePixels
	c.service, err = caption.NewService(preprocess.New(pre), c.encoder, c.decoder, v, caption.Options{
		Concurrency: cfg.Concurrency(c.device),
		Metrics:     c.metrics,
		Logger:      logger,
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *components) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
	if c.runtime != nil {
		c.runtime.Close()
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
