package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fixly-app/voicebridge/internal/config"
	"github.com/fixly-app/voicebridge/internal/events"
	"github.com/fixly-app/voicebridge/internal/log"
	"github.com/fixly-app/voicebridge/pkg/convo"
	"github.com/fixly-app/voicebridge/pkg/gateway"
	"github.com/fixly-app/voicebridge/pkg/inference"
	"github.com/fixly-app/voicebridge/pkg/session"
	"github.com/fixly-app/voicebridge/pkg/stt"
	"github.com/fixly-app/voicebridge/pkg/tts"
)

func main() {
	port := flag.String("port", "", "HTTP port (overrides PORT env)")
	logLevel := flag.String("log-level", "", "log level (overrides LOG_LEVEL env)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log.Init(cfg.LogLevel)
	logger := log.L()

	llm, err := inference.NewClient(
		inference.WithAPIKey(cfg.OpenAIAPIKey),
		inference.WithBaseURL(cfg.OpenAIBaseURL),
		inference.WithModel(cfg.ChatModel),
		inference.WithLogger(logger),
	)
	if err != nil {
		logger.Error("inference client init failed", "error", err)
		os.Exit(1)
	}

	speaker, err := buildSpeaker(cfg, logger)
	if err != nil {
		logger.Error("tts init failed", "error", err)
		os.Exit(1)
	}
	defer speaker.Close()

	publisher := events.New(&events.Config{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		Enabled: cfg.KafkaEnabled,
	})
	defer publisher.Close()

	factory := func(ch session.Channel) (*session.Session, error) {
		// Each call gets its own transcription stream and
		// conversation history; the LLM and TTS clients are shared.
		transcriber, err := stt.NewDeepgram(
			stt.WithAPIKey(cfg.DeepgramAPIKey),
			stt.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("transcription init: %w", err)
		}
		engine := convo.NewEngine(llm, convo.WithLogger(logger))
		return session.New(ch, transcriber, engine, speaker,
			session.WithLogger(logger),
		), nil
	}

	srv := gateway.NewServer(gateway.Config{
		PublicHost: cfg.PublicHost,
		Logger:     logger,
	}, publisher, factory)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("shutting down", "signal", sig.String())
		if err := srv.Shutdown(); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("voicebridge starting",
		"port", cfg.Port,
		"chat_model", cfg.ChatModel,
		"voice_model", cfg.VoiceModel,
		"kafka_enabled", cfg.KafkaEnabled,
	)

	if err := srv.Start(cfg.Port); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

// buildSpeaker wires the synthesis provider. Deepgram Aura is the
// primary; when ElevenLabs credentials are present it becomes the
// fallback in a chain.
func buildSpeaker(cfg *config.Config, logger *slog.Logger) (tts.Provider, error) {
	primary, err := tts.NewDeepgram(
		tts.WithAPIKey(cfg.DeepgramAPIKey),
		tts.WithVoice(cfg.VoiceModel),
		tts.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	if cfg.ElevenLabsAPIKey == "" || cfg.ElevenLabsVoice == "" {
		return primary, nil
	}

	fallback, err := tts.NewElevenLabs(
		tts.WithAPIKey(cfg.ElevenLabsAPIKey),
		tts.WithVoice(cfg.ElevenLabsVoice),
		tts.WithOutputFormat(tts.EncodingULaw),
		tts.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	return tts.NewChainWithLogger(logger, primary, fallback)
}
