package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/amanullahtanweer/badge-relay/internal/config"
	"github.com/amanullahtanweer/badge-relay/internal/dispatch"
	"github.com/amanullahtanweer/badge-relay/internal/metrics"
	"github.com/amanullahtanweer/badge-relay/internal/mqtt"
	"github.com/amanullahtanweer/badge-relay/internal/pairing"
	"github.com/amanullahtanweer/badge-relay/internal/presence"
	"github.com/amanullahtanweer/badge-relay/internal/relay"
	"github.com/amanullahtanweer/badge-relay/internal/server"
	"github.com/amanullahtanweer/badge-relay/internal/transcriber"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config.yaml", "Configuration file path")
	flag.Parse()

	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})

	cfg, err := config.Load(configFile, explicit)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	router := relay.NewRouter(cfg.Server.IdleWait, m)

	pairs, err := openPairing(cfg)
	if err != nil {
		log.Fatalf("Failed to open pairing store: %v", err)
	}
	defer pairs.Close()

	notifier := presence.New(presence.Config{
		BaseURL:   cfg.BadgeURL,
		Timeout:   cfg.Badges.Timeout,
		QueueSize: cfg.Presence.QueueSize,
	}, m)
	dispatcher := dispatch.New(dispatch.Config{
		BaseURL:   cfg.BadgeURL,
		Timeout:   cfg.Badges.Timeout,
		QueueSize: cfg.Dispatch.QueueSize,
	}, pairs, router, m)

	if cfg.MQTT.Broker != "" {
		publisher, err := mqtt.NewPublisher(mqtt.Config{
			Broker:             cfg.MQTT.Broker,
			ClientID:           cfg.MQTT.ClientID,
			Username:           cfg.MQTT.Username,
			Password:           cfg.MQTT.Password,
			PresenceTopic:      cfg.MQTT.PresenceTopic,
			TranscriptionTopic: cfg.MQTT.TranscriptionTopic,
		})
		if err != nil {
			log.Printf("MQTT mirror disabled: %v", err)
		} else {
			defer publisher.Close()
			notifier.SetMirror(publisher)
			dispatcher.SetMirror(publisher)
		}
	}

	notifier.Start()
	dispatcher.Start()

	srv, err := server.New(server.Config{
		Addr:            cfg.ListenAddr(),
		BadgeHeader:     cfg.Server.BadgeHeader,
		MaxChunkBytes:   cfg.Server.MaxChunkBytes,
		SampleRate:      cfg.Audio.SampleRate,
		Bits:            cfg.Audio.Bits,
		Channels:        cfg.Audio.Channels,
		OutputDir:       cfg.Transcription.OutputDir,
		SaveTranscripts: cfg.Transcription.SaveTranscripts,
	}, server.Deps{
		Router:   router,
		Engines:  transcriber.NewVoskFactory(cfg.Vosk.ServerURL, cfg.Vosk.ReplyTimeout),
		Notifier: notifier,
		Spans:    dispatcher,
		Pairs:    pairs,
		Metrics:  m,
		Gatherer: reg,
	})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if err := srv.Listen(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Printf("Recognizer: vosk-server at %s", cfg.Vosk.ServerURL)

	go func() {
		if err := srv.Serve(); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	var ingress *server.AudioSocketIngress
	if cfg.AudioSocket.Listen != "" {
		ingress = srv.NewAudioSocketIngress(server.AudioSocketConfig{
			Addr:       cfg.AudioSocket.Listen,
			SampleRate: cfg.AudioSocket.SampleRate,
			PlayPeers:  cfg.AudioSocket.PlayPeers,
		})
		if err := ingress.Listen(); err != nil {
			log.Fatalf("AudioSocket error: %v", err)
		}
		go func() {
			if err := ingress.Serve(); err != nil {
				log.Printf("AudioSocket error: %v", err)
			}
		}()
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	if ingress != nil {
		ingress.Stop()
	}
	notifier.Stop()
	dispatcher.Stop()
}

func openPairing(cfg *config.Config) (pairing.Store, error) {
	if cfg.Pairing.RedisAddr == "" {
		log.Printf("Pairing: in-memory store")
		return pairing.NewMemoryStore(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := pairing.NewRedisStore(ctx, pairing.RedisConfig{
		Addr:     cfg.Pairing.RedisAddr,
		Password: cfg.Pairing.RedisPassword,
		DB:       cfg.Pairing.RedisDB,
		Prefix:   cfg.Pairing.RedisPrefix,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("Pairing: redis store at %s", cfg.Pairing.RedisAddr)
	return store, nil
}
