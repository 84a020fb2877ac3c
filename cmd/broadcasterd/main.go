// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// broadcasterd publishes a generated tone into one room and serves the
// discovery API. It exists to exercise the library against a running
// MediaMTX instance.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/emiago/broadcaster"
	"github.com/emiago/broadcaster/pipeline"
)

type config struct {
	APIURL        string `mapstructure:"api_url"`
	DiscoveryHost string `mapstructure:"discovery_host"`
	DiscoveryPort int    `mapstructure:"discovery_port"`
	RoomPath      string `mapstructure:"room_path"`
	RoomTitle     string `mapstructure:"room_title"`
	SampleRate    int    `mapstructure:"sample_rate"`
	ToneHz        int    `mapstructure:"tone_hz"`
	DeleteRooms   bool   `mapstructure:"delete_rooms_on_close"`
}

func loadConfig() (*config, error) {
	v := viper.New()
	v.SetConfigName("broadcasterd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("api_url", "http://localhost:9997")
	v.SetDefault("discovery_host", "localhost")
	v.SetDefault("discovery_port", 3000)
	v.SetDefault("room_path", "room1")
	v.SetDefault("room_title", "Test tone")
	v.SetDefault("sample_rate", 8000)
	v.SetDefault("tone_hz", 440)
	v.SetDefault("delete_rooms_on_close", true)

	v.SetEnvPrefix("BROADCASTER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Err(err).Msg("no config file, using defaults")
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// toneProvider generates a continuous S16LE sine wave.
func toneProvider(freq int) broadcaster.ProvideAudioFunc {
	var phase float64
	return func(buf []byte, sampleRate int) int {
		step := 2 * math.Pi * float64(freq) / float64(sampleRate)
		n := len(buf) / 2
		for i := 0; i < n; i++ {
			sample := int16(math.Sin(phase) * 0.3 * math.MaxInt16)
			binary.LittleEndian.PutUint16(buf[2*i:], uint16(sample))
			phase += step
		}
		return n
	}
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := []broadcaster.Option{broadcaster.WithLogger(log.Logger)}
	if cfg.DeleteRooms {
		opts = append(opts, broadcaster.WithDeleteRoomsOnClose())
	}

	bc, err := broadcaster.New(cfg.APIURL, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("creating broadcaster")
	}

	if err := bc.CreateRoom(ctx, cfg.RoomPath, broadcaster.RoomConfig{Title: cfg.RoomTitle}); err != nil {
		log.Fatal().Err(err).Msg("creating room")
	}

	err = bc.PublishAudio(ctx, cfg.RoomPath, toneProvider(cfg.ToneHz), broadcaster.AudioConfig{
		Format:     pipeline.FormatS16LE,
		SampleRate: cfg.SampleRate,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("publishing audio")
	}

	started := time.Now()
	if err := bc.PublishText(ctx, cfg.RoomPath, func() string {
		return fmt.Sprintf("on air for %s", time.Since(started).Round(time.Second))
	}); err != nil {
		log.Fatal().Err(err).Msg("publishing text")
	}

	if err := bc.StartDiscovery(cfg.DiscoveryHost, cfg.DiscoveryPort); err != nil {
		log.Fatal().Err(err).Msg("starting discovery server")
	}
	log.Info().Str("room", cfg.RoomPath).Int("port", bc.DiscoveryPort()).Msg("broadcasting")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	if err := bc.Close(); err != nil {
		log.Warn().Err(err).Msg("shutdown finished with errors")
	}
}
