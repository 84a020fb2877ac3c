// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package broadcaster

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/emiago/broadcaster/pipeline"
)

// ProvideAudioFunc fills buf with raw audio in the configured sample
// format and returns the number of samples written. It is called on the
// session worker goroutine only when the stream has capacity, so a slow
// provider stalls its own room and nothing else.
type ProvideAudioFunc func(buf []byte, sampleRate int) int

// AudioConfig configures PublishAudio.
type AudioConfig struct {
	Format pipeline.SampleFormat
	// ChunkSize in bytes handed to the provider. Defaults to 1024.
	ChunkSize int
	// SampleRate in Hz. Defaults to 44100.
	SampleRate int
	// Channels defaults to 1.
	Channels int
	// RecordTo optionally stores the published audio locally as WAV.
	RecordTo io.WriteSeeker
}

// SessionState of a push session. Sessions never restart: a stopped
// session is replaced, not resumed.
type SessionState int32

const (
	SessionNew SessionState = iota
	SessionRunning
	SessionStopped
)

type feedSignal int

const (
	sigNeedData feedSignal = iota
	sigEnoughData
)

// PushSession binds one audio provider to one media server path through a
// streaming pipeline. All pipeline callbacks are dispatched on a single
// dedicated worker goroutine; Close joins it, so once Close returns the
// provider is guaranteed not to be called again.
type PushSession struct {
	id       string
	provider ProvideAudioFunc
	conf     AudioConfig
	pipe     *pipeline.Pipeline
	log      zerolog.Logger

	state atomic.Int32
	alive atomic.Bool

	signals chan feedSignal
	quit    chan struct{}
	done    chan struct{}

	// totalSamples is touched by the worker goroutine only.
	totalSamples uint64

	quitOnce  sync.Once
	closeOnce sync.Once
}

func newPushSession(location string, provider ProvideAudioFunc, conf AudioConfig, log zerolog.Logger) (*PushSession, error) {
	if conf.ChunkSize == 0 {
		conf.ChunkSize = pipeline.DefaultChunkSize
	}
	if conf.SampleRate == 0 {
		conf.SampleRate = pipeline.DefaultSampleRate
	}
	if conf.Channels == 0 {
		conf.Channels = 1
	}

	pipe, err := pipeline.New(pipeline.Config{
		Location:   location,
		Format:     conf.Format,
		SampleRate: conf.SampleRate,
		Channels:   conf.Channels,
		ChunkSize:  conf.ChunkSize,
		RecordTo:   conf.RecordTo,
	})
	if err != nil {
		return nil, err
	}

	s := &PushSession{
		id:       uuid.NewString(),
		provider: provider,
		conf:     conf,
		pipe:     pipe,
		signals:  make(chan feedSignal, 8),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.log = log.With().Str("session", s.id).Logger()

	// Engine callbacks only post to the worker mailbox. All real work
	// happens on the worker goroutine.
	pipe.OnNeedData(func() { s.signal(sigNeedData) })
	pipe.OnEnoughData(func() { s.signal(sigEnoughData) })
	return s, nil
}

// ID of the session, for log correlation.
func (s *PushSession) ID() string {
	return s.id
}

// State returns the session lifecycle state.
func (s *PushSession) State() SessionState {
	return SessionState(s.state.Load())
}

// Alive reports whether the worker is still feeding the stream. A session
// that hit an asynchronous pipeline fault reads as not alive.
func (s *PushSession) Alive() bool {
	return s.alive.Load()
}

// Start launches the worker and puts the pipeline into playing.
func (s *PushSession) Start() error {
	if !s.state.CompareAndSwap(int32(SessionNew), int32(SessionRunning)) {
		return fmt.Errorf("%w: session already started", pipeline.ErrStart)
	}
	s.alive.Store(true)
	go s.loop()

	if err := s.pipe.Start(); err != nil {
		s.state.Store(int32(SessionStopped))
		s.quitOnce.Do(func() { close(s.quit) })
		<-s.done
		return err
	}
	s.log.Debug().Msg("push session started")
	return nil
}

// Stop pauses the stream without releasing resources. No-op unless running.
func (s *PushSession) Stop() error {
	if !s.state.CompareAndSwap(int32(SessionRunning), int32(SessionStopped)) {
		return nil
	}
	return s.pipe.Stop()
}

// Close tears down the pipeline and blocks until the worker goroutine has
// fully exited. Idempotent; later calls return nil.
func (s *PushSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(SessionStopped))
		err = s.pipe.Close()
		s.quitOnce.Do(func() { close(s.quit) })
		<-s.done
		s.log.Debug().Msg("push session closed")
	})
	return err
}

func (s *PushSession) signal(sig feedSignal) {
	select {
	case s.signals <- sig:
	default:
	}
}

// loop is the worker. It feeds chunks while the engine wants data and
// quits on teardown or on an asynchronous pipeline fault, which is only
// logged: the owning room observes the death through Alive.
func (s *PushSession) loop() {
	defer close(s.done)
	defer s.alive.Store(false)

	bus := s.pipe.Bus()
	feeding := false
	for {
		if feeding {
			select {
			case sig := <-s.signals:
				feeding = sig == sigNeedData
				continue
			case msg := <-bus:
				s.log.Error().Err(msg.Err).Msg("pipeline fault, push loop quits")
				return
			case <-s.quit:
				return
			default:
			}

			if err := s.feed(); err != nil {
				if errors.Is(err, pipeline.ErrNotPlaying) {
					feeding = false
					continue
				}
				s.log.Error().Err(err).Msg("feeding pipeline failed, push loop quits")
				return
			}
			continue
		}

		select {
		case sig := <-s.signals:
			feeding = sig == sigNeedData
		case msg := <-bus:
			s.log.Error().Err(msg.Err).Msg("pipeline fault, push loop quits")
			return
		case <-s.quit:
			return
		}
	}
}

// feed pulls exactly one chunk from the provider, stamps it and pushes it
// downstream. Timestamps derive from the sample count, not the wall
// clock, so the stream position stays exact.
func (s *PushSession) feed() error {
	buf := make([]byte, s.conf.ChunkSize)
	n := s.provider(buf, s.conf.SampleRate)
	if n <= 0 {
		// Provider had nothing. Back off instead of hot looping on it.
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	rate := uint64(s.conf.SampleRate)
	pts := samplesToDuration(s.totalSamples, rate)
	dur := samplesToDuration(uint64(n), rate)

	size := n * s.conf.Format.BytesPerSample() * s.conf.Channels
	if size > len(buf) {
		size = len(buf)
	}

	err := s.pipe.Push(pipeline.Buffer{Data: buf[:size], PTS: pts, Duration: dur})
	if err == nil {
		s.totalSamples += uint64(n)
	}
	return err
}

// samplesToDuration converts a sample count at rate into a duration.
// Whole seconds are split out first so the scaling cannot overflow on
// long running streams.
func samplesToDuration(samples, rate uint64) time.Duration {
	return time.Duration(samples/rate)*time.Second +
		time.Duration(samples%rate*uint64(time.Second)/rate)
}
