// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package pipeline implements the audio streaming engine behind a push
// session. A pipeline is a small element graph
//
//	source -> tee -> queue -> encode -> rtsp sink
//	           \-> wav tap (optional)
//
// fed with timestamped buffers through Push. The engine signals demand
// through NeedData/EnoughData callbacks so producers stay pull based and
// never buffer unboundedly.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrBuild means an element of the graph could not be created or
	// linked. Nothing is left allocated when New fails with it.
	ErrBuild = errors.New("pipeline: build failed")
	// ErrStart means the transition to playing was rejected.
	ErrStart = errors.New("pipeline: start rejected")
	// ErrStop means the transition back to ready was rejected.
	ErrStop = errors.New("pipeline: stop rejected")
	// ErrNotPlaying is returned by Push outside the playing state.
	ErrNotPlaying = errors.New("pipeline: not playing")
)

// SampleFormat is the raw format buffers are pushed in.
type SampleFormat int

const (
	// FormatS16LE is 16 bit little endian PCM. It is A-law encoded on the wire.
	FormatS16LE SampleFormat = iota
	// FormatAlaw is G.711 A-law, passed through.
	FormatAlaw
	// FormatUlaw is G.711 u-law, passed through.
	FormatUlaw
)

func (f SampleFormat) String() string {
	switch f {
	case FormatS16LE:
		return "S16LE"
	case FormatAlaw:
		return "ALAW"
	case FormatUlaw:
		return "ULAW"
	}
	return "unknown"
}

// BytesPerSample for one channel.
func (f SampleFormat) BytesPerSample() int {
	if f == FormatS16LE {
		return 2
	}
	return 1
}

// State of the pipeline. Ready means built but not streaming.
type State int32

const (
	StateNull State = iota
	StateReady
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	}
	return "unknown"
}

const (
	DefaultChunkSize  = 1024
	DefaultSampleRate = 44100

	// queueCap bounds buffers in flight between Push and the sink.
	queueCap = 4
)

// Config describes the graph to build.
type Config struct {
	// Location is the rtsp:// ingest URL of the destination path.
	Location string
	Format   SampleFormat
	// SampleRate in Hz. Defaults to 44100.
	SampleRate int
	// Channels defaults to 1.
	Channels int
	// ChunkSize in bytes. Defaults to 1024.
	ChunkSize int
	// RecordTo, when set, attaches a local WAV recording branch to the tee.
	RecordTo io.WriteSeeker
}

func (c *Config) setDefaults() {
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
}

// Buffer is one timestamped chunk of raw audio.
type Buffer struct {
	Data []byte
	// PTS is the presentation timestamp relative to stream start.
	PTS time.Duration
	// Duration covered by Data.
	Duration time.Duration
}

// Message is an asynchronous event posted on the bus.
type Message struct {
	Err error
}

// Pipeline drives one stream. All exported methods are safe to call
// concurrently, but NeedData/EnoughData handlers must be registered
// before Start.
type Pipeline struct {
	conf Config

	sink *rtspSink
	tap  *wavTap
	// encode translates a source chunk into the wire payload.
	// nil means passthrough.
	encode  func(dst, src []byte) (int, error)
	scratch []byte

	state   atomic.Int32
	running atomic.Bool

	queue   chan Buffer
	playCh  chan struct{}
	stopCh  chan struct{}
	closeCh chan struct{}
	done    chan struct{}
	bus     chan Message

	onNeedData   func()
	onEnoughData func()

	closeOnce sync.Once
}

// New builds the full graph, including the network connection of the sink.
// Construction is all or nothing: on error every element already acquired
// is released and ErrBuild is returned.
func New(conf Config) (*Pipeline, error) {
	conf.setDefaults()
	if conf.Location == "" {
		return nil, fmt.Errorf("%w: sink location is empty", ErrBuild)
	}
	if conf.SampleRate < 0 || conf.ChunkSize < 0 || conf.Channels < 0 {
		return nil, fmt.Errorf("%w: negative audio parameters", ErrBuild)
	}

	p := &Pipeline{
		conf:    conf,
		queue:   make(chan Buffer, queueCap),
		playCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
		bus:     make(chan Message, 4),
	}

	var encodingName string
	switch conf.Format {
	case FormatS16LE:
		if conf.ChunkSize%2 != 0 {
			return nil, fmt.Errorf("%w: odd chunk size for S16LE", ErrBuild)
		}
		encodingName = "PCMA"
		p.encode = EncodeAlawTo
		p.scratch = make([]byte, conf.ChunkSize/2)
	case FormatAlaw:
		encodingName = "PCMA"
	case FormatUlaw:
		encodingName = "PCMU"
	default:
		return nil, fmt.Errorf("%w: unsupported sample format %v", ErrBuild, conf.Format)
	}

	// Static payload types only exist for 8kHz G.711.
	payloadType := uint8(96)
	if conf.SampleRate == 8000 && conf.Channels == 1 {
		if encodingName == "PCMA" {
			payloadType = 8
		} else {
			payloadType = 0
		}
	}

	if conf.RecordTo != nil {
		p.tap = newWavTap(conf.RecordTo, conf.Format, conf.SampleRate, conf.Channels)
	}

	sink, err := newRTSPSink(conf.Location, payloadType, encodingName, conf.SampleRate, conf.Channels)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuild, err)
	}
	p.sink = sink

	p.state.Store(int32(StateReady))
	return p, nil
}

// State returns the current pipeline state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// OnNeedData registers the demand callback. It is invoked from the
// streaming goroutine whenever the queue runs dry and must not block.
func (p *Pipeline) OnNeedData(fn func()) {
	p.onNeedData = fn
}

// OnEnoughData registers the back pressure callback, invoked when the
// queue is full. Must not block.
func (p *Pipeline) OnEnoughData(fn func()) {
	p.onEnoughData = fn
}

// Bus delivers asynchronous faults, e.g. a broken sink connection.
func (p *Pipeline) Bus() <-chan Message {
	return p.bus
}

// Start transitions to playing and launches the streaming goroutine.
func (p *Pipeline) Start() error {
	if !p.state.CompareAndSwap(int32(StateReady), int32(StatePlaying)) {
		return fmt.Errorf("%w: pipeline is %s", ErrStart, p.State())
	}
	if p.running.CompareAndSwap(false, true) {
		go p.run()
		return nil
	}
	select {
	case p.playCh <- struct{}{}:
	default:
	}
	return nil
}

// Stop transitions back to ready. The stream pauses but nothing is
// released; Close is still required.
func (p *Pipeline) Stop() error {
	if !p.state.CompareAndSwap(int32(StatePlaying), int32(StateReady)) {
		return fmt.Errorf("%w: pipeline is %s", ErrStop, p.State())
	}
	select {
	case p.stopCh <- struct{}{}:
	default:
	}
	return nil
}

// Push enqueues one buffer. It blocks while the queue is full and fails
// once the pipeline is not playing.
func (p *Pipeline) Push(buf Buffer) error {
	if p.State() != StatePlaying {
		return ErrNotPlaying
	}
	select {
	case p.queue <- buf:
	default:
		// Queue full: tell the producer to back off, then wait for room.
		if p.onEnoughData != nil {
			p.onEnoughData()
		}
		select {
		case p.queue <- buf:
		case <-p.closeCh:
			return ErrNotPlaying
		case <-p.done:
			// Streaming goroutine died on a fault.
			return ErrNotPlaying
		}
	}
	if len(p.queue) >= queueCap && p.onEnoughData != nil {
		p.onEnoughData()
	}
	return nil
}

// Close tears the whole graph down in reverse acquisition order and waits
// for the streaming goroutine to exit. It runs the teardown exactly once;
// later calls return nil.
func (p *Pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.state.Store(int32(StateNull))
		close(p.closeCh)
		if p.running.Load() {
			<-p.done
		}

		var errs []error
		if p.tap != nil {
			if terr := p.tap.close(); terr != nil {
				errs = append(errs, terr)
			}
		}
		if serr := p.sink.close(); serr != nil {
			errs = append(errs, serr)
		}
		err = errors.Join(errs...)
	})
	return err
}

// run is the streaming goroutine: it requests data, paces buffers against
// the wall clock and feeds the encode chain and sink.
func (p *Pipeline) run() {
	defer close(p.done)

	var base time.Time
	var lastSR time.Time

	for {
		if p.State() != StatePlaying {
			select {
			case <-p.playCh:
				continue
			case <-p.closeCh:
				return
			}
		}

		if len(p.queue) == 0 && p.onNeedData != nil {
			p.onNeedData()
		}

		select {
		case <-p.closeCh:
			return
		case <-p.stopCh:
			continue
		case buf := <-p.queue:
			if err := p.output(buf, &base, &lastSR); err != nil {
				// Leave playing so producers fail fast instead of
				// blocking on a dead queue.
				p.state.Store(int32(StateReady))
				p.postError(err)
				return
			}
		}
	}
}

func (p *Pipeline) output(buf Buffer, base, lastSR *time.Time) error {
	// Pace against the wall clock so the sink sees a live stream.
	if base.IsZero() {
		*base = time.Now().Add(-buf.PTS)
	}
	if d := time.Until(base.Add(buf.PTS)); d > 0 {
		time.Sleep(d)
	}

	if p.tap != nil {
		if err := p.tap.write(buf.Data); err != nil {
			return err
		}
	}

	payload := buf.Data
	if p.encode != nil {
		if cap(p.scratch) < len(buf.Data)/2 {
			p.scratch = make([]byte, len(buf.Data)/2)
		}
		n, err := p.encode(p.scratch[:len(buf.Data)/2], buf.Data)
		if err != nil {
			return fmt.Errorf("encode chunk: %w", err)
		}
		payload = p.scratch[:n]
	}

	rtpTS := uint32(buf.PTS.Nanoseconds() * int64(p.conf.SampleRate) / int64(time.Second))
	if err := p.sink.writeAudio(payload, rtpTS, false); err != nil {
		return err
	}

	now := time.Now()
	if lastSR.IsZero() || now.Sub(*lastSR) >= 5*time.Second {
		if err := p.sink.writeSenderReport(now, rtpTS); err != nil {
			return err
		}
		*lastSR = now
	}
	return nil
}

func (p *Pipeline) postError(err error) {
	select {
	case p.bus <- Message{Err: err}:
	default:
	}
}
