// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package broadcaster manages named rooms on a MediaMTX media server and
// pushes live audio into them. A room is a reserved server path with
// metadata, at most one audio push session and at most one text provider.
// Viewers discover rooms through a small read only HTTP API and consume
// the streams directly from the media server over RTSP/RTMP/HLS/WebRTC/SRT.
package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/emiago/broadcaster/mediamtx"
)

// ErrInvalidArgument marks caller errors that will never succeed on retry.
var ErrInvalidArgument = errors.New("broadcaster: invalid argument")

const closeTimeout = 10 * time.Second

// Broadcaster is the room registry. It is the single source of truth for
// which rooms exist locally and keeps them in sync with the media server.
// Safe for concurrent use.
type Broadcaster struct {
	api *mediamtx.Client
	log zerolog.Logger

	deleteRoomsOnClose bool

	// mu guards the rooms map only. It is never held across a request to
	// the media server, so a slow relay call cannot stall unrelated rooms.
	mu    sync.Mutex
	rooms map[string]*room

	discMu   sync.Mutex
	discSrv  *http.Server
	discHost string
	discPort int
}

// Option configures a Broadcaster.
type Option func(b *Broadcaster)

// WithLogger attaches a logger. Default is a disabled one.
func WithLogger(log zerolog.Logger) Option {
	return func(b *Broadcaster) {
		b.log = log
	}
}

// WithDeleteRoomsOnClose makes Close remove all known rooms from the
// media server, best effort.
func WithDeleteRoomsOnClose() Option {
	return func(b *Broadcaster) {
		b.deleteRoomsOnClose = true
	}
}

// New creates a broadcaster talking to the media server control API at
// apiURL, e.g. "http://localhost:9997".
func New(apiURL string, opts ...Option) (*Broadcaster, error) {
	api, err := mediamtx.NewClient(apiURL)
	if err != nil {
		return nil, err
	}

	b := &Broadcaster{
		api:   api,
		log:   zerolog.Nop(),
		rooms: make(map[string]*room),
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// RoomExists reports whether the room is known locally. No network call.
func (b *Broadcaster) RoomExists(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.rooms[path]
	return ok
}

// CreateRoom reserves a path on the media server and registers the room
// locally. No-op when the room already exists. Creation is idempotent
// against the server too: a path that is already configured there counts
// as success, since local and server state can diverge. On failure no
// local entry is left behind.
func (b *Broadcaster) CreateRoom(ctx context.Context, path string, conf RoomConfig) error {
	if conf.MaxReaders < 0 {
		return fmt.Errorf("%w: max readers must be >= 0", ErrInvalidArgument)
	}
	if b.RoomExists(path) {
		return nil
	}

	err := b.api.AddPath(ctx, path, mediamtx.PathConfig{
		SourceOnDemand: false,
		MaxReaders:     conf.MaxReaders,
	})
	if err != nil {
		// 400 means the path is already configured on the server.
		var apiErr *mediamtx.APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
			return fmt.Errorf("create room %q: %w", path, err)
		}
	}

	global, err := b.api.GlobalConfig(ctx)
	if err != nil {
		return fmt.Errorf("create room %q: %w", path, err)
	}

	r := &room{
		title:       conf.Title,
		description: conf.Description,
		maxReaders:  conf.MaxReaders,
		urls:        deriveUrls(b.api.Host(), global, path),
	}

	b.mu.Lock()
	// Lost a race with a concurrent create? Keep the first entry.
	if _, ok := b.rooms[path]; !ok {
		b.rooms[path] = r
	}
	b.mu.Unlock()

	b.log.Info().Str("path", path).Msg("room created")
	return nil
}

// DeleteRoom stops the room's providers, removes the path from the media
// server and drops the local entry. No-op when the room is unknown. A
// concurrent publish on the same path is rejected while the deletion is
// in flight, so no producer can slip in behind it. When the server
// refuses the deletion the local entry is kept and accepts providers
// again, but the already stopped ones are not restored.
func (b *Broadcaster) DeleteRoom(ctx context.Context, path string) error {
	b.mu.Lock()
	r, ok := b.rooms[path]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	r.mu.Lock()
	r.deleted = true
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			b.log.Warn().Err(err).Str("path", path).Msg("closing push session")
		}
		r.session = nil
	}
	r.textFn = nil
	r.mu.Unlock()

	if err := b.api.DeletePath(ctx, path); err != nil {
		r.mu.Lock()
		r.deleted = false
		r.mu.Unlock()
		return fmt.Errorf("delete room %q: %w", path, err)
	}

	b.mu.Lock()
	delete(b.rooms, path)
	b.mu.Unlock()

	b.log.Info().Str("path", path).Msg("room deleted")
	return nil
}

// PublishAudio starts pushing audio from provider into the room,
// creating the room with default metadata when it does not exist yet.
// Any previous session for the path is fully closed before the new one
// starts, so a room never has two producers.
func (b *Broadcaster) PublishAudio(ctx context.Context, path string, provider ProvideAudioFunc, conf AudioConfig) error {
	if provider == nil {
		return fmt.Errorf("%w: audio provider is nil", ErrInvalidArgument)
	}
	if err := b.CreateRoom(ctx, path, RoomConfig{}); err != nil {
		return err
	}

	b.mu.Lock()
	r, ok := b.rooms[path]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("room %q was deleted concurrently", path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return fmt.Errorf("room %q was deleted concurrently", path)
	}

	if r.session != nil {
		if err := r.session.Close(); err != nil {
			b.log.Warn().Err(err).Str("path", path).Msg("closing replaced push session")
		}
		r.session = nil
	}

	sess, err := newPushSession(r.urls.RTSP, provider, conf, b.log.With().Str("path", path).Logger())
	if err != nil {
		return fmt.Errorf("publish audio on %q: %w", path, err)
	}
	if err := sess.Start(); err != nil {
		sess.Close()
		return fmt.Errorf("publish audio on %q: %w", path, err)
	}

	r.session = sess
	b.log.Info().Str("path", path).Str("session", sess.ID()).Msg("audio published")
	return nil
}

// UnpublishAudio stops and discards the room's push session. No-op when
// the room is unknown or has no session.
func (b *Broadcaster) UnpublishAudio(path string) error {
	b.mu.Lock()
	r, ok := b.rooms[path]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil
	}
	err := r.session.Close()
	r.session = nil
	b.log.Info().Str("path", path).Msg("audio unpublished")
	return err
}

// PublishText installs the room's text provider, creating the room with
// default metadata when needed. Replaces any previous provider.
func (b *Broadcaster) PublishText(ctx context.Context, path string, provider TextProviderFunc) error {
	if provider == nil {
		return fmt.Errorf("%w: text provider is nil", ErrInvalidArgument)
	}
	if err := b.CreateRoom(ctx, path, RoomConfig{}); err != nil {
		return err
	}

	b.mu.Lock()
	r, ok := b.rooms[path]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("room %q was deleted concurrently", path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return fmt.Errorf("room %q was deleted concurrently", path)
	}
	r.textFn = provider
	return nil
}

// UnpublishText clears the room's text provider. No-op when absent.
func (b *Broadcaster) UnpublishText(path string) {
	b.mu.Lock()
	r, ok := b.rooms[path]
	b.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	r.textFn = nil
	r.mu.Unlock()
}

// Rooms returns a snapshot of all local rooms in unspecified order.
func (b *Broadcaster) Rooms() []Room {
	b.mu.Lock()
	entries := make(map[string]*room, len(b.rooms))
	for path, r := range b.rooms {
		entries[path] = r
	}
	b.mu.Unlock()

	out := make([]Room, 0, len(entries))
	for path, r := range entries {
		out = append(out, r.snapshot(path))
	}
	return out
}

// ConnectedClients asks the media server for the readers of one path.
// Returns an empty list when the path has no readers or is not in the
// server's listing at all; the local registry does not have to agree
// with the server's live view.
func (b *Broadcaster) ConnectedClients(ctx context.Context, path string) ([]Client, error) {
	paths, err := b.api.ListPaths(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clients of %q: %w", path, err)
	}

	clients := []Client{}
	for _, p := range paths {
		if p.Name != path {
			continue
		}
		for _, reader := range p.Readers {
			clients = append(clients, Client{ID: reader.ID, Type: reader.Type})
		}
		break
	}
	return clients, nil
}

// KickClient disconnects the client with the given id from whichever room
// it is attached to. Silent no-op when no room has such a client.
func (b *Broadcaster) KickClient(ctx context.Context, clientID string) error {
	b.mu.Lock()
	paths := make([]string, 0, len(b.rooms))
	for path := range b.rooms {
		paths = append(paths, path)
	}
	b.mu.Unlock()

	for _, path := range paths {
		clients, err := b.ConnectedClients(ctx, path)
		if err != nil {
			return err
		}
		for _, c := range clients {
			if c.ID != clientID {
				continue
			}
			if err := b.api.Kick(ctx, mediamtx.SessionKind(c.Type), clientID); err != nil {
				return fmt.Errorf("kick client %q: %w", clientID, err)
			}
			b.log.Info().Str("client", clientID).Str("path", path).Msg("client kicked")
			return nil
		}
	}
	return nil
}

// Close shuts the broadcaster down: the discovery listener, every push
// session and, with WithDeleteRoomsOnClose, the rooms on the media server.
// Cleanup is best effort; everything that failed comes back joined so the
// owner can log and ignore it.
func (b *Broadcaster) Close() error {
	var errs []error

	if err := b.StopDiscovery(); err != nil {
		errs = append(errs, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	b.mu.Lock()
	paths := make([]string, 0, len(b.rooms))
	for path := range b.rooms {
		paths = append(paths, path)
	}
	b.mu.Unlock()

	for _, path := range paths {
		if b.deleteRoomsOnClose {
			if err := b.DeleteRoom(ctx, path); err != nil {
				b.log.Warn().Err(err).Str("path", path).Msg("could not delete room on media server")
				errs = append(errs, err)
			}
			continue
		}
		if err := b.UnpublishAudio(path); err != nil {
			errs = append(errs, err)
		}
		b.UnpublishText(path)
	}

	return errors.Join(errs...)
}
