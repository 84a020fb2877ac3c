// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package broadcaster

import (
	"sync"

	"github.com/emiago/broadcaster/mediamtx"
)

// Urls are the per transport connection strings of one room. They are
// derived once when the room is created and never change.
type Urls struct {
	RTSP   string `json:"rtsp"`
	RTMP   string `json:"rtmp"`
	HLS    string `json:"hls"`
	WebRTC string `json:"webrtc"`
	SRT    string `json:"srt"`
}

// Room is a snapshot of one publishing endpoint.
type Room struct {
	// Path identifies the room on the media server. No leading slash.
	Path        string `json:"path"`
	Title       string `json:"title"`
	Description string `json:"description"`
	// MaxReaders limits concurrent readers. 0 means unlimited.
	MaxReaders int  `json:"max_readers"`
	Urls       Urls `json:"urls"`
	// HasAudioDataProvider is true while a live push session feeds the room.
	HasAudioDataProvider bool `json:"has_audio_data_provider"`
	HasTextDataProvider  bool `json:"has_text_data_provider"`
}

// RoomConfig is the metadata for CreateRoom.
type RoomConfig struct {
	Title       string
	Description string
	// MaxReaders must be >= 0. 0 means unlimited.
	MaxReaders int
}

// Client is a reader currently connected to a room. It is fetched live
// from the media server and never cached.
type Client struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// TextProviderFunc returns the current text payload of a room. It is
// called synchronously on demand, so it should be cheap.
type TextProviderFunc func() string

// room is the registry entry. Its mutex serializes mutations for the same
// path; the registry map has its own lock.
type room struct {
	mu          sync.Mutex
	title       string
	description string
	maxReaders  int
	urls        Urls
	session     *PushSession
	textFn      TextProviderFunc
	// deleted blocks new providers while the path is being removed from
	// the media server. Lifted again when the removal fails.
	deleted bool
}

func (r *room) snapshot(path string) Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Room{
		Path:                 path,
		Title:                r.title,
		Description:          r.description,
		MaxReaders:           r.maxReaders,
		Urls:                 r.urls,
		HasAudioDataProvider: r.session != nil && r.session.Alive(),
		HasTextDataProvider:  r.textFn != nil,
	}
}

func deriveUrls(host string, conf mediamtx.GlobalConfig, path string) Urls {
	return Urls{
		RTSP:   "rtsp://" + host + conf.RTSPAddress + "/" + path,
		RTMP:   "rtmp://" + host + conf.RTMPAddress + "/" + path,
		HLS:    "http://" + host + conf.HLSAddress + "/" + path + "/index.m3u8",
		WebRTC: "http://" + host + conf.WebRTCAddress + "/" + path,
		SRT:    "srt://" + host + conf.SRTAddress + "?streamid=read:" + path,
	}
}
