// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const discoveryStopTimeout = 3 * time.Second

// roomView is the discovery projection of one room.
type roomView struct {
	Path                 string `json:"path"`
	Title                string `json:"title"`
	Description          string `json:"description"`
	AudioUrls            Urls   `json:"audioUrls"`
	DataUrl              string `json:"dataUrl"`
	CurrentClientsNumber int    `json:"currentClientsNumber"`
	MaxClientsNumber     int    `json:"maxClientsNumber"`
}

// StartDiscovery starts the read only HTTP API viewers use to enumerate
// rooms (GET /v1/rooms) and fetch the text side channel
// (GET /v1/rooms/:path/text). No-op when already running. Port 0 picks a
// free port; DiscoveryPort reports the effective one.
func (b *Broadcaster) StartDiscovery(host string, port int) error {
	b.discMu.Lock()
	defer b.discMu.Unlock()
	if b.discSrv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("discovery listen: %w", err)
	}

	b.discHost = host
	b.discPort = ln.Addr().(*net.TCPAddr).Port

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/v1/rooms", b.handleListRooms)
	router.GET("/v1/rooms/:path/text", b.handleRoomText)

	srv := &http.Server{Handler: router}
	b.discSrv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.log.Error().Err(err).Msg("discovery server failed")
		}
	}()

	b.log.Info().Str("host", host).Int("port", b.discPort).Msg("discovery server started")
	return nil
}

// StopDiscovery shuts the discovery listener down and waits for in flight
// requests. No-op when not running.
func (b *Broadcaster) StopDiscovery() error {
	b.discMu.Lock()
	srv := b.discSrv
	b.discSrv = nil
	b.discMu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), discoveryStopTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// DiscoveryHost returns the host the discovery server was started on.
func (b *Broadcaster) DiscoveryHost() string {
	b.discMu.Lock()
	defer b.discMu.Unlock()
	return b.discHost
}

// DiscoveryPort returns the effective discovery listen port.
func (b *Broadcaster) DiscoveryPort() int {
	b.discMu.Lock()
	defer b.discMu.Unlock()
	return b.discPort
}

func (b *Broadcaster) handleListRooms(c *gin.Context) {
	ctx := c.Request.Context()

	views := make([]roomView, 0)
	for _, room := range b.Rooms() {
		clients, err := b.ConnectedClients(ctx, room.Path)
		if err != nil {
			b.log.Error().Err(err).Str("path", room.Path).Msg("resolving room clients")
			c.JSON(http.StatusBadGateway, gin.H{"errorMessage": "media server unavailable"})
			return
		}
		views = append(views, roomView{
			Path:                 "/" + room.Path,
			Title:                room.Title,
			Description:          room.Description,
			AudioUrls:            room.Urls,
			DataUrl:              b.dataURL(room.Path),
			CurrentClientsNumber: len(clients),
			MaxClientsNumber:     room.MaxReaders,
		})
	}

	c.JSON(http.StatusOK, gin.H{"rooms": views})
}

func (b *Broadcaster) handleRoomText(c *gin.Context) {
	path := c.Param("path")

	b.mu.Lock()
	r, ok := b.rooms[path]
	b.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"errorMessage": "Room does not exist"})
		return
	}

	r.mu.Lock()
	provider := r.textFn
	r.mu.Unlock()

	data := ""
	if provider != nil {
		data = provider()
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}

func (b *Broadcaster) dataURL(path string) string {
	return fmt.Sprintf("http://%s:%d/v1/rooms/%s/text", b.DiscoveryHost(), b.DiscoveryPort(), path)
}
