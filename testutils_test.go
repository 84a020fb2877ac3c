// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package broadcaster

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeIngest accepts RTSP RECORD publishers with interleaved media. It
// stands in for the media server's ingest side.
type fakeIngest struct {
	t  *testing.T
	ln net.Listener

	mu      sync.Mutex
	packets int
}

func newFakeIngest(t *testing.T) *fakeIngest {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeIngest{t: t, ln: ln}
	go f.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeIngest) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeIngest) url(path string) string {
	return fmt.Sprintf("rtsp://127.0.0.1:%d/%s", f.port(), path)
}

func (f *fakeIngest) packetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.packets
}

// waitPackets polls until at least n media packets arrived.
func (f *fakeIngest) waitPackets(n int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.packetCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.t.Fatalf("timed out waiting for %d packets, got %d", n, f.packetCount())
}

func (f *fakeIngest) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeIngest) handle(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		head, err := br.Peek(1)
		if err != nil {
			return
		}

		if head[0] == '$' {
			hdr := make([]byte, 4)
			if _, err := io.ReadFull(br, hdr); err != nil {
				return
			}
			size := int64(binary.BigEndian.Uint16(hdr[2:4]))
			if _, err := io.CopyN(io.Discard, br, size); err != nil {
				return
			}
			if hdr[1] == 0 {
				f.mu.Lock()
				f.packets++
				f.mu.Unlock()
			}
			continue
		}

		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		method := strings.Fields(line)[0]

		cseq := "1"
		contentLen := 0
		for {
			h, err := br.ReadString('\n')
			if err != nil {
				return
			}
			h = strings.TrimSpace(h)
			if h == "" {
				break
			}
			name, value, ok := strings.Cut(h, ":")
			if !ok {
				continue
			}
			value = strings.TrimSpace(value)
			switch strings.ToLower(name) {
			case "cseq":
				cseq = value
			case "content-length":
				contentLen, _ = strconv.Atoi(value)
			}
		}
		if contentLen > 0 {
			if _, err := io.CopyN(io.Discard, br, int64(contentLen)); err != nil {
				return
			}
		}

		fmt.Fprintf(conn, "RTSP/1.0 200 OK\r\nCSeq: %s\r\nSession: 12345678\r\n\r\n", cseq)
		if method == "TEARDOWN" {
			return
		}
	}
}

// fakeRelay fakes the MediaMTX control API. Its reported rtspAddress
// points at the paired fake ingest so derived publish URLs really work.
type fakeRelay struct {
	t      *testing.T
	srv    *httptest.Server
	ingest *fakeIngest

	mu        sync.Mutex
	addStatus map[string]int // per path, default 200
	delStatus map[string]int
	delHold   chan struct{} // when set, delete handlers park on it
	added     []string
	deleted   []string
	kicked    []string // "collection/id"
	pathItems []map[string]any
}

func newFakeRelay(t *testing.T) *fakeRelay {
	f := &fakeRelay{
		t:         t,
		ingest:    newFakeIngest(t),
		addStatus: map[string]int{},
		delStatus: map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v3/config/paths/add/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		f.mu.Lock()
		status := f.addStatus[name]
		f.added = append(f.added, name)
		f.mu.Unlock()
		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"error": "add refused"})
		}
	})
	mux.HandleFunc("DELETE /v3/config/paths/delete/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		f.mu.Lock()
		status := f.delStatus[name]
		hold := f.delHold
		f.deleted = append(f.deleted, name)
		f.mu.Unlock()
		if hold != nil {
			<-hold
		}
		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"error": "delete refused"})
		}
	})
	mux.HandleFunc("GET /v3/config/global/get", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"rtspAddress":   fmt.Sprintf(":%d", f.ingest.port()),
			"rtmpAddress":   ":1935",
			"hlsAddress":    ":8888",
			"webrtcAddress": ":8889",
			"srtAddress":    ":8890",
		})
	})
	mux.HandleFunc("GET /v3/paths/list", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		items := f.pathItems
		f.mu.Unlock()
		if items == nil {
			items = []map[string]any{}
		}
		json.NewEncoder(w).Encode(map[string]any{"itemCount": len(items), "items": items})
	})
	mux.HandleFunc("POST /v3/{collection}/kick/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.kicked = append(f.kicked, r.PathValue("collection")+"/"+r.PathValue("id"))
		f.mu.Unlock()
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRelay) url() string { return f.srv.URL }

func (f *fakeRelay) setAddStatus(path string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addStatus[path] = status
}

func (f *fakeRelay) setDeleteStatus(path string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delStatus[path] = status
}

// holdDeletes makes delete handlers block until ch is closed, keeping a
// deletion in flight for as long as the test needs.
func (f *fakeRelay) holdDeletes(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delHold = ch
}

// setReaders publishes one path with the given readers in the listing.
func (f *fakeRelay) setReaders(path string, readers []map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if readers == nil {
		readers = []map[string]string{}
	}
	f.pathItems = []map[string]any{{"name": path, "readers": readers}}
}

func (f *fakeRelay) addedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.added))
	copy(out, f.added)
	return out
}

func (f *fakeRelay) deletedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

func (f *fakeRelay) kickedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.kicked))
	copy(out, f.kicked)
	return out
}

// silenceProvider fills every chunk with zero samples.
func silenceProvider(buf []byte, sampleRate int) int {
	for i := range buf {
		buf[i] = 0
	}
	return len(buf)
}
