// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package pipeline

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

type receivedPacket struct {
	payload   []byte
	timestamp uint32
	seq       uint16
}

// fakeIngest is a minimal RTSP server accepting RECORD publishers with
// interleaved media, enough to exercise the sink end to end.
type fakeIngest struct {
	t  *testing.T
	ln net.Listener

	mu      sync.Mutex
	methods []string
	packets []receivedPacket
	conns   []net.Conn
}

// dropConnections closes every accepted connection, simulating a media
// server going away mid stream.
func (f *fakeIngest) dropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
}

func newFakeIngest(t *testing.T) *fakeIngest {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeIngest{t: t, ln: ln}
	go f.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeIngest) url(path string) string {
	port := f.ln.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("rtsp://127.0.0.1:%d/%s", port, path)
}

func (f *fakeIngest) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
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
			data := make([]byte, binary.BigEndian.Uint16(hdr[2:4]))
			if _, err := io.ReadFull(br, data); err != nil {
				return
			}
			if hdr[1] != 0 {
				continue // RTCP, ignore
			}
			var pkt rtp.Packet
			if pkt.Unmarshal(data) != nil {
				continue
			}
			f.mu.Lock()
			f.packets = append(f.packets, receivedPacket{
				payload:   pkt.Payload,
				timestamp: pkt.Timestamp,
				seq:       pkt.SequenceNumber,
			})
			f.mu.Unlock()
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

		f.mu.Lock()
		f.methods = append(f.methods, method)
		f.mu.Unlock()

		fmt.Fprintf(conn, "RTSP/1.0 200 OK\r\nCSeq: %s\r\nSession: 87654321\r\n\r\n", cseq)
		if method == "TEARDOWN" {
			return
		}
	}
}

func (f *fakeIngest) seenMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.methods))
	copy(out, f.methods)
	return out
}

func (f *fakeIngest) received() []receivedPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]receivedPacket, len(f.packets))
	copy(out, f.packets)
	return out
}

// waitPackets polls until at least n media packets arrived.
func (f *fakeIngest) waitPackets(n int, timeout time.Duration) []receivedPacket {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := f.received(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.t.Fatalf("timed out waiting for %d packets, got %d", n, len(f.received()))
	return nil
}

// waitMethod polls until the server has seen the given request method.
func (f *fakeIngest) waitMethod(method string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, m := range f.seenMethods() {
			if m == method {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.t.Fatalf("timed out waiting for %s, saw %v", method, f.seenMethods())
}
