// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package pipeline

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const (
	rtspDialTimeout  = 5 * time.Second
	rtspReplyTimeout = 5 * time.Second

	// Interleaved channels negotiated on SETUP.
	rtpChannel  = 0
	rtcpChannel = 1
)

// rtspSink publishes one audio stream to an RTSP server in RECORD mode,
// with RTP and RTCP interleaved over the control TCP connection. This is
// the network end of the pipeline graph.
type rtspSink struct {
	conn net.Conn
	br   *bufio.Reader

	uri     string
	session string
	cseq    int

	payloadType uint8
	ssrc        uint32
	seq         uint16

	packetCount uint32
	octetCount  uint32
}

func newRTSPSink(location string, payloadType uint8, encodingName string, sampleRate, channels int) (*rtspSink, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse sink location: %w", err)
	}
	if u.Scheme != "rtsp" {
		return nil, fmt.Errorf("sink location %q: expected rtsp scheme", location)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "554")
	}

	conn, err := net.DialTimeout("tcp", host, rtspDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial rtsp server: %w", err)
	}

	s := &rtspSink{
		conn:        conn,
		br:          bufio.NewReader(conn),
		uri:         location,
		payloadType: payloadType,
		ssrc:        rand.Uint32(),
		seq:         uint16(rand.Uint32()),
	}

	if err := s.handshake(encodingName, sampleRate, channels); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// handshake runs ANNOUNCE, SETUP and RECORD. After it returns the server
// accepts interleaved media frames.
func (s *rtspSink) handshake(encodingName string, sampleRate, channels int) error {
	rtpmap := fmt.Sprintf("%d %s/%d", s.payloadType, encodingName, sampleRate)
	if channels > 1 {
		rtpmap += "/" + strconv.Itoa(channels)
	}
	sdp := strings.Join([]string{
		"v=0",
		fmt.Sprintf("o=- %d 0 IN IP4 127.0.0.1", s.ssrc),
		"s=broadcaster",
		"c=IN IP4 0.0.0.0",
		"t=0 0",
		fmt.Sprintf("m=audio 0 RTP/AVP %d", s.payloadType),
		"a=rtpmap:" + rtpmap,
		"a=control:streamid=0",
		"",
	}, "\r\n")

	if err := s.request("ANNOUNCE", s.uri, map[string]string{
		"Content-Type": "application/sdp",
	}, []byte(sdp)); err != nil {
		return err
	}

	transport := fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=%d-%d;mode=record", rtpChannel, rtcpChannel)
	if err := s.request("SETUP", s.uri+"/streamid=0", map[string]string{
		"Transport": transport,
	}, nil); err != nil {
		return err
	}

	return s.request("RECORD", s.uri, nil, nil)
}

func (s *rtspSink) request(method, uri string, headers map[string]string, body []byte) error {
	s.cseq++

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\n", method, uri)
	fmt.Fprintf(&b, "CSeq: %d\r\n", s.cseq)
	if s.session != "" {
		fmt.Fprintf(&b, "Session: %s\r\n", s.session)
	}
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	if len(body) > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	}
	b.WriteString("\r\n")

	s.conn.SetDeadline(time.Now().Add(rtspReplyTimeout))
	defer s.conn.SetDeadline(time.Time{})

	if _, err := s.conn.Write(append([]byte(b.String()), body...)); err != nil {
		return fmt.Errorf("rtsp %s: %w", method, err)
	}
	return s.readResponse(method)
}

func (s *rtspSink) readResponse(method string) error {
	status, err := s.br.ReadString('\n')
	if err != nil {
		return fmt.Errorf("rtsp %s: read status: %w", method, err)
	}
	fields := strings.SplitN(strings.TrimSpace(status), " ", 3)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "RTSP/") {
		return fmt.Errorf("rtsp %s: malformed status line %q", method, strings.TrimSpace(status))
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return fmt.Errorf("rtsp %s: malformed status line %q", method, strings.TrimSpace(status))
	}

	contentLen := 0
	for {
		line, err := s.br.ReadString('\n')
		if err != nil {
			return fmt.Errorf("rtsp %s: read headers: %w", method, err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(name) {
		case "session":
			// Strip the timeout parameter if any.
			s.session, _, _ = strings.Cut(value, ";")
		case "content-length":
			contentLen, _ = strconv.Atoi(value)
		}
	}
	if contentLen > 0 {
		if _, err := io.CopyN(io.Discard, s.br, int64(contentLen)); err != nil {
			return fmt.Errorf("rtsp %s: read body: %w", method, err)
		}
	}

	if code != 200 {
		return fmt.Errorf("rtsp %s: server returned %d", method, code)
	}
	return nil
}

// writeAudio packetizes one encoded payload and writes it as interleaved RTP.
func (s *rtspSink) writeAudio(payload []byte, timestamp uint32, marker bool) error {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    s.payloadType,
			SequenceNumber: s.seq,
			Timestamp:      timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.seq++

	data, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal rtp packet: %w", err)
	}
	if err := s.writeInterleaved(rtpChannel, data); err != nil {
		return err
	}
	s.packetCount++
	s.octetCount += uint32(len(payload))
	return nil
}

// writeSenderReport emits an RTCP SR so readers can sync against our clock.
func (s *rtspSink) writeSenderReport(now time.Time, rtpTime uint32) error {
	sr := rtcp.SenderReport{
		SSRC:        s.ssrc,
		NTPTime:     ntpTime(now),
		RTPTime:     rtpTime,
		PacketCount: s.packetCount,
		OctetCount:  s.octetCount,
	}
	data, err := sr.Marshal()
	if err != nil {
		return fmt.Errorf("marshal rtcp sr: %w", err)
	}
	return s.writeInterleaved(rtcpChannel, data)
}

func (s *rtspSink) writeInterleaved(channel byte, data []byte) error {
	frame := make([]byte, 4+len(data))
	frame[0] = '$'
	frame[1] = channel
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(data)))
	copy(frame[4:], data)

	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("write interleaved frame: %w", err)
	}
	return nil
}

// close tears the session down. TEARDOWN is best effort, the connection is
// closed regardless.
func (s *rtspSink) close() error {
	err := s.request("TEARDOWN", s.uri, nil, nil)
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// ntpTime converts into the 64 bit NTP fixed point format used by RTCP.
func ntpTime(t time.Time) uint64 {
	const ntpEpochOffset = 2208988800 // seconds between 1900 and 1970
	sec := uint64(t.Unix() + ntpEpochOffset)
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return sec<<32 | frac
}
