// Package server implements the NTS-protected NTP time service: a stateless
// UDP responder that recovers per-association keys from cookies, answers
// authenticated client packets, and replenishes the client's cookie supply.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jmcleod/timehand/aead"
	"github.com/jmcleod/timehand/cookie"
	"github.com/jmcleod/timehand/keystore"
	"github.com/jmcleod/timehand/metrics"
	"github.com/jmcleod/timehand/ntp"
)

// maxPacketSize bounds a single datagram. 1280 keeps responses under the IPv6
// minimum MTU.
const maxPacketSize = 1280

// defaultWorkers is the response worker pool size when none is configured.
const defaultWorkers = 32

// Drop reasons recorded in the dropped packet counter.
const (
	dropMalformed    = "malformed"
	dropBadMode      = "bad_mode"
	dropShortUID     = "short_uid"
	dropUnknownKey   = "unknown_key"
	dropBadCookie    = "bad_cookie"
	dropNoCurrentKey = "no_current_key"
	dropInternal     = "internal"
)

// Server answers NTP queries, with or without NTS protection. It keeps no
// per-client state; everything needed to answer an NTS query rides in the
// query's cookie.
type Server struct {
	Keys *keystore.Store

	// Clock supplies receive and transmit timestamps. Defaults to time.Now.
	Clock func() time.Time

	// Header fields advertised in every response.
	Leap           ntp.LeapIndicator
	Stratum        uint8
	Poll           int8
	Precision      int8
	RootDelay      uint32
	RootDispersion uint32
	ReferenceID    uint32

	Workers int
	Log     *logrus.Logger
}

func (s *Server) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *Server) responseHeader(req ntp.Header, recv time.Time) ntp.Header {
	return ntp.Header{
		Leap:           s.Leap,
		Version:        4,
		Mode:           ntp.ModeServer,
		Stratum:        s.Stratum,
		Poll:           s.Poll,
		Precision:      s.Precision,
		RootDelay:      s.RootDelay,
		RootDispersion: s.RootDispersion,
		ReferenceID:    s.ReferenceID,
		ReferenceTime:  ntp.TimestampFromTime(recv),
		OriginTime:     req.TransmitTime,
		ReceiveTime:    ntp.TimestampFromTime(recv),
		TransmitTime:   ntp.TimestampFromTime(s.now()),
	}
}

// Respond computes the response to one request datagram. A nil response with a
// non-nil error means the packet is dropped silently; the error is for the
// operator's log only.
func (s *Server) Respond(raw []byte) ([]byte, error) {
	recv := s.now()
	metrics.NTPQueriesTotal.Inc()

	header, err := ntp.ParseHeader(raw)
	if err != nil {
		metrics.DroppedPacketsTotal.WithLabelValues(dropMalformed).Inc()
		return nil, err
	}
	if header.Mode != ntp.ModeClient {
		metrics.DroppedPacketsTotal.WithLabelValues(dropBadMode).Inc()
		return nil, fmt.Errorf("unexpected mode %d", header.Mode)
	}

	exts, err := ntp.ParseExtensions(raw)
	if err != nil {
		metrics.DroppedPacketsTotal.WithLabelValues(dropMalformed).Inc()
		return nil, err
	}

	if !hasNTSExtensions(exts) {
		// Plain NTP. Answer with a bare header.
		return s.responseHeader(header, recv).Marshal(), nil
	}

	metrics.NTSQueriesTotal.Inc()
	return s.respondNTS(raw, header, exts, recv)
}

func hasNTSExtensions(exts []ntp.Extension) bool {
	for _, ext := range exts {
		switch ext.Type {
		case ntp.ExtUniqueIdentifier, ntp.ExtCookie, ntp.ExtCookiePlaceholder, ntp.ExtAuthenticator:
			return true
		}
	}
	return false
}

func (s *Server) respondNTS(raw []byte, header ntp.Header, exts []ntp.Extension, recv time.Time) ([]byte, error) {
	uid, ok := ntp.FindExtension(exts, ntp.ExtUniqueIdentifier)
	if !ok || len(uid.Body) < ntp.MinUniqueIDLen {
		metrics.DroppedPacketsTotal.WithLabelValues(dropShortUID).Inc()
		return nil, errors.New("missing or short unique identifier")
	}

	cookieExt, ok := ntp.FindExtension(exts, ntp.ExtCookie)
	if !ok {
		metrics.DroppedPacketsTotal.WithLabelValues(dropBadCookie).Inc()
		return nil, errors.New("missing cookie extension")
	}

	contents, err := cookie.Open(cookieExt.Body, s.Keys.Lookup)
	if err != nil {
		if errors.Is(err, cookie.ErrUnknownKeyID) {
			metrics.DroppedPacketsTotal.WithLabelValues(dropUnknownKey).Inc()
		} else {
			metrics.DroppedPacketsTotal.WithLabelValues(dropBadCookie).Inc()
		}
		return nil, err
	}

	c2s, err := aead.New(contents.Algorithm, contents.C2S)
	if err != nil {
		metrics.DroppedPacketsTotal.WithLabelValues(dropInternal).Inc()
		return nil, err
	}

	req, err := ntp.ParsePacket(raw, c2s)
	if err != nil {
		if errors.Is(err, ntp.ErrAuthenticationFailed) {
			// The cookie checked out but the packet did not: someone who
			// holds no keys is replaying or tampering. Tell the genuine
			// client to renegotiate.
			metrics.KissOfDeathTotal.Inc()
			return s.cryptoNAK(header, uid.Body), nil
		}
		metrics.DroppedPacketsTotal.WithLabelValues(dropMalformed).Inc()
		return nil, err
	}

	cookieLen := cookie.Length(contents.Algorithm)
	placeholders := 0
	for _, ext := range req.AuthExts {
		if ext.Type == ntp.ExtCookiePlaceholder && len(ext.Body) == cookieLen {
			placeholders++
		}
	}

	master, err := s.Keys.Current()
	if err != nil {
		metrics.DroppedPacketsTotal.WithLabelValues(dropNoCurrentKey).Inc()
		return nil, err
	}

	encExts := make([]ntp.Extension, 0, placeholders)
	for i := 0; i < placeholders; i++ {
		ck, err := cookie.Seal(master.ID, master.Secret, contents.Algorithm, contents.C2S, contents.S2C)
		if err != nil {
			metrics.DroppedPacketsTotal.WithLabelValues(dropInternal).Inc()
			return nil, err
		}
		encExts = append(encExts, ntp.Extension{Type: ntp.ExtCookie, Body: ck})
	}

	s2c, err := aead.New(contents.Algorithm, contents.S2C)
	if err != nil {
		metrics.DroppedPacketsTotal.WithLabelValues(dropInternal).Inc()
		return nil, err
	}

	resp := ntp.Packet{
		Header: s.responseHeader(header, recv),
		AuthExts: []ntp.Extension{
			{Type: ntp.ExtUniqueIdentifier, Body: uid.Body},
		},
		EncExts: encExts,
	}
	out, err := resp.Seal(s2c)
	if err != nil {
		metrics.DroppedPacketsTotal.WithLabelValues(dropInternal).Inc()
		return nil, err
	}
	return out, nil
}

// cryptoNAK builds the stratum-0 kiss-of-death telling the client its keys no
// longer work. The unique identifier rides along unauthenticated so the
// client can match the response to its request.
func (s *Server) cryptoNAK(req ntp.Header, uid []byte) []byte {
	h := ntp.Header{
		Leap:         ntp.LeapNotInSync,
		Version:      4,
		Mode:         ntp.ModeServer,
		Stratum:      0,
		ReferenceID:  ntp.KissNTSN,
		OriginTime:   req.TransmitTime,
		TransmitTime: ntp.TimestampFromTime(s.now()),
	}
	out := h.Marshal()
	return ntp.AppendExtension(out, ntp.Extension{Type: ntp.ExtUniqueIdentifier, Body: uid})
}

// Serve reads datagrams from conn until the context is cancelled. Responses
// are computed on a bounded worker pool so one slow AEAD operation cannot
// stall the read loop.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	workers := s.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	sem := make(chan struct{}, workers)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	s.Log.WithField("addr", conn.LocalAddr().String()).Info("time server listening")

	buf := make([]byte, maxPacketSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("reading datagram: %w", err)
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		sem <- struct{}{}
		go func(pkt []byte, addr net.Addr) {
			defer func() { <-sem }()
			resp, err := s.Respond(pkt)
			if err != nil {
				s.Log.WithError(err).WithField("remote", addr.String()).Debug("dropping packet")
				return
			}
			if _, err := conn.WriteTo(resp, addr); err != nil {
				s.Log.WithError(err).WithField("remote", addr.String()).Debug("writing response")
			}
		}(pkt, addr)
	}
}
