package ntske

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jmcleod/timehand/aead"
	"github.com/jmcleod/timehand/cookie"
	"github.com/jmcleod/timehand/internal/uuid"
	"github.com/jmcleod/timehand/keystore"
	"github.com/jmcleod/timehand/metrics"
)

// DefaultCookieCount is the number of cookies handed out per exchange, enough
// for a client to survive seven consecutive response losses.
const DefaultCookieCount = 7

// DefaultPort is the IANA-assigned NTS-KE port.
const DefaultPort = "4460"

// handshakeTimeout bounds a single key exchange end to end.
const handshakeTimeout = 30 * time.Second

// Server answers NTS-KE requests. Each exchange negotiates an AEAD algorithm,
// exports keys from the TLS session, and mints the client's initial cookies
// under the current master key.
type Server struct {
	Keys        *keystore.Store
	Preferences []aead.Algorithm

	// NTPServer and NTPPort, when set, are sent to the client so the time
	// service can live on a different host or port than the key exchange.
	NTPServer string
	NTPPort   uint16

	CookieCount int
	Log         *logrus.Logger
}

func (s *Server) prefs() []aead.Algorithm {
	if len(s.Preferences) > 0 {
		return s.Preferences
	}
	return aead.DefaultPreferences
}

func (s *Server) cookieCount() int {
	if s.CookieCount > 0 {
		return s.CookieCount
	}
	return DefaultCookieCount
}

// request is the decoded client side of an exchange.
type request struct {
	nextProtos []uint16
	offers     []aead.Algorithm
}

// readRequest consumes records up to end-of-message. An unrecognized critical
// record aborts the exchange with its error code so the caller can report it;
// unrecognized non-critical records are skipped.
func readRequest(r io.Reader) (request, error) {
	var req request
	sawNextProto := false
	for {
		rec, err := ReadRecord(r)
		if err != nil {
			return request{}, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}

		switch rec.Type {
		case RecEndOfMessage:
			if !rec.Critical {
				return request{}, fmt.Errorf("%w: end of message without critical bit", ErrProtocolViolation)
			}
			if !sawNextProto {
				return request{}, fmt.Errorf("%w: missing next protocol record", ErrProtocolViolation)
			}
			return req, nil

		case RecNextProtocol:
			if !rec.Critical {
				return request{}, fmt.Errorf("%w: next protocol record without critical bit", ErrProtocolViolation)
			}
			protos, err := parseUint16Body(rec.Body)
			if err != nil {
				return request{}, err
			}
			req.nextProtos = protos
			sawNextProto = true

		case RecAEADAlgorithm:
			algos, err := parseUint16Body(rec.Body)
			if err != nil {
				return request{}, err
			}
			for _, a := range algos {
				req.offers = append(req.offers, aead.Algorithm(a))
			}

		default:
			if rec.Critical {
				return request{}, &unrecognizedCriticalError{rec.Type}
			}
		}
	}
}

type unrecognizedCriticalError struct {
	recType RecordType
}

func (e *unrecognizedCriticalError) Error() string {
	return fmt.Sprintf("unrecognized critical record type %d", e.recType)
}

// Serve runs one key exchange on an accepted connection and closes it. Errors
// are logged, not returned to the caller's accept loop.
func (s *Server) Serve(conn *tls.Conn) {
	defer conn.Close()
	metrics.KEQueriesTotal.Inc()

	log := s.Log.WithFields(logrus.Fields{
		"remote":     conn.RemoteAddr().String(),
		"request_id": uuid.New(),
	})

	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		log.WithError(err).Warn("setting exchange deadline")
		return
	}
	if err := conn.Handshake(); err != nil {
		metrics.KEErrorsTotal.Inc()
		log.WithError(err).Debug("TLS handshake failed")
		return
	}
	if proto := conn.ConnectionState().NegotiatedProtocol; proto != ALPN {
		metrics.KEErrorsTotal.Inc()
		log.WithField("alpn", proto).Debug("wrong application protocol")
		return
	}

	req, err := readRequest(conn)
	if err != nil {
		metrics.KEErrorsTotal.Inc()
		var unrec *unrecognizedCriticalError
		if errors.As(err, &unrec) {
			log.WithField("record_type", unrec.recType).Debug("unrecognized critical record")
			s.sendError(conn, ErrorCodeUnrecognizedCritical)
			return
		}
		// Malformed streams get no response at all.
		log.WithError(err).Debug("rejecting key exchange request")
		return
	}

	if !containsUint16(req.nextProtos, NextProtoNTPv4) {
		metrics.KEErrorsTotal.Inc()
		log.Debug("client offered no supported next protocol")
		s.sendError(conn, ErrorCodeBadRequest)
		return
	}

	algo, ok := aead.Negotiate(s.prefs(), req.offers)
	if !ok {
		metrics.KEErrorsTotal.Inc()
		log.Debug("no AEAD algorithm in common")
		s.sendError(conn, ErrorCodeBadRequest)
		return
	}

	c2s, s2c, err := ExportKeys(conn.ConnectionState(), algo)
	if err != nil {
		metrics.KEErrorsTotal.Inc()
		log.WithError(err).Error("exporting keys")
		s.sendError(conn, ErrorCodeInternalServer)
		return
	}

	master, err := s.Keys.Current()
	if err != nil {
		metrics.KEErrorsTotal.Inc()
		log.WithError(err).Error("no master key available")
		s.sendError(conn, ErrorCodeInternalServer)
		return
	}

	cookies := make([][]byte, 0, s.cookieCount())
	for i := 0; i < s.cookieCount(); i++ {
		ck, err := cookie.Seal(master.ID, master.Secret, algo, c2s, s2c)
		if err != nil {
			metrics.KEErrorsTotal.Inc()
			log.WithError(err).Error("minting cookie")
			s.sendError(conn, ErrorCodeInternalServer)
			return
		}
		cookies = append(cookies, ck)
	}

	if err := s.sendResponse(conn, algo, cookies); err != nil {
		metrics.KEErrorsTotal.Inc()
		log.WithError(err).Debug("writing key exchange response")
		return
	}
	log.WithFields(logrus.Fields{
		"algorithm": algo.String(),
		"cookies":   len(cookies),
	}).Info("key exchange complete")
}

func (s *Server) sendResponse(w io.Writer, algo aead.Algorithm, cookies [][]byte) error {
	recs := []Record{
		{Critical: true, Type: RecNextProtocol, Body: uint16Body(NextProtoNTPv4)},
		{Critical: false, Type: RecAEADAlgorithm, Body: uint16Body(uint16(algo))},
	}
	if s.NTPServer != "" {
		recs = append(recs, Record{Critical: true, Type: RecServer, Body: []byte(s.NTPServer)})
	}
	if s.NTPPort != 0 {
		recs = append(recs, Record{Critical: true, Type: RecPort, Body: uint16Body(s.NTPPort)})
	}
	for _, ck := range cookies {
		recs = append(recs, Record{Critical: false, Type: RecNewCookie, Body: ck})
	}
	recs = append(recs, Record{Critical: true, Type: RecEndOfMessage})

	for _, rec := range recs {
		if err := WriteRecord(w, rec); err != nil {
			return err
		}
	}
	return nil
}

// sendError writes an error record followed by end-of-message. Failures are
// ignored; the connection is being torn down either way.
func (s *Server) sendError(w io.Writer, code uint16) {
	_ = WriteRecord(w, Record{Critical: true, Type: RecError, Body: uint16Body(code)})
	_ = WriteRecord(w, Record{Critical: true, Type: RecEndOfMessage})
}

// ListenAndServe accepts TLS connections on addr and serves exchanges until
// the context is cancelled. The TLS config is forced to TLS 1.3 with the
// NTS-KE application protocol.
func (s *Server) ListenAndServe(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	cfg := tlsConfig.Clone()
	cfg.MinVersion = tls.VersionTLS13
	cfg.NextProtos = []string{ALPN}

	ln, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	s.Log.WithField("addr", addr).Info("key exchange server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go s.Serve(conn.(*tls.Conn))
	}
}

func containsUint16(values []uint16, want uint16) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
