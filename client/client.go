// Package client implements the NTS-protected NTP client side: it keeps the
// cookie pool obtained from key exchange, issues authenticated queries, and
// turns the four packet timestamps into clock offset and round-trip delay.
package client

import (
	"context"
	"crypto/cipher"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jmcleod/timehand/aead"
	"github.com/jmcleod/timehand/internal/util"
	"github.com/jmcleod/timehand/ntp"
	"github.com/jmcleod/timehand/ntske"
)

var (
	// ErrCookiesExhausted means the pool is empty and a new key exchange is
	// required before any further measurement.
	ErrCookiesExhausted = errors.New("cookie pool exhausted, rerun key exchange")
	// ErrCryptoNAK means the server no longer accepts our cookies. The
	// session is dead; rerun key exchange.
	ErrCryptoNAK = errors.New("server sent crypto-NAK, rerun key exchange")
	// ErrAuthenticationFailed means the response failed verification under
	// the session keys.
	ErrAuthenticationFailed = errors.New("response authentication failed")
)

// DefaultTargetCookies is the pool size the client tries to maintain.
const DefaultTargetCookies = 8

// maxPlaceholders caps placeholders per request so a request never grows a
// response beyond what one datagram comfortably carries.
const maxPlaceholders = 7

const defaultTimeout = 5 * time.Second

const maxPacketSize = 1280

// Measurement is the outcome of one authenticated query.
type Measurement struct {
	// Offset is the estimated difference between the server clock and the
	// local clock. Positive means the local clock is behind.
	Offset time.Duration
	// RTT is the round-trip delay with server processing time removed.
	RTT time.Duration

	Stratum uint8
	Leap    ntp.LeapIndicator
	Time    time.Time
}

// Session is one NTS association: the negotiated keys and the cookie pool.
// Safe for concurrent use, though measurements are typically sequential.
type Session struct {
	Address       string
	Algorithm     aead.Algorithm
	TargetCookies int
	Timeout       time.Duration

	c2s cipher.AEAD
	s2c cipher.AEAD

	mu      sync.Mutex
	cookies [][]byte
}

// NewSession builds a session from a completed key exchange.
func NewSession(res *ntske.Result) (*Session, error) {
	c2s, err := aead.New(res.Algorithm, res.C2S)
	if err != nil {
		return nil, fmt.Errorf("creating c2s cipher: %w", err)
	}
	s2c, err := aead.New(res.Algorithm, res.S2C)
	if err != nil {
		return nil, fmt.Errorf("creating s2c cipher: %w", err)
	}

	cookies := make([][]byte, len(res.Cookies))
	for i, ck := range res.Cookies {
		cookies[i] = util.CopyBytes(ck)
	}

	return &Session{
		Address:       net.JoinHostPort(res.Server, strconv.Itoa(int(res.Port))),
		Algorithm:     res.Algorithm,
		TargetCookies: DefaultTargetCookies,
		Timeout:       defaultTimeout,
		c2s:           c2s,
		s2c:           s2c,
		cookies:       cookies,
	}, nil
}

// CookieCount returns the current pool size.
func (s *Session) CookieCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cookies)
}

// popCookie removes one cookie and reports how many placeholders the next
// request should carry to refill the pool.
func (s *Session) popCookie() ([]byte, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cookies) == 0 {
		return nil, 0, ErrCookiesExhausted
	}
	ck := s.cookies[0]
	s.cookies = s.cookies[1:]

	want := s.TargetCookies - len(s.cookies)
	if want > maxPlaceholders {
		want = maxPlaceholders
	}
	if want < 0 {
		want = 0
	}
	return ck, want, nil
}

func (s *Session) pushCookies(fresh [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ck := range fresh {
		s.cookies = append(s.cookies, util.CopyBytes(ck))
	}
}

// Measure performs one authenticated query and returns the clock offset and
// round-trip delay. A crypto-NAK or an empty pool ends the session; the
// caller reruns key exchange and builds a new one.
func (s *Session) Measure(ctx context.Context) (*Measurement, error) {
	ck, placeholders, err := s.popCookie()
	if err != nil {
		return nil, err
	}

	uid, err := util.RandomBytes(ntp.MinUniqueIDLen)
	if err != nil {
		return nil, err
	}

	auth := []ntp.Extension{
		{Type: ntp.ExtUniqueIdentifier, Body: uid},
		{Type: ntp.ExtCookie, Body: ck},
	}
	for i := 0; i < placeholders; i++ {
		auth = append(auth, ntp.Extension{
			Type: ntp.ExtCookiePlaceholder,
			Body: make([]byte, len(ck)),
		})
	}

	t1 := time.Now()
	txTime := ntp.TimestampFromTime(t1)
	req := ntp.Packet{
		Header: ntp.Header{
			Version:      4,
			Mode:         ntp.ModeClient,
			TransmitTime: txTime,
		},
		AuthExts: auth,
	}
	raw, err := req.Seal(s.c2s)
	if err != nil {
		return nil, err
	}

	resp, t4, err := s.exchange(ctx, raw, uid)
	if err != nil {
		return nil, err
	}

	header, err := ntp.ParseHeader(resp)
	if err != nil {
		return nil, err
	}
	if header.IsCryptoNAK() {
		return nil, ErrCryptoNAK
	}

	pkt, err := ntp.ParsePacket(resp, s.s2c)
	if err != nil {
		if errors.Is(err, ntp.ErrAuthenticationFailed) {
			return nil, ErrAuthenticationFailed
		}
		return nil, err
	}
	if pkt.Header.OriginTime != txTime {
		return nil, fmt.Errorf("%w: origin timestamp mismatch", ErrAuthenticationFailed)
	}

	var fresh [][]byte
	for _, ext := range pkt.EncExts {
		if ext.Type == ntp.ExtCookie {
			fresh = append(fresh, ext.Body)
		}
	}
	s.pushCookies(fresh)

	t2 := pkt.Header.ReceiveTime.Time()
	t3 := pkt.Header.TransmitTime.Time()

	offset := (t2.Sub(t1) + t3.Sub(t4)) / 2
	rtt := t4.Sub(t1) - t3.Sub(t2)

	return &Measurement{
		Offset:  offset,
		RTT:     rtt,
		Stratum: pkt.Header.Stratum,
		Leap:    pkt.Header.Leap,
		Time:    t3,
	}, nil
}

// exchange sends the request and waits for the datagram echoing our unique
// identifier. Datagrams with a different identifier are late or spoofed
// responses and are discarded.
func (s *Session) exchange(ctx context.Context, raw, uid []byte) ([]byte, time.Time, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", s.Address)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("dialing %s: %w", s.Address, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(s.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, time.Time{}, err
	}

	if _, err := conn.Write(raw); err != nil {
		return nil, time.Time{}, fmt.Errorf("sending query: %w", err)
	}

	buf := make([]byte, maxPacketSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("reading response: %w", err)
		}
		t4 := time.Now()

		resp := buf[:n]
		if !echoesUID(resp, uid) {
			continue
		}
		out := make([]byte, n)
		copy(out, resp)
		return out, t4, nil
	}
}

// echoesUID structurally checks whether the datagram carries our unique
// identifier, without any cryptography. Good enough to pair responses with
// requests; authentication happens afterwards.
func echoesUID(raw, uid []byte) bool {
	exts, err := ntp.ParseExtensions(raw)
	if err != nil {
		return false
	}
	got, ok := ntp.FindExtension(exts, ntp.ExtUniqueIdentifier)
	if !ok {
		return false
	}
	if len(got.Body) < len(uid) {
		return false
	}
	// The body may carry padding beyond the identifier itself.
	for i := range uid {
		if got.Body[i] != uid[i] {
			return false
		}
	}
	return true
}
