package ntske

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/jmcleod/timehand/aead"
)

var (
	// ErrNoAlgorithm is returned when the server selected no AEAD algorithm.
	ErrNoAlgorithm = errors.New("server selected no AEAD algorithm")
	// ErrAlgorithmNotOffered is returned when the server selected an
	// algorithm the client never offered.
	ErrAlgorithmNotOffered = errors.New("server selected an algorithm that was not offered")
	// ErrNoCookies is returned when the exchange produced no cookies. Without
	// at least one cookie the association is unusable.
	ErrNoCookies = errors.New("server provided no cookies")
)

// ServerError is an error record received from the server.
type ServerError struct {
	Code uint16
}

func (e *ServerError) Error() string {
	switch e.Code {
	case ErrorCodeUnrecognizedCritical:
		return "server error: unrecognized critical record"
	case ErrorCodeBadRequest:
		return "server error: bad request"
	case ErrorCodeInternalServer:
		return "server error: internal server error"
	default:
		return fmt.Sprintf("server error: code %d", e.Code)
	}
}

// Result holds everything a key exchange yields: the negotiated algorithm,
// the exported keys, the initial cookie supply, and where to send NTP
// requests.
type Result struct {
	Algorithm aead.Algorithm
	C2S       []byte
	S2C       []byte
	Cookies   [][]byte

	// Server and Port name the NTP service. They default to the key exchange
	// host and port 123 when the server sends no override.
	Server string
	Port   uint16
}

// Exchange performs one NTS-KE exchange with the server at address. A missing
// port defaults to 4460. The offered algorithms default to
// aead.DefaultPreferences when offers is empty.
func Exchange(ctx context.Context, address string, tlsConfig *tls.Config, offers []aead.Algorithm) (*Result, error) {
	if len(offers) == 0 {
		offers = aead.DefaultPreferences
	}

	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
		address = net.JoinHostPort(address, DefaultPort)
	}

	cfg := tlsConfig.Clone()
	cfg.MinVersion = tls.VersionTLS13
	cfg.NextProtos = []string{ALPN}

	dialer := &tls.Dialer{Config: cfg}
	rawConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	conn := rawConn.(*tls.Conn)
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("setting deadline: %w", err)
		}
	}
	if proto := conn.ConnectionState().NegotiatedProtocol; proto != ALPN {
		return nil, fmt.Errorf("%w: server negotiated %q", ErrProtocolViolation, proto)
	}

	offerBody := make([]uint16, len(offers))
	for i, a := range offers {
		offerBody[i] = uint16(a)
	}
	request := []Record{
		{Critical: true, Type: RecNextProtocol, Body: uint16Body(NextProtoNTPv4)},
		{Critical: true, Type: RecAEADAlgorithm, Body: uint16Body(offerBody...)},
		{Critical: true, Type: RecEndOfMessage},
	}
	for _, rec := range request {
		if err := WriteRecord(conn, rec); err != nil {
			return nil, err
		}
	}

	res, err := readResponse(conn, offers)
	if err != nil {
		return nil, err
	}

	if res.Server == "" {
		res.Server = host
	}
	if res.Port == 0 {
		res.Port = 123
	}

	c2s, s2c, err := ExportKeys(conn.ConnectionState(), res.Algorithm)
	if err != nil {
		return nil, err
	}
	res.C2S = c2s
	res.S2C = s2c
	return res, nil
}

func readResponse(conn *tls.Conn, offers []aead.Algorithm) (*Result, error) {
	res := &Result{}
	sawAlgo := false
	for {
		rec, err := ReadRecord(conn)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}

		switch rec.Type {
		case RecEndOfMessage:
			if !sawAlgo {
				return nil, ErrNoAlgorithm
			}
			if len(res.Cookies) == 0 {
				return nil, ErrNoCookies
			}
			return res, nil

		case RecError:
			codes, err := parseUint16Body(rec.Body)
			if err != nil || len(codes) != 1 {
				return nil, fmt.Errorf("%w: malformed error record", ErrProtocolViolation)
			}
			return nil, &ServerError{Code: codes[0]}

		case RecWarning:
			// Warnings carry no defined semantics yet; nothing to do.

		case RecNextProtocol:
			protos, err := parseUint16Body(rec.Body)
			if err != nil {
				return nil, err
			}
			if !containsUint16(protos, NextProtoNTPv4) {
				return nil, fmt.Errorf("%w: server accepted no supported next protocol", ErrProtocolViolation)
			}

		case RecAEADAlgorithm:
			algos, err := parseUint16Body(rec.Body)
			if err != nil {
				return nil, err
			}
			if len(algos) != 1 {
				return nil, ErrNoAlgorithm
			}
			algo := aead.Algorithm(algos[0])
			if !containsAlgorithm(offers, algo) {
				return nil, fmt.Errorf("%w: %s", ErrAlgorithmNotOffered, algo)
			}
			res.Algorithm = algo
			sawAlgo = true

		case RecNewCookie:
			if len(rec.Body) > 0 {
				ck := make([]byte, len(rec.Body))
				copy(ck, rec.Body)
				res.Cookies = append(res.Cookies, ck)
			}

		case RecServer:
			res.Server = string(rec.Body)

		case RecPort:
			ports, err := parseUint16Body(rec.Body)
			if err != nil || len(ports) != 1 {
				return nil, fmt.Errorf("%w: malformed port record", ErrProtocolViolation)
			}
			res.Port = ports[0]

		default:
			if rec.Critical {
				return nil, fmt.Errorf("%w: unrecognized critical record type %d", ErrProtocolViolation, rec.Type)
			}
		}
	}
}

func containsAlgorithm(offers []aead.Algorithm, want aead.Algorithm) bool {
	for _, a := range offers {
		if a == want {
			return true
		}
	}
	return false
}
