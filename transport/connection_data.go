package transport

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/juju/errors"
)

// ConnectionInfo is decoded AccessPoint.ConnectionData of TCP-like transports.
// Layout: [u32 pubkey_len][pubkey][u32 hostname_len][hostname][u32 port]
type ConnectionInfo struct {
	PublicKey []byte
	Hostname  string
	Port      uint16
}

func (ci ConnectionInfo) String() string {
	return fmt.Sprintf("%s:%d key=(%d)", ci.Hostname, ci.Port, len(ci.PublicKey))
}

func (ci ConnectionInfo) Size() int { return 4 + len(ci.PublicKey) + 4 + len(ci.Hostname) + 4 }

func (ci ConnectionInfo) Marshal() []byte {
	b := make([]byte, ci.Size())
	binary.BigEndian.PutUint32(b, uint32(len(ci.PublicKey)))
	i := 4 + copy(b[4:], ci.PublicKey)
	binary.BigEndian.PutUint32(b[i:], uint32(len(ci.Hostname)))
	i += 4
	i += copy(b[i:], ci.Hostname)
	binary.BigEndian.PutUint32(b[i:], uint32(ci.Port))
	return b
}

// ParseConnectionData returns zero ConnectionInfo on any error.
func ParseConnectionData(b []byte) (ConnectionInfo, error) {
	var ci ConnectionInfo
	keyLen, rest, err := takeUint32(b, "public key length")
	if err != nil {
		return ConnectionInfo{}, err
	}
	key, rest, err := take(rest, keyLen, "public key")
	if err != nil {
		return ConnectionInfo{}, err
	}
	hostLen, rest, err := takeUint32(rest, "hostname length")
	if err != nil {
		return ConnectionInfo{}, err
	}
	host, rest, err := take(rest, hostLen, "hostname")
	if err != nil {
		return ConnectionInfo{}, err
	}
	port, _, err := takeUint32(rest, "port")
	if err != nil {
		return ConnectionInfo{}, err
	}
	if port > math.MaxUint16 {
		return ConnectionInfo{}, errors.NotValidf("connection data port=%d", port)
	}
	if keyLen != 0 {
		ci.PublicKey = append([]byte(nil), key...)
	}
	ci.Hostname = string(host)
	ci.Port = uint16(port)
	return ci, nil
}

func takeUint32(b []byte, what string) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, errors.Annotatef(ErrInsufficientBuffer, "connection data %s need=4 have=%d", what, len(b))
	}
	return binary.BigEndian.Uint32(b), b[4:], nil
}

func take(b []byte, n uint32, what string) ([]byte, []byte, error) {
	if uint64(len(b)) < uint64(n) {
		return nil, nil, errors.Annotatef(ErrInsufficientBuffer, "connection data %s need=%d have=%d", what, n, len(b))
	}
	return b[:n], b[n:], nil
}
