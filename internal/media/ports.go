package media

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
)

// ErrNoPortAvailable is returned when every port in the configured RTP
// range is already bound.
var ErrNoPortAvailable = errors.New("no udp port available in range")

// bindInRange binds a UDP socket on ip to a free port in [min, max].
// Ports are probed sequentially starting from a random offset so
// concurrent calls spread across the range instead of racing for the
// lowest free port.
func bindInRange(ip net.IP, min, max int) (*net.UDPConn, error) {
	if min > max {
		return nil, fmt.Errorf("invalid port range [%d, %d]", min, max)
	}

	span := max - min + 1
	start := rand.IntN(span)
	for i := 0; i < span; i++ {
		port := min + (start+i)%span
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err != nil {
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("%w [%d, %d]", ErrNoPortAvailable, min, max)
}
