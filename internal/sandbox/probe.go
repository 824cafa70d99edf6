package sandbox

import (
	"context"
	"fmt"
	"net"
	"time"
)

const probeDialTimeout = 2 * time.Second

// ProbeFunc reports whether address accepts connections.
type ProbeFunc func(ctx context.Context, address string) error

// DialProbe opens and closes a TCP connection to address.
func DialProbe(ctx context.Context, address string) error {
	ctx, cancel := context.WithTimeout(ctx, probeDialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	return conn.Close()
}
