package tts

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Probe checks that a synthesis server accepts connections at addr. It sends
// nothing, so the server sees an empty request and hangs up.
func Probe(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("probe %s: %w", addr, err)
	}
	return conn.Close()
}
