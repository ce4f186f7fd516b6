package bus

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// DefaultProbeTimeout is the connectivity probe budget.
const DefaultProbeTimeout = 500 * time.Millisecond

// ProbeBroker opens and closes a TCP connection to the first broker address
// to decide real-versus-mock mode at startup.
func ProbeBroker(brokers []string, timeout time.Duration) error {
	if len(brokers) == 0 {
		return fmt.Errorf("no broker addresses configured")
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	addr := strings.TrimSpace(brokers[0])
	if addr == "" {
		return fmt.Errorf("first broker address is empty")
	}

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("probe broker %s: %w", addr, err)
	}
	return conn.Close()
}
