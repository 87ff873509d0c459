package realtime

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// heartbeat probes liveness over one transport generation. Some dead
// connections never fire a close event (NAT timeouts in particular);
// the probe catches those by force-closing the socket, which lands in
// the ordinary reconnect path via the read pump.
func (m *Manager) heartbeat(tc *transportConn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-tc.done:
			return
		case <-ticker.C:
		}

		if err := tc.trySend(Frame{Event: EventPing}); err != nil {
			if errors.Is(err, ErrBackpressure) {
				// A stalled write queue is as dead as a missed pong.
				log.Warn().Str("module", "realtime").Msg("ping backpressure, closing dead transport")
				tc.close()
			}
			return
		}

		timer := time.NewTimer(m.cfg.PongTimeout)
		select {
		case <-tc.pong:
			timer.Stop()
		case <-tc.done:
			timer.Stop()
			return
		case <-timer.C:
			log.Warn().Str("module", "realtime").Dur("timeout", m.cfg.PongTimeout).Msg("no pong, closing dead transport")
			tc.close()
			return
		}
	}
}
