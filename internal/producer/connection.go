package producer

import "time"

// Connect drives the connection state machine spec.md §4.1 describes:
// NotStarted -> NotConnected -> Connecting -> Connected, backing off with
// doubling delay (capped at ConnectMaxBackoff) on failure. On disconnection
// it moves to Disconnected, tears down all producer state
// (teardownAndReconstruct), and goes straight back to Connecting. It blocks until stop is closed, so
// callers run it in its own goroutine.
//
// The actual service IPC handshake this drives is out of scope (spec.md
// §1's Non-goals name the transport); Dialer/Conn stand in for it so the
// state machine itself — the part spec.md does define — is exercised and
// testable against a fake.
func (p *Producer) Connect(stop <-chan struct{}) {
	if p.dialer == nil {
		p.log.Error().Msg("Connect called with no Dialer configured (use WithDialer)")
		return
	}
	p.setState(NotConnected)
	for {
		select {
		case <-stop:
			return
		default:
		}

		p.setState(Connecting)
		conn, err := p.dialer.Connect()
		if err != nil {
			p.log.Warn().Err(err).Dur("backoff", p.backoff).Msg("connect failed, backing off")
			select {
			case <-time.After(p.backoff):
			case <-stop:
				return
			}
			p.backoff *= 2
			if p.backoff > p.cfg.connectMaxBackoff {
				p.backoff = p.cfg.connectMaxBackoff
			}
			p.setState(NotConnected)
			continue
		}

		p.backoff = p.cfg.connectInitialBackoff
		p.conn = conn
		p.setState(Connected)

		if err := conn.RegisterDataSource("linux.perf"); err != nil {
			p.log.Warn().Err(err).Msg("failed to register linux.perf data source")
		}
		if err := conn.RegisterDataSource("linux.perf.metatrace"); err != nil {
			p.log.Warn().Err(err).Msg("failed to register linux.perf.metatrace data source")
		}

		select {
		case <-conn.Closed():
			p.setState(Disconnected)
			p.teardownAndReconstruct()
			_ = conn.Close()
		case <-stop:
			_ = conn.Close()
			return
		}
	}
}

func (p *Producer) setState(s ConnState) {
	p.runner.PostTask(func() {
		p.state = s
		p.log.Debug().Stringer("state", s).Msg("connection state changed")
	})
}

// ConnState reports the producer's last known connection state. Since
// setState posts the mutation through the runner, a caller on another
// goroutine may observe a slightly stale value; that's acceptable for
// logging/health-check use, which is the only consumer (spec.md §4.1 is
// silent on cross-goroutine visibility requirements here).
func (p *Producer) ConnState() ConnState { return p.state }
