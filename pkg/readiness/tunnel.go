package readiness

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// tunnelledProber reaches address by first opening an SSH connection to
// a bastion host, then dialing the target through that connection.
// golang.org/x/crypto/ssh's Client.Dial plays the role of the local
// forward the Python source sets up with SSHTunnelForwarder: once it
// returns, traffic to the target is already relayed through the bastion
// session, there is no separate local listening socket to bind.
type tunnelledProber struct {
	*baseProber
	bastion *ssh.Client
	client  *ssh.Client
}

func (t *tunnelledProber) connect(address string) error {
	if t.connected {
		return errAlreadyConnected
	}
	bastionTarget := fmt.Sprintf("%s:22", t.cfg.BastionHost)
	bastionConn, err := net.DialTimeout("tcp", bastionTarget, t.cfg.ConnectTimeout)
	if err != nil {
		return err
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(bastionConn, bastionTarget, t.clientConfig())
	if err != nil {
		bastionConn.Close()
		return err
	}
	t.bastion = ssh.NewClient(sshConn, chans, reqs)

	target := fmt.Sprintf("%s:%d", address, t.cfg.RemotePort)
	forwarded, err := t.waitForForward(target)
	if err != nil {
		t.bastion.Close()
		t.bastion = nil
		return err
	}

	targetConn, chans2, reqs2, err := ssh.NewClientConn(forwarded, target, t.clientConfig())
	if err != nil {
		forwarded.Close()
		t.bastion.Close()
		t.bastion = nil
		return err
	}
	t.client = ssh.NewClient(targetConn, chans2, reqs2)
	t.connected = true
	return nil
}

// waitForForward polls the bastion-relayed dial to target with 1s ticks,
// bounded by MaxTunnelAttempts, instead of the source's unbounded
// "while not tunnel_is_up: sleep(1)" loop (DESIGN NOTES, "Bastion tunnel
// readiness").
func (t *tunnelledProber) waitForForward(target string) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < t.cfg.MaxTunnelAttempts; attempt++ {
		conn, err := t.bastion.Dial("tcp", target)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	return nil, fmt.Errorf("readiness: bastion tunnel to %s never came up: %w", target, lastErr)
}

func (t *tunnelledProber) close() {
	if t.client != nil {
		t.client.Close()
		t.client = nil
	}
	if t.bastion != nil {
		t.bastion.Close()
		t.bastion = nil
	}
	t.connected = false
}

// IsReady implements Prober, tearing the bastion tunnel down after the
// target session closes, on every exit path.
func (t *tunnelledProber) IsReady(address string) bool {
	if err := t.connect(address); err != nil {
		return false
	}
	defer t.close()
	return probeMarker(t.client)
}
