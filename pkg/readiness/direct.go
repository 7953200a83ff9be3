package readiness

import (
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"
)

// directProber opens SSH straight to address:RemotePort.
type directProber struct {
	*baseProber
	client *ssh.Client
}

func (d *directProber) connect(address string) error {
	if d.connected {
		return errAlreadyConnected
	}
	target := fmt.Sprintf("%s:%d", address, d.cfg.RemotePort)
	dialer := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		return err
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, target, d.clientConfig())
	if err != nil {
		conn.Close()
		return err
	}
	d.client = ssh.NewClient(sshConn, chans, reqs)
	d.connected = true
	return nil
}

func (d *directProber) close() {
	if d.client != nil {
		d.client.Close()
		d.client = nil
	}
	d.connected = false
}

// IsReady implements Prober. Every exit path, success or failure, closes
// the session it opened.
func (d *directProber) IsReady(address string) bool {
	if err := d.connect(address); err != nil {
		return false
	}
	defer d.close()
	return probeMarker(d.client)
}
