// Package readiness implements the SSH-based cloud-init liveness check
// used to decide when a freshly launched instance is ready to receive
// traffic (and, ultimately, to be counted toward a converged group).
//
// It is grounded on original_source/script.py's InstanceSshManager /
// InstanceSshManagerWithSshTunnel, carried into Go using
// golang.org/x/crypto/ssh the way aws-aws-k8s-tester/ssh/ssh.go does:
// dial, build an ssh.ClientConfig, open one session per call, run one
// command, close everything on every exit path.
package readiness

import (
	"errors"
	"fmt"
	"io/ioutil"
	"log"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// bootFinishedMarker is the file cloud-init leaves behind once first-boot
// provisioning completes.
const bootFinishedMarker = "/var/lib/cloud/instance/boot-finished"

// errAlreadyConnected is returned by connect when called a second time
// before close: a prober is single-use-at-a-time (spec.md §4.2).
var errAlreadyConnected = errors.New("readiness: prober already connected")

// Config configures a Prober.
type Config struct {
	// Username is the SSH login name used for both the target and, when
	// set, the bastion.
	Username string
	// PrivateKeyPath is the path to the SSH private key file.
	PrivateKeyPath string
	// RemotePort is the SSH port on the target instance. Defaults to 22.
	RemotePort int
	// BastionHost, when non-empty, selects the tunnelled variant: SSH
	// first reaches BastionHost:22, then the target is dialed through
	// that connection.
	BastionHost string
	// MaxTunnelAttempts bounds how many 1s ticks the tunnelled variant
	// will wait for the bastion-relayed connection to come up before
	// failing fast (DESIGN NOTES, "Bastion tunnel readiness" - the
	// source's unbounded wait is replaced with a bounded one here).
	MaxTunnelAttempts int
	// HostKeyCallback overrides the default warn-and-accept policy. Left
	// nil, every prober uses WarnAndAcceptHostKey.
	HostKeyCallback ssh.HostKeyCallback
	// ConnectTimeout bounds a single dial attempt.
	ConnectTimeout time.Duration
}

// Prober reports whether an instance has finished booting.
type Prober interface {
	// IsReady returns true iff the cloud-init boot marker exists on the
	// instance at address. Any SSH error, auth failure, timeout or
	// non-zero exit status yields false; IsReady never returns an error
	// to the caller (spec.md §7).
	IsReady(address string) bool
}

// New builds a Prober. When cfg.BastionHost is empty the direct variant
// is used; otherwise the tunnelled variant is used. The choice is made
// once, at construction time (spec.md §4.2 "selected at construction
// time").
func New(cfg Config) (Prober, error) {
	if cfg.RemotePort == 0 {
		cfg.RemotePort = 22
	}
	if cfg.MaxTunnelAttempts == 0 {
		cfg.MaxTunnelAttempts = 40
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = WarnAndAcceptHostKey
	}
	signer, err := loadSigner(cfg.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	base := &baseProber{cfg: cfg, signer: signer}
	if cfg.BastionHost != "" {
		return &tunnelledProber{baseProber: base}, nil
	}
	return &directProber{baseProber: base}, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	key, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("readiness: unable to read private key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("readiness: unable to parse private key %s: %w", path, err)
	}
	return signer, nil
}

// WarnAndAcceptHostKey accepts any host key after logging a warning.
// This tool runs inside the operator's trust boundary; spec.md §4.2
// calls this out explicitly as intentional and operator-hostile in
// untrusted environments. Supply a stricter ssh.HostKeyCallback via
// Config.HostKeyCallback to change the policy.
func WarnAndAcceptHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error {
	log.Printf("readiness: warning: accepting unknown host key for %s (%s)", hostname, remote.String())
	return nil
}

type baseProber struct {
	cfg        Config
	signer     ssh.Signer
	connected  bool
}

func (b *baseProber) clientConfig() *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            b.cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(b.signer)},
		HostKeyCallback: b.cfg.HostKeyCallback,
		Timeout:         b.cfg.ConnectTimeout,
	}
}

// probeMarker runs the boot-marker check over an already-open SSH client
// and returns whether it succeeded. It never returns an error: any
// failure to create the session, run the command, or a non-zero exit
// status all collapse to false.
func probeMarker(client *ssh.Client) bool {
	session, err := client.NewSession()
	if err != nil {
		return false
	}
	defer session.Close()

	err = session.Run(fmt.Sprintf("ls %s", bootFinishedMarker))
	return err == nil
}
