package kernel

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ConnectionFile mirrors the Jupyter kernel connection file format: five
// ZeroMQ ports plus an HMAC signing key, written to disk so the kernel
// subprocess can read it via `-f <path>`.
type ConnectionFile struct {
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	IP              string `json:"ip"`
	Key             string `json:"key"`
	Transport       string `json:"transport"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name"`

	path string
}

// WriteConnectionFile allocates five free loopback ports, generates a
// random HMAC key, and writes the connection file as JSON under dir
// (named `kernel-<uuid>.json` so concurrent launches never collide).
func WriteConnectionFile(dir, kernelName string) (*ConnectionFile, error) {
	ports, err := fivePorts()
	if err != nil {
		return nil, fmt.Errorf("allocating kernel ports: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating kernel hmac key: %w", err)
	}

	cf := &ConnectionFile{
		ShellPort:       ports[0],
		IOPubPort:       ports[1],
		StdinPort:       ports[2],
		ControlPort:     ports[3],
		HBPort:          ports[4],
		IP:              "127.0.0.1",
		Key:             hex.EncodeToString(key),
		Transport:       "tcp",
		SignatureScheme: "hmac-sha256",
		KernelName:      kernelName,
	}

	path := filepath.Join(dir, fmt.Sprintf("kernel-%s.json", uuid.NewString()))
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("writing connection file: %w", err)
	}
	cf.path = path
	return cf, nil
}

// Path returns the on-disk location of the connection file.
func (cf *ConnectionFile) Path() string { return cf.path }

// Remove deletes the connection file from disk. Safe to call more than
// once.
func (cf *ConnectionFile) Remove() error {
	if cf == nil || cf.path == "" {
		return nil
	}
	err := os.Remove(cf.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// fivePorts binds five loopback listeners just long enough to learn a free
// port each, then releases them. There is an inherent TOCTOU race (another
// process could grab a port between release and kernel bind); the
// heartbeat probe at launch exists precisely to catch a kernel that failed
// to bind.
func fivePorts() ([5]int, error) {
	var ports [5]int
	var listeners []net.Listener
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()

	for i := range ports {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return ports, err
		}
		listeners = append(listeners, l)
		ports[i] = l.Addr().(*net.TCPAddr).Port
	}
	return ports, nil
}
