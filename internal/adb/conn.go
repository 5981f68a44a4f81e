// Package adb speaks the host-side ADB server wire protocol directly over
// TCP: no shelling out to the adb binary except to (re)start the local
// server when the connection to it drops.
package adb

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/liuma-go/provider/internal/agenterr"
)

const (
	okay = "OKAY"
	fail = "FAIL"
)

// conn is a single request/response connection to the adb server. The adb
// host protocol is connection-per-command for everything except
// track-devices and shell, which keep reading until the server or peer
// closes the stream.
type conn struct {
	nc net.Conn
	r  *bufio.Reader
}

func dial(addr string, timeout time.Duration) (*conn, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, agenterr.New(agenterr.Transient, "adb.dial", err)
	}
	return &conn{nc: nc, r: bufio.NewReader(nc)}, nil
}

func (c *conn) Close() error { return c.nc.Close() }

// sendCmd writes a 4-hex-digit length-prefixed command, per the adb host
// protocol framing.
func (c *conn) sendCmd(cmd string) error {
	if len(cmd) > 0xffff {
		return fmt.Errorf("adb: command too long: %d bytes", len(cmd))
	}
	framed := fmt.Sprintf("%04x%s", len(cmd), cmd)
	_, err := c.nc.Write([]byte(framed))
	return err
}

func (c *conn) writeBytes(b []byte) error {
	_, err := c.nc.Write(b)
	return err
}

func (c *conn) readExactly(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := readFull(c.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// readString reads a 4-hex-digit length prefix followed by that many bytes.
func (c *conn) readString() (string, error) {
	lenHdr, err := c.readExactly(4)
	if err != nil {
		return "", err
	}
	var size int
	if _, err := fmt.Sscanf(string(lenHdr), "%04x", &size); err != nil {
		return "", fmt.Errorf("adb: bad length header %q: %w", lenHdr, err)
	}
	body, err := c.readExactly(size)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// checkOkay reads the 4-byte status prefix and turns FAIL into an error
// carrying the server's message.
func (c *conn) checkOkay() error {
	status, err := c.readExactly(4)
	if err != nil {
		return err
	}
	switch string(status) {
	case okay:
		return nil
	case fail:
		msg, _ := c.readString()
		return &agenterr.AdbError{Message: msg}
	default:
		return fmt.Errorf("adb: unexpected status %q", status)
	}
}

// readUntilClose drains the connection until EOF, as shell command output
// has no length prefix and terminates only when the remote process exits.
func (c *conn) readUntilClose() ([]byte, error) {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := c.r.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			return out, nil
		}
	}
}
