// Remote client support: dials a scarletd monitor's telnet console the
// same way the teacher's src/powerbot/servertech.go dials a PDU's CLI
// port with github.com/ziutek/telnet — connect, wait for the prompt,
// send a command line, read back the response up to the next prompt.
package monitor

import (
	"fmt"
	"time"

	"github.com/ziutek/telnet"
)

// Prompt is the line the monitor's telnet listener (ServeTelnet) writes
// before each command, the same anchor RemoteClient.Run waits for.
const Prompt = "scarlet> "

// RemoteClient is a telnet client attached to a running monitor's
// ServeTelnet listener.
type RemoteClient struct {
	conn    *telnet.Conn
	timeout time.Duration
}

// DialRemote connects to a monitor listening at addr (host:port).
func DialRemote(addr string, timeout time.Duration) (*RemoteClient, error) {
	conn, err := telnet.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("monitor: dial %s: %w", addr, err)
	}
	conn.SetUnixWriteMode(true)
	rc := &RemoteClient{conn: conn, timeout: timeout}
	if err := rc.skipToPrompt(); err != nil {
		conn.Close()
		return nil, err
	}
	return rc, nil
}

func (c *RemoteClient) skipToPrompt() error {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	return c.conn.SkipUntil(Prompt)
}

// Run sends line to the remote monitor and returns everything it wrote
// back before the next prompt.
func (c *RemoteClient) Run(line string) (string, error) {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", err
	}
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return "", err
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", err
	}
	out, err := c.conn.ReadUntil(Prompt)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Close releases the underlying telnet connection.
func (c *RemoteClient) Close() error {
	return c.conn.Close()
}
