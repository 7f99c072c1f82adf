// Package ami notifies telephony endpoints through the Asterisk Manager
// Interface. It implements the out-of-band resync channel: a check-sync
// SIP NOTIFY pushed at the device so it refetches its configuration.
package ami

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

// autoprovRegexp matches the placeholder username a factory-fresh device
// registers with; notifying that peer would hit the wrong endpoint.
var autoprovRegexp = regexp.MustCompile(`^ap.{8}$`)

// Client speaks AMI over TCP. Each notification uses a fresh connection:
// the volume is tiny and a stale session is worse than a reconnect.
type Client struct {
	Addr     string
	Username string
	Password string

	// DialTimeout bounds connection establishment; zero means 10 seconds.
	DialTimeout time.Duration
}

// CheckSync pushes a check-sync event at a device, by SIP peer when the
// username is usable and by address otherwise.
func (c *Client) CheckSync(ctx context.Context, sipUsername, ip string) error {
	headers := map[string]string{
		"Action":   "PJSIPNotify",
		"Variable": "Event=check-sync",
	}
	if sipUsername != "" && !autoprovRegexp.MatchString(sipUsername) {
		headers["Endpoint"] = sipUsername
	} else if ip != "" {
		headers["URI"] = "sip:anonymous@" + ip
	} else {
		return fmt.Errorf("no SIP username and no address to notify")
	}
	return c.perform(ctx, headers)
}

func (c *Client) perform(ctx context.Context, action map[string]string) error {
	timeout := c.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("connecting to AMI: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	r := bufio.NewReader(conn)
	// The banner line comes before any response block.
	if _, err := r.ReadString('\n'); err != nil {
		return fmt.Errorf("reading AMI banner: %w", err)
	}

	login := map[string]string{
		"Action":   "Login",
		"Username": c.Username,
		"Secret":   c.Password,
	}
	if err := roundTrip(conn, r, login); err != nil {
		return fmt.Errorf("AMI login: %w", err)
	}
	if err := roundTrip(conn, r, action); err != nil {
		return fmt.Errorf("AMI %s: %w", action["Action"], err)
	}

	// Best effort; the work is done.
	writeAction(conn, map[string]string{"Action": "Logoff"})
	return nil
}

// roundTrip sends one action and consumes its response block.
func roundTrip(conn net.Conn, r *bufio.Reader, action map[string]string) error {
	if err := writeAction(conn, action); err != nil {
		return err
	}
	response, err := readBlock(r)
	if err != nil {
		return err
	}
	if status := response["Response"]; status != "Success" {
		msg := response["Message"]
		if msg == "" {
			msg = "no message"
		}
		return fmt.Errorf("%s: %s", status, msg)
	}
	return nil
}

func writeAction(conn net.Conn, action map[string]string) error {
	var b strings.Builder
	// Action goes first; header order is otherwise irrelevant.
	fmt.Fprintf(&b, "Action: %s\r\n", action["Action"])
	for k, v := range action {
		if k == "Action" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	_, err := conn.Write([]byte(b.String()))
	return err
}

// readBlock reads header lines until the blank terminator.
func readBlock(r *bufio.Reader) (map[string]string, error) {
	block := map[string]string{}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return block, nil
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			block[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
}
