package gpib

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"
)

// tcpSession speaks SCPI over a raw socket, for instruments reached through
// a LAN-GPIB gateway or their own ethernet port.
type tcpSession struct {
	conn   net.Conn
	reader *bufio.Reader
}

const (
	tcpDialTimeout = 5 * time.Second
	tcpAskTimeout  = 2 * time.Second
)

func openTCP(addr string) (Session, error) {
	conn, err := net.DialTimeout("tcp", addr, tcpDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &tcpSession{conn: conn, reader: bufio.NewReader(conn)}, nil
}

func (s *tcpSession) Write(cmd string) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(tcpAskTimeout)); err != nil {
		return err
	}
	if _, err := s.conn.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("write %q: %w", cmd, err)
	}
	return nil
}

func (s *tcpSession) Ask(cmd string) (string, error) {
	if err := s.Write(cmd); err != nil {
		return "", err
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(tcpAskTimeout)); err != nil {
		return "", err
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply to %q: %w", cmd, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *tcpSession) Close() error {
	return s.conn.Close()
}
