package gpib

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"
)

// prologixSession drives one GPIB instrument through a Prologix-style
// USB-GPIB adapter. The adapter itself is configured with ++ commands; plain
// lines are forwarded to the addressed instrument, and "++read eoi" pulls
// the reply back.
type prologixSession struct {
	port   *serial.Port
	reader *bufio.Reader
	addr   int
}

const prologixBaud = 115200

type prologixResource struct {
	port string
	addr int
}

// parsePrologixResource expects "PATH::ADDR", e.g. "/dev/ttyUSB0::12".
func parsePrologixResource(rest string) (prologixResource, error) {
	path, addrStr, ok := strings.Cut(rest, "::")
	if !ok {
		return prologixResource{}, fmt.Errorf("prologix resource needs PATH::ADDR, got %q", rest)
	}
	addr, err := strconv.Atoi(addrStr)
	if err != nil || addr < 0 || addr > 30 {
		return prologixResource{}, fmt.Errorf("bad GPIB address %q", addrStr)
	}
	return prologixResource{port: path, addr: addr}, nil
}

func openPrologix(rest string) (Session, error) {
	res, err := parsePrologixResource(rest)
	if err != nil {
		return nil, err
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        res.port,
		Baud:        prologixBaud,
		ReadTimeout: 2 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", res.port, err)
	}

	s := &prologixSession{
		port:   port,
		reader: bufio.NewReader(port),
		addr:   res.addr,
	}
	// controller mode, fixed address, no read-after-write, assert EOI
	for _, cmd := range []string{
		"++mode 1",
		fmt.Sprintf("++addr %d", res.addr),
		"++auto 0",
		"++eoi 1",
	} {
		if err := s.Write(cmd); err != nil {
			port.Close()
			return nil, fmt.Errorf("configure adapter: %w", err)
		}
	}
	return s, nil
}

func (s *prologixSession) Write(cmd string) error {
	if _, err := s.port.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("write %q: %w", cmd, err)
	}
	return nil
}

func (s *prologixSession) Ask(cmd string) (string, error) {
	if err := s.Write(cmd); err != nil {
		return "", err
	}
	if err := s.Write("++read eoi"); err != nil {
		return "", err
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply to %q: %w", cmd, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *prologixSession) Close() error {
	return s.port.Close()
}
