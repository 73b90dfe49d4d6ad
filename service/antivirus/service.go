package antivirus

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

type Service interface {
	Scan(ctx context.Context, data []byte) (r Result, err error)
}

type Result struct {
	Infected bool
	Viruses  []string
}

type service struct {
	network string
	addr    string
	timeout time.Duration
}

const cmdInstream = "zINSTREAM\x00"
const chunkSize = 64 * 1024
const suffixFound = " FOUND"
const suffixError = " ERROR"

var ErrUnavailable = errors.New("virus scanner unavailable")

// NewService connects to clamd at addr, either "unix:/path/to/clamd.sock" or "host:port".
func NewService(addr string, timeout time.Duration) Service {
	network := "tcp"
	if strings.HasPrefix(addr, "unix:") {
		network = "unix"
		addr = strings.TrimPrefix(addr, "unix:")
	}
	return service{
		network: network,
		addr:    addr,
		timeout: timeout,
	}
}

func (svc service) Scan(ctx context.Context, data []byte) (r Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, svc.timeout)
	defer cancel()
	var conn net.Conn
	conn, err = (&net.Dialer{}).DialContext(ctx, svc.network, svc.addr)
	if err != nil {
		err = fmt.Errorf("%w: %s", ErrUnavailable, err)
		return
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	err = writeStream(conn, data)
	var reply string
	if err == nil {
		reply, err = bufio.NewReader(conn).ReadString(0)
	}
	if err != nil {
		err = fmt.Errorf("%w: %s", ErrUnavailable, err)
		return
	}
	r, err = parseReply(reply)
	return
}

func writeStream(conn net.Conn, data []byte) (err error) {
	w := bufio.NewWriter(conn)
	_, err = w.WriteString(cmdInstream)
	size := make([]byte, 4)
	for len(data) > 0 && err == nil {
		n := min(len(data), chunkSize)
		binary.BigEndian.PutUint32(size, uint32(n))
		_, err = w.Write(size)
		if err == nil {
			_, err = w.Write(data[:n])
		}
		data = data[n:]
	}
	if err == nil {
		binary.BigEndian.PutUint32(size, 0)
		_, err = w.Write(size)
	}
	if err == nil {
		err = w.Flush()
	}
	return
}

// parseReply handles "stream: OK", "stream: <name> FOUND" and "<reason> ERROR", one line per stream.
func parseReply(reply string) (r Result, err error) {
	reply = strings.TrimRight(reply, "\x00\n")
	switch {
	case strings.HasSuffix(reply, suffixFound):
		r.Infected = true
		name := strings.TrimSuffix(reply, suffixFound)
		if sepIdx := strings.Index(name, ": "); sepIdx >= 0 {
			name = name[sepIdx+2:]
		}
		r.Viruses = append(r.Viruses, name)
	case strings.HasSuffix(reply, suffixError):
		err = fmt.Errorf("%w: %s", ErrUnavailable, reply)
	case strings.HasSuffix(reply, "OK"):
	default:
		err = fmt.Errorf("%w: unexpected reply %q", ErrUnavailable, reply)
	}
	return
}
