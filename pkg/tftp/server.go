package tftp

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/provd-server/provd/pkg/util"
)

// Transfer tuning. Four tries per block, four seconds each.
const (
	maxRetries  = 4
	ackTimeout  = 4 * time.Second
	maxDatagram = 4 + MaxBlockSize
)

// Request is an accepted read request, handed to the Handler.
type Request struct {
	// Addr is the client's transfer endpoint (its TID).
	Addr *net.UDPAddr

	// Filename is the requested file, exactly as sent.
	Filename string

	// Mode is the transfer mode, lowercased. Only octet is served.
	Mode string
}

// Response is how a Handler answers a read request. Exactly one method
// must be called.
type Response interface {
	// Accept streams f to the client; f is closed when the transfer ends.
	Accept(f io.ReadCloser)

	// Reject refuses the request with a TFTP error.
	Reject(code uint16, msg string)

	// Ignore drops the request silently; the client will time out.
	Ignore()
}

// Handler answers read requests.
type Handler interface {
	HandleRead(req *Request, rsp Response)
}

// Server is a read-only TFTP server. Each accepted transfer runs on its
// own socket so the main port never blocks.
type Server struct {
	handler Handler
	conn    *net.UDPConn
}

// NewServer binds the server socket.
func NewServer(addr string, handler Handler) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving TFTP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("binding TFTP socket: %w", err)
	}
	return &Server{handler: handler, conn: conn}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

// Serve accepts requests until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, clientAddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading TFTP socket: %w", err)
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		go s.dispatch(clientAddr, pkt)
	}
}

func (s *Server) dispatch(clientAddr *net.UDPAddr, pkt []byte) {
	req, err := parseRequest(pkt)
	if err != nil {
		util.Logger.Debugf("Dropping datagram from %s: %v", clientAddr, err)
		s.replyError(clientAddr, ErrIllegalOp, "invalid request")
		return
	}
	if req.op == opWRQ {
		s.replyError(clientAddr, ErrUndefined, "WRQ not supported")
		return
	}
	if req.mode != "octet" {
		s.replyError(clientAddr, ErrUndefined, "only octet mode is supported")
		return
	}

	rsp := &response{
		clientAddr: clientAddr,
		filename:   req.filename,
		blkSize:    req.blkSize,
	}
	s.handler.HandleRead(&Request{Addr: clientAddr, Filename: req.filename, Mode: req.mode}, rsp)
	if !rsp.answered {
		// Handler chose none of the outcomes; treat as ignore.
		util.Logger.Warnf("TFTP handler gave no answer for %q from %s", req.filename, clientAddr)
	}
}

func (s *Server) replyError(clientAddr *net.UDPAddr, code uint16, msg string) {
	if _, err := s.conn.WriteToUDP(buildError(code, msg), clientAddr); err != nil {
		util.Logger.Debugf("Failed to send TFTP error to %s: %v", clientAddr, err)
	}
}

// response implements Response for one read request.
type response struct {
	clientAddr *net.UDPAddr
	filename   string
	blkSize    int
	answered   bool
}

func (r *response) Accept(f io.ReadCloser) {
	r.answered = true
	go transfer(r.clientAddr, f, r.blkSize, r.filename)
}

func (r *response) Reject(code uint16, msg string) {
	r.answered = true
	conn, err := net.DialUDP("udp", nil, r.clientAddr)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write(buildError(code, msg))
}

func (r *response) Ignore() {
	r.answered = true
}

// transfer runs one read transfer on a fresh socket. Blocks are numbered
// from 1 and wrap through 0, so files over 65535 blocks still flow. A
// stale ACK ends the transfer rather than resending, avoiding the
// sorcerer's-apprentice storm.
func transfer(clientAddr *net.UDPAddr, f io.ReadCloser, blkSize int, filename string) {
	defer f.Close()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		util.Logger.Errorf("Failed to open transfer socket for %s: %v", clientAddr, err)
		return
	}
	defer conn.Close()

	log := util.Logger.WithField("client", clientAddr.String())

	if blkSize > 0 {
		if !sendAndAwaitAck(conn, clientAddr, buildOACK(blkSize), 0, log) {
			return
		}
	} else {
		blkSize = DefaultBlockSize
	}

	var block uint16 = 1
	payload := make([]byte, blkSize)
	for {
		n, readErr := io.ReadFull(f, payload)
		if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
			log.Errorf("Read failed during transfer of %q: %v", filename, readErr)
			conn.WriteToUDP(buildError(ErrUndefined, "read error"), clientAddr)
			return
		}
		if !sendAndAwaitAck(conn, clientAddr, buildData(block, payload[:n]), block, log) {
			return
		}
		if n < blkSize {
			log.Debugf("Completed transfer of %q", filename)
			return
		}
		block = (block + 1) & 0xffff
	}
}

// sendAndAwaitAck sends pkt and waits for the matching ACK, retrying on
// timeout. Returns false when the transfer must stop.
func sendAndAwaitAck(conn *net.UDPConn, clientAddr *net.UDPAddr, pkt []byte, block uint16, log *logrus.Entry) bool {
	buf := make([]byte, maxDatagram)
	for attempt := 0; attempt < maxRetries; attempt++ {
		if _, err := conn.WriteToUDP(pkt, clientAddr); err != nil {
			log.Debugf("Send failed: %v", err)
			return false
		}
		conn.SetReadDeadline(time.Now().Add(ackTimeout))
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					break // resend
				}
				log.Debugf("Receive failed: %v", err)
				return false
			}
			if !from.IP.Equal(clientAddr.IP) || from.Port != clientAddr.Port {
				conn.WriteToUDP(buildError(ErrUnknownTID, "unknown transfer ID"), from)
				continue
			}
			acked, err := parseAck(buf[:n])
			if err != nil {
				log.Debugf("Bad ACK: %v", err)
				return false
			}
			if acked == block {
				return true
			}
			// A stale ACK means the client fell out of step; give up
			// instead of flooding duplicates.
			log.Debugf("Stale ACK %d while waiting for %d", acked, block)
			return false
		}
	}
	log.Debugf("No ACK for block %d after %d attempts", block, maxRetries)
	return false
}
