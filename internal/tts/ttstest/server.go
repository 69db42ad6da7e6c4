// Package ttstest provides a synthesis server that speaks the streaming wire
// protocol: it reads the request text, writes float32 little-endian samples
// and finishes with END.
package ttstest

import (
	"encoding/binary"
	"math"
	"net"
	"strconv"
	"sync"
	"time"
)

const endMarker = "END"

// Handler answers one connection. The server closes the connection when the
// handler returns.
type Handler func(conn net.Conn, text string)

// Server is a TCP listener that runs a Handler per connection.
type Server struct {
	ln      net.Listener
	handler Handler

	wg       sync.WaitGroup
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	requests []string
	closed   bool
}

// NewServer listens on addr ("127.0.0.1:0" for a free port) and starts serving.
func NewServer(addr string, handler Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{ln: ln, handler: handler, conns: make(map[net.Conn]struct{})}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// Endpoint splits the listen address for configs that keep host and port apart.
func (s *Server) Endpoint() (string, int) {
	host, port, _ := net.SplitHostPort(s.Addr())
	p, _ := strconv.Atoi(port)
	return host, p
}

// Requests returns the texts received so far, in arrival order.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Close stops accepting, closes open connections and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return
	}
	text := string(buf[:n])
	s.mu.Lock()
	s.requests = append(s.requests, text)
	s.mu.Unlock()

	s.handler(conn, text)
}

// Encode returns the wire form of samples.
func Encode(samples ...float32) []byte {
	out := make([]byte, 0, len(samples)*4)
	for _, v := range samples {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

// End is the end-of-stream payload.
func End() []byte { return []byte(endMarker) }

// Script writes each payload as its own segment, pausing gap between them so
// the client sees one read per payload.
func Script(gap time.Duration, writes ...[]byte) Handler {
	return func(conn net.Conn, _ string) {
		for i, w := range writes {
			if i > 0 {
				time.Sleep(gap)
			}
			if _, err := conn.Write(w); err != nil {
				return
			}
		}
		// Let the client read the last segment before the close arrives.
		time.Sleep(gap)
	}
}

// Hold writes the given payloads and then keeps the connection open until the
// client goes away.
func Hold(writes ...[]byte) Handler {
	return func(conn net.Conn, _ string) {
		for _, w := range writes {
			if _, err := conn.Write(w); err != nil {
				return
			}
		}
		waitForHangup(conn)
	}
}

// Tone synthesizes a sine wave lasting roughly 60ms per character of text,
// streamed in chunkBytes writes. With realtime set, chunks are paced at the
// playback rate the way a neural synthesizer trickles audio out.
func Tone(sampleRate int, freq float64, chunkBytes int, realtime bool) Handler {
	return func(conn net.Conn, text string) {
		total := len(text) * sampleRate * 60 / 1000
		perChunk := chunkBytes / 4
		if perChunk <= 0 {
			perChunk = 512
		}
		pace := time.Duration(float64(perChunk) / float64(sampleRate) * float64(time.Second))

		block := make([]float32, 0, perChunk)
		for i := 0; i < total; i++ {
			phase := 2 * math.Pi * freq * float64(i) / float64(sampleRate)
			block = append(block, float32(0.3*math.Sin(phase)))
			if len(block) == perChunk || i == total-1 {
				if _, err := conn.Write(Encode(block...)); err != nil {
					return
				}
				block = block[:0]
				if realtime {
					time.Sleep(pace)
				}
			}
		}
		time.Sleep(20 * time.Millisecond)
		if _, err := conn.Write(End()); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func waitForHangup(conn net.Conn) {
	buf := make([]byte, 64)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}
