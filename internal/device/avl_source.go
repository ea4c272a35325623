package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/musthaq16/live-route-tracker/internal/monitoring"
)

// AVLConfig configures the Teltonika tracker listener.
type AVLConfig struct {
	Listen string
	// IMEI restricts the source to one tracker. Empty accepts any.
	IMEI string
	// IdleTimeout closes connections that send nothing for this long. Zero disables it.
	IdleTimeout time.Duration
}

// AVLSource accepts Teltonika trackers over TCP and reports the GPS element of
// every AVL record they send.
type AVLSource struct {
	cfg AVLConfig

	mu sync.Mutex
	ln net.Listener
}

func NewAVLSource(cfg AVLConfig) *AVLSource {
	return &AVLSource{cfg: cfg}
}

func (s *AVLSource) Name() string { return "avl" }

// Available binds the listen address.
func (s *AVLSource) Available() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Addr is the bound address, nil before Available succeeds.
func (s *AVLSource) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *AVLSource) Open(ctx context.Context, _ Options) (<-chan Reading, error) {
	if err := s.Available(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	out := make(chan Reading, 16)
	var wg sync.WaitGroup
	var connsMu sync.Mutex
	conns := map[net.Conn]struct{}{}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		connsMu.Lock()
		for c := range conns {
			_ = c.Close()
		}
		connsMu.Unlock()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil {
					emit(ctx, out, Reading{Err: fmt.Errorf("accept: %w", err)})
				}
				return
			}
			connsMu.Lock()
			conns[conn] = struct{}{}
			connsMu.Unlock()
			if ctx.Err() != nil {
				_ = conn.Close()
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				s.serve(ctx, conn, out)
				connsMu.Lock()
				delete(conns, conn)
				connsMu.Unlock()
			}()
		}
	}()

	go func() {
		wg.Wait()
		s.mu.Lock()
		s.ln = nil
		s.mu.Unlock()
		close(out)
	}()
	return out, nil
}

func (s *AVLSource) serve(ctx context.Context, conn net.Conn, out chan<- Reading) {
	defer func() { _ = conn.Close() }()
	remote := conn.RemoteAddr().String()

	s.touch(conn)
	imei, err := ReadLogin(conn)
	if err != nil {
		monitoring.Logf("[avl] %s: login failed: %v", remote, err)
		return
	}
	if s.cfg.IMEI != "" && imei != s.cfg.IMEI {
		monitoring.Logf("[avl] %s: rejecting tracker %s", remote, imei)
		_, _ = conn.Write([]byte{0x00})
		return
	}
	if _, err := conn.Write([]byte{0x01}); err != nil {
		return
	}
	monitoring.Logf("[avl] [%s] tracker connected from %s", imei, remote)

	for {
		s.touch(conn)
		records, err := ReadAVL(conn)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				monitoring.Logf("[avl] [%s] tracker disconnected", imei)
				return
			}
			emit(ctx, out, Reading{Err: fmt.Errorf("tracker %s: %w", imei, err)})
			return
		}

		ack := make([]byte, 4)
		binary.BigEndian.PutUint32(ack, uint32(len(records)))
		if _, err := conn.Write(ack); err != nil {
			return
		}

		for _, rec := range records {
			if !emit(ctx, out, Reading{Point: rec.Point, Time: rec.Time}) {
				return
			}
		}
	}
}

func (s *AVLSource) touch(conn net.Conn) {
	if s.cfg.IdleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}
}

// emit sends r unless ctx ends first.
func emit(ctx context.Context, out chan<- Reading, r Reading) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}
