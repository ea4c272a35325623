package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"go.bug.st/serial"

	"github.com/musthaq16/live-route-tracker/internal/monitoring"
	"github.com/musthaq16/live-route-tracker/types"
)

// maxLineBytes bounds a line read from the port. NMEA sentences are at most 82 characters.
const maxLineBytes = 1024

// uereMeters converts HDOP into a rough horizontal accuracy.
const uereMeters = 5.0

// SerialConfig describes an NMEA 0183 GPS receiver on a serial port.
type SerialConfig struct {
	Port     string
	BaudRate int
	// MaxHDOP is the worst horizontal dilution accepted in high accuracy mode. Zero disables the check.
	MaxHDOP float64
}

// SerialSource reads RMC/GGA sentences from a GPS receiver.
type SerialSource struct {
	cfg       SerialConfig
	openPort  func(path string, mode *serial.Mode) (io.ReadCloser, error)
	listPorts func() ([]string, error)
}

func NewSerialSource(cfg SerialConfig) *SerialSource {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 9600
	}
	return &SerialSource{
		cfg: cfg,
		openPort: func(path string, mode *serial.Mode) (io.ReadCloser, error) {
			return serial.Open(path, mode)
		},
		listPorts: serial.GetPortsList,
	}
}

func (s *SerialSource) Name() string { return "serial" }

func (s *SerialSource) Available() error {
	if s.cfg.Port == "" {
		return fmt.Errorf("no serial port configured")
	}
	ports, err := s.listPorts()
	if err == nil && slices.Contains(ports, s.cfg.Port) {
		return nil
	}
	// by-id symlinks are not always listed
	if _, statErr := os.Stat(s.cfg.Port); statErr == nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list serial ports: %w", err)
	}
	return fmt.Errorf("serial port %s not found (have %v)", s.cfg.Port, ports)
}

func (s *SerialSource) Open(ctx context.Context, opts Options) (<-chan Reading, error) {
	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := s.openPort(s.cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.cfg.Port, err)
	}

	out := make(chan Reading, 16)
	go func() {
		<-ctx.Done()
		_ = port.Close()
	}()
	go func() {
		defer close(out)
		s.scan(ctx, port, opts, out)
	}()
	return out, nil
}

func (s *SerialSource) scan(ctx context.Context, r io.Reader, opts Options, out chan<- Reading) {
	rd := bufio.NewReaderSize(r, maxLineBytes)
	hdop := 0.0

	for {
		line, err := readLine(rd)
		if line = strings.TrimSpace(line); strings.HasPrefix(line, "$") {
			if !s.handleSentence(ctx, line, opts, &hdop, out) {
				return
			}
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				emit(ctx, out, Reading{Err: fmt.Errorf("read %s: %w", s.cfg.Port, err)})
			}
			return
		}
	}
}

// readLine returns the next line, skipping any longer than the reader's
// buffer. A receiver at the wrong baud rate produces those.
func readLine(rd *bufio.Reader) (string, error) {
	for {
		line, err := rd.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			return string(line), err
		}
		monitoring.Logf("[serial] skipping over-long line")
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = rd.ReadSlice('\n')
		}
		if err != nil {
			return "", err
		}
	}
}

func (s *SerialSource) handleSentence(ctx context.Context, line string, opts Options, hdop *float64, out chan<- Reading) bool {
	sentence, err := nmea.Parse(line)
	if err != nil {
		return emit(ctx, out, Reading{Err: fmt.Errorf("nmea: %w", err)})
	}

	switch m := sentence.(type) {
	case nmea.GGA:
		*hdop = m.HDOP
	case nmea.RMC:
		if m.Validity != nmea.ValidRMC {
			return true
		}
		if opts.HighAccuracy && s.cfg.MaxHDOP > 0 && *hdop > s.cfg.MaxHDOP {
			monitoring.Logf("[serial] skipping fix, HDOP %.1f above %.1f", *hdop, s.cfg.MaxHDOP)
			return true
		}
		return emit(ctx, out, Reading{
			Point:    types.GeoPoint{Lat: m.Latitude, Lon: m.Longitude},
			Time:     rmcTime(m),
			Accuracy: *hdop * uereMeters,
		})
	}
	return true
}

// rmcTime is the UTC fix time, zero when the receiver has no date yet.
func rmcTime(m nmea.RMC) time.Time {
	if !m.Date.Valid || !m.Time.Valid {
		return time.Time{}
	}
	return time.Date(2000+m.Date.YY, time.Month(m.Date.MM), m.Date.DD,
		m.Time.Hour, m.Time.Minute, m.Time.Second, m.Time.Millisecond*int(time.Millisecond), time.UTC)
}
