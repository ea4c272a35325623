package device

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/musthaq16/live-route-tracker/types"
)

// Teltonika codec 8 extended framing:
//
//	login:  00 0F | IMEI (15 ASCII digits)            -> server answers 01 / 00
//	data:   00000000 | length(4) | codec 8E | n | records... | n | CRC-16/IBM(4)
//
// The CRC covers everything from the codec byte to the trailing record count.
const (
	codec8E      = 0x8E
	imeiLength   = 15
	maxFrameSize = 1 << 16
)

var errBadFrame = errors.New("malformed AVL frame")

// AVLRecord is the GPS part of one AVL record. IO elements are skipped.
type AVLRecord struct {
	Time       time.Time
	Priority   uint8
	Point      types.GeoPoint
	Altitude   int16
	Angle      uint16
	Satellites uint8
	Speed      uint16
}

// EncodeLogin generates the login packet carrying the IMEI
func EncodeLogin(imei string) ([]byte, error) {
	if len(imei) != imeiLength {
		return nil, fmt.Errorf("IMEI must be %d digits", imeiLength)
	}
	for _, c := range imei {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("IMEI must be digits: %q", imei)
		}
	}

	packet := make([]byte, 2+imeiLength)
	binary.BigEndian.PutUint16(packet[0:2], imeiLength)
	copy(packet[2:], imei)
	return packet, nil
}

// ReadLogin reads a login packet and returns the IMEI.
func ReadLogin(r io.Reader) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if n != imeiLength {
		return "", fmt.Errorf("%w: login length %d", errBadFrame, n)
	}
	imei := make([]byte, n)
	if _, err := io.ReadFull(r, imei); err != nil {
		return "", err
	}
	return string(imei), nil
}

// EncodeAVL builds a codec 8E data frame with no IO elements.
func EncodeAVL(records []AVLRecord) ([]byte, error) {
	if len(records) == 0 || len(records) > 255 {
		return nil, fmt.Errorf("AVL frame needs 1..255 records, got %d", len(records))
	}

	var data bytes.Buffer
	data.WriteByte(codec8E)
	data.WriteByte(byte(len(records)))
	for _, rec := range records {
		_ = binary.Write(&data, binary.BigEndian, uint64(rec.Time.UnixMilli()))
		data.WriteByte(rec.Priority)
		// coordinates are scaled by 1e7, longitude first
		_ = binary.Write(&data, binary.BigEndian, int32(rec.Point.Lon*1e7))
		_ = binary.Write(&data, binary.BigEndian, int32(rec.Point.Lat*1e7))
		_ = binary.Write(&data, binary.BigEndian, rec.Altitude)
		_ = binary.Write(&data, binary.BigEndian, rec.Angle)
		data.WriteByte(rec.Satellites)
		_ = binary.Write(&data, binary.BigEndian, rec.Speed)
		// event IO id, total IO count, then N1, N2, N4, N8, NX counts
		data.Write(make([]byte, 2+2+2*5))
	}
	data.WriteByte(byte(len(records)))

	frame := make([]byte, 8, 8+data.Len()+4)
	binary.BigEndian.PutUint32(frame[4:8], uint32(data.Len()))
	frame = append(frame, data.Bytes()...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(crc16IBM(data.Bytes())))
	return frame, nil
}

// ReadAVL reads one data frame, checks its CRC and decodes the records.
func ReadAVL(r io.Reader) ([]AVLRecord, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != 0 {
		return nil, fmt.Errorf("%w: bad preamble %X", errBadFrame, hdr[0:4])
	}
	n := binary.BigEndian.Uint32(hdr[4:8])
	if n < 3 || n > maxFrameSize {
		return nil, fmt.Errorf("%w: data length %d", errBadFrame, n)
	}

	buf := make([]byte, n+4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	data, crc := buf[:n], binary.BigEndian.Uint32(buf[n:])
	if got := uint32(crc16IBM(data)); got != crc {
		return nil, fmt.Errorf("%w: CRC %04X, frame says %04X", errBadFrame, got, crc)
	}
	return decodeAVLData(data)
}

func decodeAVLData(data []byte) ([]AVLRecord, error) {
	d := &avlDecoder{buf: data}
	if codec := d.u8(); codec != codec8E {
		return nil, fmt.Errorf("%w: codec %#x not supported", errBadFrame, codec)
	}
	count := int(d.u8())

	records := make([]AVLRecord, 0, count)
	for i := 0; i < count && d.err == nil; i++ {
		var rec AVLRecord
		rec.Time = time.UnixMilli(int64(d.u64())).UTC()
		rec.Priority = d.u8()
		lon := int32(d.u32())
		lat := int32(d.u32())
		rec.Point = types.GeoPoint{Lat: float64(lat) / 1e7, Lon: float64(lon) / 1e7}
		rec.Altitude = int16(d.u16())
		rec.Angle = d.u16()
		rec.Satellites = d.u8()
		rec.Speed = d.u16()
		d.skipIO()
		records = append(records, rec)
	}
	if trailer := int(d.u8()); d.err == nil && trailer != count {
		return nil, fmt.Errorf("%w: record count %d, trailer says %d", errBadFrame, count, trailer)
	}
	if d.err != nil {
		return nil, d.err
	}
	if d.off != len(d.buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes", errBadFrame, len(d.buf)-d.off)
	}
	return records, nil
}

// avlDecoder reads big-endian fields and remembers the first short read.
type avlDecoder struct {
	buf []byte
	off int
	err error
}

func (d *avlDecoder) take(n int) []byte {
	if d.err != nil {
		return make([]byte, n)
	}
	if d.off+n > len(d.buf) {
		d.err = fmt.Errorf("%w: truncated at byte %d", errBadFrame, d.off)
		return make([]byte, n)
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *avlDecoder) u8() uint8   { return d.take(1)[0] }
func (d *avlDecoder) u16() uint16 { return binary.BigEndian.Uint16(d.take(2)) }
func (d *avlDecoder) u32() uint32 { return binary.BigEndian.Uint32(d.take(4)) }
func (d *avlDecoder) u64() uint64 { return binary.BigEndian.Uint64(d.take(8)) }

func (d *avlDecoder) skipIO() {
	d.u16() // event IO id
	d.u16() // total IO count
	for _, size := range []int{1, 2, 4, 8} {
		n := int(d.u16())
		d.take(n * (2 + size))
	}
	nx := int(d.u16())
	for i := 0; i < nx && d.err == nil; i++ {
		d.u16()
		d.take(int(d.u16()))
	}
}

// CRC-16/IBM, reflected polynomial 0xA001, initial value 0
func crc16IBM(data []byte) uint16 {
	var crc uint16
	const polynomial = 0xA001

	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ polynomial
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
