package runze

import (
	"encoding/binary"
	"fmt"
)

// SV-06 Frame (8 Bytes):
// CC | Addr | Func/Status | Param Lo | Param Hi | DD | Sum Lo | Sum Hi
type Frame struct {
	Address uint8  // Slave Address
	Code    uint8  // Function Code im Request, Status in der Antwort
	Param   uint16 // Little Endian auf dem Draht
}

const (
	FrameLen    = 8
	frameHeader = 0xCC
	frameEnd    = 0xDD
)

// Function codes
const (
	FuncGetPosition = 0x3E
	FuncSetPosition = 0x44
)

// Status codes
const (
	StatusNormal          = 0x00
	StatusFrameError      = 0x01
	StatusParameterError  = 0x02
	StatusOptocoupler     = 0x03
	StatusMotorBusy       = 0x04
	StatusMotorStalled    = 0x05
	StatusUnknownLocation = 0x06
	StatusExecuting       = 0xFE
	StatusUnknownError    = 0xFF
)

var statusText = map[uint8]string{
	StatusNormal:          "normal status",
	StatusFrameError:      "frame error",
	StatusParameterError:  "parameter error",
	StatusOptocoupler:     "optocoupler error",
	StatusMotorBusy:       "motor busy",
	StatusMotorStalled:    "motor stalled",
	StatusUnknownLocation: "unknown location",
	StatusExecuting:       "task being executed",
	StatusUnknownError:    "unknown error",
}

// StatusText describes a reply status byte.
func StatusText(status uint8) string {
	if s, ok := statusText[status]; ok {
		return s
	}
	return fmt.Sprintf("unknown status 0x%02X", status)
}

// Encode erstellt das komplette Frame inkl. Prüfsumme
func (f Frame) Encode() []byte {
	frame := make([]byte, FrameLen)
	frame[0] = frameHeader
	frame[1] = f.Address
	frame[2] = f.Code
	binary.LittleEndian.PutUint16(frame[3:5], f.Param)
	frame[5] = frameEnd
	binary.LittleEndian.PutUint16(frame[6:8], checksum(frame[:6]))
	return frame
}

// DecodeFrame parst ein empfangenes Frame und prüft Rahmen und Summe.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) != FrameLen {
		return Frame{}, fmt.Errorf("frame length %d, want %d", len(data), FrameLen)
	}
	if data[0] != frameHeader || data[5] != frameEnd {
		return Frame{}, fmt.Errorf("invalid frame markers 0x%02X/0x%02X", data[0], data[5])
	}
	want := checksum(data[:6])
	if got := binary.LittleEndian.Uint16(data[6:8]); got != want {
		return Frame{}, fmt.Errorf("checksum mismatch: got 0x%04X, want 0x%04X", got, want)
	}
	return Frame{
		Address: data[1],
		Code:    data[2],
		Param:   binary.LittleEndian.Uint16(data[3:5]),
	}, nil
}

// checksum is the 16-bit sum of all bytes before it.
func checksum(b []byte) uint16 {
	var sum uint16
	for _, v := range b {
		sum += uint16(v)
	}
	return sum
}
