package meshcore

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	prefixToDevice   = 0x3c
	prefixFromDevice = 0x3e
	maxFrameSize     = 4096
)

const (
	kindHello   = "hello"
	kindSelf    = "self"
	kindMsg     = "msg"
	kindContact = "contact"
	kindSend    = "send"
	kindSent    = "sent"
	kindErr     = "err"
)

// message is the msgpack body carried in every frame.
type message struct {
	Kind      string  `msgpack:"k"`
	Tag       uint32  `msgpack:"tag,omitempty"`
	From      string  `msgpack:"from,omitempty"`
	To        string  `msgpack:"to,omitempty"`
	Channel   int     `msgpack:"ch,omitempty"`
	Text      string  `msgpack:"text,omitempty"`
	Seq       int     `msgpack:"seq,omitempty"`
	Total     int     `msgpack:"total,omitempty"`
	Envelope  string  `msgpack:"env,omitempty"`
	Index     int     `msgpack:"idx,omitempty"`
	FragTotal int     `msgpack:"ft,omitempty"`
	SNR       float64 `msgpack:"snr,omitempty"`
	RSSI      int     `msgpack:"rssi,omitempty"`
	Hops      *int    `msgpack:"hops,omitempty"`
	Name      string  `msgpack:"name,omitempty"`
	Hardware  string  `msgpack:"hw,omitempty"`
	Battery   *int    `msgpack:"batt,omitempty"`
	Lat       float64 `msgpack:"lat,omitempty"`
	Lon       float64 `msgpack:"lon,omitempty"`
	Error     string  `msgpack:"err,omitempty"`
}

// writeFrame encodes msg and writes prefix|uint16le length|body.
func writeFrame(w io.Writer, prefix byte, msg message) error {
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame body: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("frame too large: %d", len(body))
	}

	frame := make([]byte, 3+len(body))
	frame[0] = prefix
	binary.LittleEndian.PutUint16(frame[1:3], uint16(len(body)))
	copy(frame[3:], body)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readFrame reads one frame with the expected prefix and decodes its body.
func readFrame(r io.Reader, prefix byte) (message, error) {
	head := make([]byte, 3)
	if _, err := io.ReadFull(r, head); err != nil {
		return message{}, err
	}
	if head[0] != prefix {
		return message{}, fmt.Errorf("unexpected frame prefix: 0x%02x", head[0])
	}
	size := binary.LittleEndian.Uint16(head[1:3])
	if size > maxFrameSize {
		return message{}, fmt.Errorf("frame too large: %d", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return message{}, err
	}

	var msg message
	if err := msgpack.Unmarshal(body, &msg); err != nil {
		return message{}, fmt.Errorf("decode frame body: %w", err)
	}
	return msg, nil
}
