package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds the body of a single frame.
const MaxFrameSize = 1 << 20

// LengthPrefixSize is the size of the big endian frame length prefix.
const LengthPrefixSize = 4

// Encode serializes p into a frame body: the variant tag followed by its
// fields in declaration order.
func Encode(p Packet) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(p.Kind()))

	switch pkt := p.(type) {
	case Ping:
		writeString(buf, pkt.Version)
		writeBool(buf, pkt.Disconnecting)
	case PingResponse:
		writeBool(buf, pkt.Valid)
		writeString(buf, pkt.AcceptedVersion)
	case LoginRequest:
		writeString(buf, pkt.Username)
		writeString(buf, pkt.Password)
		writeBool(buf, pkt.Signup)
	case LoginResponse:
		writeBool(buf, pkt.Valid)
		writeString(buf, pkt.Error)
	case Message:
		writeString(buf, pkt.Message)
		writeString(buf, pkt.Sender)
		writeString(buf, pkt.Recipient)
		writeString(buf, pkt.Timestamp)
	case UserExistsRequest:
		writeString(buf, pkt.Username)
	case UserOnlineRequest:
		writeString(buf, pkt.Username)
	case UserResponse:
		writeBool(buf, pkt.Response)
	case MsgHistoryRequest:
		writeString(buf, pkt.Username)
	case MsgHistory:
		writeUint32(buf, uint32(len(pkt.History)))
		for _, entry := range pkt.History {
			writeString(buf, entry.Message)
			writeString(buf, entry.Sender)
			writeString(buf, entry.Timestamp)
		}
	case Disconnect:
	case Error:
		writeString(buf, pkt.Text)
		writeBool(buf, pkt.ShouldDisconnect)
	default:
		return nil, fmt.Errorf("encode packet: unsupported type %T", p)
	}

	if buf.Len() > MaxFrameSize {
		return nil, fmt.Errorf("encode packet: %s frame of %d bytes exceeds %d", p.Kind(), buf.Len(), MaxFrameSize)
	}
	return buf.Bytes(), nil
}

// Decode parses a frame body into whichever variant its tag names.
func Decode(body []byte) (Packet, error) {
	if len(body) == 0 {
		return nil, &DecodeError{Reason: "empty frame"}
	}

	tag := body[0]
	d := &decoder{buf: body[1:]}
	var p Packet

	switch Kind(tag) {
	case KindPing:
		p = Ping{Version: d.string(), Disconnecting: d.bool()}
	case KindPingResponse:
		p = PingResponse{Valid: d.bool(), AcceptedVersion: d.string()}
	case KindLoginRequest:
		p = LoginRequest{Username: d.string(), Password: d.string(), Signup: d.bool()}
	case KindLoginResponse:
		p = LoginResponse{Valid: d.bool(), Error: d.string()}
	case KindMessage:
		p = Message{Message: d.string(), Sender: d.string(), Recipient: d.string(), Timestamp: d.string()}
	case KindUserExistsRequest:
		p = UserExistsRequest{Username: d.string()}
	case KindUserOnlineRequest:
		p = UserOnlineRequest{Username: d.string()}
	case KindUserResponse:
		p = UserResponse{Response: d.bool()}
	case KindMsgHistoryRequest:
		p = MsgHistoryRequest{Username: d.string()}
	case KindMsgHistory:
		p = d.history()
	case KindDisconnect:
		p = Disconnect{}
	case KindError:
		p = Error{Text: d.string(), ShouldDisconnect: d.bool()}
	default:
		return nil, &DecodeError{Tag: tag, Reason: "unknown packet variant"}
	}

	if d.err != "" {
		return nil, &DecodeError{Tag: tag, Reason: d.err}
	}
	if len(d.buf) != 0 {
		return nil, &DecodeError{Tag: tag, Reason: fmt.Sprintf("%d trailing bytes", len(d.buf))}
	}
	return p, nil
}

// DecodeAs decodes body and rejects variants that expected does not accept.
func DecodeAs(body []byte, expected Expected) (Packet, error) {
	p, err := Decode(body)
	if err != nil {
		return nil, err
	}
	if !expected.Accepts(p.Kind()) {
		return nil, &DecodeError{
			Tag:    uint8(p.Kind()),
			Reason: fmt.Sprintf("expected %s packet, got %s", expected, p.Kind()),
		}
	}
	return p, nil
}

// WriteFrame writes body prefixed with its length in a single Write call.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("write frame: %d bytes exceeds %d", len(body), MaxFrameSize)
	}
	frame := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[LengthPrefixSize:], body)
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one length prefixed frame body. An oversized length is a
// DecodeError; the stream cannot be resynchronized after it.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, &DecodeError{Reason: fmt.Sprintf("frame of %d bytes exceeds %d", size, MaxFrameSize)}
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// WritePacket encodes p and writes it as one frame.
func WritePacket(w io.Writer, p Packet) error {
	body, err := Encode(p)
	if err != nil {
		return err
	}
	return WriteFrame(w, body)
}

// ReadPacket reads and decodes one frame.
func ReadPacket(r io.Reader) (Packet, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(body)
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
		return
	}
	buf.WriteByte(0)
}

// decoder reads fields from a frame body. The first failure is kept in err and
// turns every later read into a no-op.
type decoder struct {
	buf []byte
	err string
}

func (d *decoder) fail(reason string) {
	if d.err == "" {
		d.err = reason
	}
}

func (d *decoder) uint32() uint32 {
	if d.err != "" {
		return 0
	}
	if len(d.buf) < 4 {
		d.fail("truncated length field")
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v
}

func (d *decoder) string() string {
	n := d.uint32()
	if d.err != "" {
		return ""
	}
	if uint64(n) > uint64(len(d.buf)) {
		d.fail("truncated string field")
		return ""
	}
	s := string(d.buf[:n])
	d.buf = d.buf[n:]
	return s
}

func (d *decoder) bool() bool {
	if d.err != "" {
		return false
	}
	if len(d.buf) < 1 {
		d.fail("truncated bool field")
		return false
	}
	v := d.buf[0]
	d.buf = d.buf[1:]
	switch v {
	case 0:
		return false
	case 1:
		return true
	}
	d.fail(fmt.Sprintf("invalid bool value %d", v))
	return false
}

func (d *decoder) history() MsgHistory {
	count := d.uint32()
	if d.err != "" {
		return MsgHistory{}
	}
	// every entry needs at least three length fields
	if uint64(count)*12 > uint64(len(d.buf)) {
		d.fail("truncated history")
		return MsgHistory{}
	}
	entries := make([]HistoryEntry, 0, count)
	for i := uint32(0); i < count && d.err == ""; i++ {
		entries = append(entries, HistoryEntry{
			Message:   d.string(),
			Sender:    d.string(),
			Timestamp: d.string(),
		})
	}
	return MsgHistory{History: entries}
}
