// Package codec frames and decodes Bitcoin mainnet P2P messages on top of
// btcsuite/btcd/wire. Framing (header bounds, resynchronization after a
// bad frame) is our own; payload semantics are delegated entirely to wire.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// HeaderSize is the fixed 24-byte Bitcoin P2P message header:
	// 4 magic + 12 command + 4 length + 4 checksum.
	HeaderSize = 24

	// MaxPayload bounds a single frame's payload. Oversized frames are a
	// fatal framing error, independent of wire's own (much larger) sanity
	// limit, per the relay's own bounds.
	MaxPayload = 4 * 1024 * 1024

	// ProtocolVersion is the version knotproof advertises and parses
	// messages at.
	ProtocolVersion = 70016

	// Net is the mainnet magic this relay speaks exclusively.
	Net = wire.MainNet
)

// ErrOversizedPayload is returned by Drain when a frame's declared
// payload length exceeds MaxPayload. The caller must drop the connection;
// Drain has already discarded the whole accumulator.
var ErrOversizedPayload = errors.New("codec: oversized frame payload")

// Frame is one decoded message pulled off the wire, or a decode failure
// for one frame that the consumer has already advanced past.
type Frame struct {
	Command string
	Message wire.Message // nil if Err is set
	Err     error
}

// UnknownMessage is the opaque placeholder for a command this codec does
// not recognize. Decoding an unknown command never fails; serializing one always
// does, per the contract in spec §4.1.
type UnknownMessage struct {
	CommandName string
}

func (u *UnknownMessage) BtcDecode(io.Reader, uint32, wire.MessageEncoding) error { return nil }

func (u *UnknownMessage) BtcEncode(io.Writer, uint32, wire.MessageEncoding) error {
	return fmt.Errorf("codec: cannot serialize unknown command %q", u.CommandName)
}

func (u *UnknownMessage) Command() string { return u.CommandName }

func (u *UnknownMessage) MaxPayloadLength(uint32) uint32 { return MaxPayload }

// Drain extracts and decodes as many complete frames as buf currently
// holds, consuming them from buf as it goes and leaving any partial
// trailing frame untouched for the next call. A non-nil error means the
// accumulator has been reset and the connection must be dropped; frames
// decoded before the failing one are still returned.
func Drain(buf *bytes.Buffer) ([]Frame, error) {
	var frames []Frame

	for {
		data := buf.Bytes()
		if len(data) < HeaderSize {
			return frames, nil
		}

		magic := binary.LittleEndian.Uint32(data[0:4])
		if wire.BitcoinNet(magic) != Net {
			buf.Reset()
			return frames, fmt.Errorf("codec: unexpected network magic %08x", magic)
		}

		payloadLen := binary.LittleEndian.Uint32(data[16:20])
		if payloadLen > MaxPayload {
			buf.Reset()
			return frames, ErrOversizedPayload
		}

		total := HeaderSize + int(payloadLen)
		if len(data) < total {
			return frames, nil
		}

		command := commandFromHeader(data[4:16])
		wantChecksum := data[20:24]
		payload := make([]byte, payloadLen)
		copy(payload, data[HeaderSize:total])
		buf.Next(total)

		gotChecksum := chainhash.DoubleHashB(payload)
		if !bytes.Equal(gotChecksum[:4], wantChecksum) {
			frames = append(frames, Frame{
				Command: command,
				Err:     fmt.Errorf("codec: checksum mismatch for %q", command),
			})
			continue
		}

		msg, known := newMessageForCommand(command)
		if !known {
			frames = append(frames, Frame{Command: command, Message: &UnknownMessage{CommandName: command}})
			continue
		}

		if err := msg.BtcDecode(bytes.NewBuffer(payload), ProtocolVersion, wire.BaseEncoding); err != nil {
			frames = append(frames, Frame{Command: command, Err: fmt.Errorf("codec: decode %q: %w", command, err)})
			continue
		}

		frames = append(frames, Frame{Command: command, Message: msg})
	}
}

// Encode serializes a single typed message into a full wire frame,
// including header and checksum.
func Encode(msg wire.Message) ([]byte, error) {
	var payloadBuf bytes.Buffer
	if err := msg.BtcEncode(&payloadBuf, ProtocolVersion, wire.BaseEncoding); err != nil {
		return nil, fmt.Errorf("codec: encode %q: %w", msg.Command(), err)
	}
	payload := payloadBuf.Bytes()

	out := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], uint32(Net))
	copy(out[4:16], commandBytes(msg.Command()))
	binary.LittleEndian.PutUint32(out[16:20], uint32(len(payload)))
	checksum := chainhash.DoubleHashB(payload)
	copy(out[20:24], checksum[:4])
	copy(out[HeaderSize:], payload)

	return out, nil
}

func commandFromHeader(field []byte) string {
	end := bytes.IndexByte(field, 0)
	if end < 0 {
		end = len(field)
	}
	return string(field[:end])
}

func commandBytes(command string) []byte {
	var out [12]byte
	copy(out[:], command)
	return out[:]
}

func newMessageForCommand(command string) (wire.Message, bool) {
	switch command {
	case wire.CmdVersion:
		return &wire.MsgVersion{}, true
	case wire.CmdVerAck:
		return &wire.MsgVerAck{}, true
	case wire.CmdSendAddrV2:
		return &wire.MsgSendAddrV2{}, true
	case wire.CmdPing:
		return &wire.MsgPing{}, true
	case wire.CmdPong:
		return &wire.MsgPong{}, true
	case wire.CmdFeeFilter:
		return &wire.MsgFeeFilter{}, true
	case wire.CmdInv:
		return &wire.MsgInv{}, true
	case wire.CmdGetData:
		return &wire.MsgGetData{}, true
	case wire.CmdTx:
		return &wire.MsgTx{}, true
	case wire.CmdGetAddr:
		return &wire.MsgGetAddr{}, true
	case wire.CmdAddr:
		return &wire.MsgAddr{}, true
	case wire.CmdAddrV2:
		return &wire.MsgAddrV2{}, true
	default:
		return nil, false
	}
}
