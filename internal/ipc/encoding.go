package ipc

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// string wire format: 4-byte big-endian length prefix, then raw bytes.
// All messages use this encoding for their string fields, no nul terminator.

func appendString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func readString(buf []byte) (string, []byte, error) {
	if len(buf) < 4 {
		return "", nil, fmt.Errorf("ipc: short buffer reading string length")
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return "", nil, fmt.Errorf("ipc: short buffer reading string body")
	}
	return string(buf[:n]), buf[n:], nil
}

func appendBytes(buf []byte, b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, b...)
}

func readBytes(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("ipc: short buffer reading bytes length")
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, fmt.Errorf("ipc: short buffer reading bytes body")
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, buf[n:], nil
}

func appendTime(buf []byte, t time.Time) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t.UTC().UnixNano()))
	return append(buf, b[:]...)
}

func readTime(buf []byte) (time.Time, []byte, error) {
	if len(buf) < 8 {
		return time.Time{}, nil, fmt.Errorf("ipc: short buffer reading timestamp")
	}
	nanos := int64(binary.BigEndian.Uint64(buf[:8]))
	return time.Unix(0, nanos).UTC(), buf[8:], nil
}

func encodePayload(msg Message) ([]byte, error) {
	switch msg.Tag {
	case TagNewFile:
		if msg.NewFile == nil {
			return nil, fmt.Errorf("ipc: NewFile tag with nil payload")
		}
		buf := appendString(nil, msg.NewFile.Filename)
		buf = appendTime(buf, msg.NewFile.BeginTime)
		return buf, nil

	case TagEndFile:
		if msg.EndFile == nil {
			return nil, fmt.Errorf("ipc: EndFile tag with nil payload")
		}
		buf := appendString(nil, msg.EndFile.Filename)
		buf = appendTime(buf, msg.EndFile.EndTime)
		return buf, nil

	case TagPacket:
		if msg.Packet == nil {
			return nil, fmt.Errorf("ipc: Packet tag with nil payload")
		}
		var head [8]byte
		binary.BigEndian.PutUint32(head[0:4], msg.Packet.Timestamp90kHz)
		binary.BigEndian.PutUint32(head[4:8], msg.Packet.Duration)
		buf := append([]byte{}, head[:]...)
		buf = appendBytes(buf, msg.Packet.Data)
		return buf, nil

	case TagLog:
		if msg.Log == nil {
			return nil, fmt.Errorf("ipc: Log tag with nil payload")
		}
		buf := []byte{byte(msg.Log.Level)}
		buf = appendString(buf, msg.Log.Message)
		return buf, nil

	case TagMetric:
		if msg.Metric == nil {
			return nil, fmt.Errorf("ipc: Metric tag with nil payload")
		}
		buf := appendString(nil, msg.Metric.Label)
		var countBuf [4]byte
		binary.BigEndian.PutUint32(countBuf[:], uint32(len(msg.Metric.Values)))
		buf = append(buf, countBuf[:]...)
		for _, v := range msg.Metric.Values {
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
			buf = append(buf, b[:]...)
		}
		return buf, nil

	default:
		return nil, fmt.Errorf("ipc: unknown tag %d", msg.Tag)
	}
}

func decodeMessage(tag Tag, buf []byte) (Message, error) {
	switch tag {
	case TagNewFile:
		filename, buf, err := readString(buf)
		if err != nil {
			return Message{}, fmt.Errorf("decode NewFile: %w", err)
		}
		begin, _, err := readTime(buf)
		if err != nil {
			return Message{}, fmt.Errorf("decode NewFile: %w", err)
		}
		return Message{Tag: TagNewFile, NewFile: &NewFile{Filename: filename, BeginTime: begin}}, nil

	case TagEndFile:
		filename, buf, err := readString(buf)
		if err != nil {
			return Message{}, fmt.Errorf("decode EndFile: %w", err)
		}
		end, _, err := readTime(buf)
		if err != nil {
			return Message{}, fmt.Errorf("decode EndFile: %w", err)
		}
		return Message{Tag: TagEndFile, EndFile: &EndFile{Filename: filename, EndTime: end}}, nil

	case TagPacket:
		if len(buf) < 8 {
			return Message{}, fmt.Errorf("decode Packet: short buffer")
		}
		ts := binary.BigEndian.Uint32(buf[0:4])
		dur := binary.BigEndian.Uint32(buf[4:8])
		data, _, err := readBytes(buf[8:])
		if err != nil {
			return Message{}, fmt.Errorf("decode Packet: %w", err)
		}
		return Message{Tag: TagPacket, Packet: &Packet{Data: data, Timestamp90kHz: ts, Duration: dur}}, nil

	case TagLog:
		if len(buf) < 1 {
			return Message{}, fmt.Errorf("decode Log: short buffer")
		}
		level := LogLevel(buf[0])
		message, _, err := readString(buf[1:])
		if err != nil {
			return Message{}, fmt.Errorf("decode Log: %w", err)
		}
		return Message{Tag: TagLog, Log: &Log{Level: level, Message: message}}, nil

	case TagMetric:
		label, buf, err := readString(buf)
		if err != nil {
			return Message{}, fmt.Errorf("decode Metric: %w", err)
		}
		if len(buf) < 4 {
			return Message{}, fmt.Errorf("decode Metric: short buffer reading value count")
		}
		count := binary.BigEndian.Uint32(buf[:4])
		buf = buf[4:]
		values := make([]float64, 0, count)
		for i := uint32(0); i < count; i++ {
			if len(buf) < 8 {
				return Message{}, fmt.Errorf("decode Metric: short buffer reading value %d", i)
			}
			values = append(values, math.Float64frombits(binary.BigEndian.Uint64(buf[:8])))
			buf = buf[8:]
		}
		return Message{Tag: TagMetric, Metric: &Metric{Label: label, Values: values}}, nil

	default:
		return Message{}, fmt.Errorf("ipc: unknown tag %d", tag)
	}
}
