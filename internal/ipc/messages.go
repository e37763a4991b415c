package ipc

import "time"

// NewFileMessage builds a ready-to-write NewFile Message.
func NewFileMessage(filename string, beginTime time.Time) Message {
	return Message{Tag: TagNewFile, NewFile: &NewFile{Filename: filename, BeginTime: beginTime}}
}

// EndFileMessage builds a ready-to-write EndFile Message.
func EndFileMessage(filename string, endTime time.Time) Message {
	return Message{Tag: TagEndFile, EndFile: &EndFile{Filename: filename, EndTime: endTime}}
}

// PacketMessage builds a ready-to-write Packet Message.
func PacketMessage(data []byte, timestamp90kHz, duration uint32) Message {
	return Message{Tag: TagPacket, Packet: &Packet{Data: data, Timestamp90kHz: timestamp90kHz, Duration: duration}}
}

// LogMessage builds a ready-to-write Log Message.
func LogMessage(level LogLevel, message string) Message {
	return Message{Tag: TagLog, Log: &Log{Level: level, Message: message}}
}

// MetricMessage builds a ready-to-write Metric Message.
func MetricMessage(label string, values []float64) Message {
	return Message{Tag: TagMetric, Metric: &Metric{Label: label, Values: values}}
}
