package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/os4-ivmb/backyardhero-pyro/pkg/verbose"
)

// MessageType identifies the kind of inbound JSON line from the dongle.
type MessageType string

const (
	TypeStatus MessageType = "status"
	TypeConfig MessageType = "config"
	TypeCmd    MessageType = "cmd"
)

// envelope is used only to sniff the "type" key before dispatching to a
// concrete decoder.
type envelope struct {
	Type MessageType `json:"type"`
}

// ReceiverStatusLine is one entry of a status message's compact "r" array:
// [ident, node, battery, showId, loadComplete, startReady, lastMsgTime,
//
//	latency, successPct, [cont0, cont1]]
type ReceiverStatusLine struct {
	Ident         string
	Node          int
	Battery       int
	ShowID        int64
	LoadComplete  bool
	StartReady    bool
	LastMsgTimeMs int64
	LatencyMs     int
	SuccessPct    int
	Continuity    []int64
}

// UnmarshalJSON decodes a receiver status line from its compact array form.
func (r *ReceiverStatusLine) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("status line is not an array: %w", err)
	}
	if len(raw) < 9 {
		return fmt.Errorf("status line has %d fields, want at least 9", len(raw))
	}

	fields := []interface{}{
		&r.Ident, &r.Node, &r.Battery, &r.ShowID,
		&intAsBool{&r.LoadComplete}, &intAsBool{&r.StartReady},
		&r.LastMsgTimeMs, &r.LatencyMs, &r.SuccessPct,
	}
	for i, f := range fields {
		if err := json.Unmarshal(raw[i], f); err != nil {
			return fmt.Errorf("status line field %d: %w", i, err)
		}
	}
	if len(raw) > 9 {
		_ = json.Unmarshal(raw[9], &r.Continuity)
	}
	return nil
}

// intAsBool decodes a JSON 0/1 integer (or boolean) into a bool field.
type intAsBool struct {
	target *bool
}

func (b *intAsBool) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*b.target = n != 0
		return nil
	}
	var v bool
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*b.target = v
	return nil
}

// StatusMessage is the decoded form of {"type":"status","t":...,"r":[...]}.
type StatusMessage struct {
	DongleTimeMs int64
	Receivers    []ReceiverStatusLine
}

// decodeStatusMessage decodes each receiver entry independently, so a single
// malformed line does not discard every other receiver's update carried in
// the same status message.
func decodeStatusMessage(data []byte) (*StatusMessage, error) {
	var wire struct {
		T int64             `json:"t"`
		R []json.RawMessage `json:"r"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode status message: %w", err)
	}

	msg := &StatusMessage{DongleTimeMs: wire.T}
	for i, raw := range wire.R {
		var line ReceiverStatusLine
		if err := json.Unmarshal(raw, &line); err != nil {
			verbose.Printf("protocol: skipping malformed status line %d: %v", i, err)
			continue
		}
		msg.Receivers = append(msg.Receivers, line)
	}
	return msg, nil
}

// ReceiverConfig is the decoded form of a config message's "d" array:
// [numBoards, boardVersion, fwVersion, secondsOnline, txPower,
//
//	fireMsDuration, statusIntervalMs, unsolicitedStatusCount, connTimeoutCount]
type ReceiverConfig struct {
	NumBoards              int
	BoardVersion           int
	FWVersion              int
	SecondsOnline          int
	TxPower                int
	FireMsDuration         int
	StatusIntervalMs       int
	UnsolicitedStatusCount int
	ConnTimeoutCount       int
}

// ConfigMessage is the decoded form of {"type":"config","i":ident,"d":[...]}.
type ConfigMessage struct {
	Ident  string
	Config ReceiverConfig
}

func decodeConfigMessage(data []byte) (*ConfigMessage, error) {
	var wire struct {
		I string  `json:"i"`
		D []int64 `json:"d"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode config message: %w", err)
	}

	cfg := ReceiverConfig{TxPower: 3, FireMsDuration: 1000, StatusIntervalMs: 2000}
	values := []*int{
		&cfg.NumBoards, &cfg.BoardVersion, &cfg.FWVersion, &cfg.SecondsOnline,
		&cfg.TxPower, &cfg.FireMsDuration, &cfg.StatusIntervalMs,
		&cfg.UnsolicitedStatusCount, &cfg.ConnTimeoutCount,
	}
	for i, v := range values {
		if i < len(wire.D) {
			*v = int(wire.D[i])
		}
	}
	return &ConfigMessage{Ident: wire.I, Config: cfg}, nil
}

// CmdMessage is a passthrough debug message, recorded verbatim for the
// operational journal and not otherwise consumed.
type CmdMessage struct {
	Raw json.RawMessage
}

func decodeCmdMessage(data []byte) (*CmdMessage, error) {
	return &CmdMessage{Raw: append(json.RawMessage(nil), data...)}, nil
}

// Decode sniffs the "type" field of a JSON line and dispatches to the
// matching decoder. It returns one of *StatusMessage, *ConfigMessage,
// *CmdMessage, or an error if the line is not valid JSON or carries an
// unrecognized type.
func Decode(line []byte) (interface{}, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case TypeStatus, "":
		return decodeStatusMessage(line)
	case TypeConfig:
		return decodeConfigMessage(line)
	case TypeCmd:
		return decodeCmdMessage(line)
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}
