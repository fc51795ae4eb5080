// Package wire frames the signals exchanged between units.
//
// Three payload shapes travel on the same transport:
//
//	"<float> [ignored...]"          peer value, single-network mode
//	"bee-casu-avg|<float> [...]"    peer value, dual-network mode
//	"<id>:<token>,<id>:<token>"     external observations (dual-network mode)
package wire

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"casunet/internal/model"
)

// PeerMarker prefixes peer payloads when both networks share a transport.
const PeerMarker = "bee-casu-avg|"

// Direction tokens carried by the external network.
const (
	TokenForward = "CW"
	TokenReverse = "CCW"
)

var ErrMalformed = errors.New("malformed payload")

type Source int

const (
	SourcePeer Source = iota + 1
	SourceExternal
)

func (s Source) String() string {
	switch s {
	case SourcePeer:
		return "peer"
	case SourceExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Framing selects how inbound payloads are demultiplexed.
type Framing int

const (
	// FramingPlain treats every payload as a bare peer value.
	FramingPlain Framing = iota + 1
	// FramingMarked routes PeerMarker payloads to the peer network and
	// everything else to the external network.
	FramingMarked
)

// Message is one inbound transport message.
type Message struct {
	Sender  model.NodeID
	Payload string
}

// Update is one decoded value destined for a signal network. For external
// updates From is the observed source named in the payload, not the sender.
type Update struct {
	Source Source
	From   model.NodeID
	Value  float64
	Token  string
}

// TokenValue maps a direction token to its signal value.
func TokenValue(token string) (float64, bool) {
	switch token {
	case TokenForward:
		return 1.0, true
	case TokenReverse:
		return -1.0, true
	default:
		return 0, false
	}
}

func EncodePeer(value float64) string {
	return strconv.FormatFloat(value, 'f', 3, 64)
}

func EncodeMarkedPeer(value float64) string {
	return PeerMarker + EncodePeer(value)
}

// EncodeExternal is the unwrapped form sent to external-network destinations.
func EncodeExternal(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// Observation is one "<id>:<token>" pair.
type Observation struct {
	Source model.NodeID
	Token  string
}

func EncodeObservations(items []Observation) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, string(item.Source)+":"+item.Token)
	}
	return strings.Join(parts, ",")
}

// DecodePeer parses the leading float of a peer payload; anything after the
// first whitespace is ignored. NaN and infinities are malformed.
func DecodePeer(payload string) (float64, error) {
	fields := strings.Fields(payload)
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: empty peer payload", ErrMalformed)
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: peer value %q", ErrMalformed, fields[0])
	}
	return v, nil
}

// Demux decodes msg into network updates. Problems are returned per item so
// one bad item never drops the rest of the message.
func Demux(framing Framing, msg Message) ([]Update, []error) {
	payload := strings.TrimSpace(msg.Payload)
	if framing != FramingMarked {
		v, err := DecodePeer(payload)
		if err != nil {
			return nil, []error{fmt.Errorf("from %s: %w", msg.Sender, err)}
		}
		return []Update{{Source: SourcePeer, From: msg.Sender, Value: v}}, nil
	}

	if strings.HasPrefix(payload, PeerMarker) {
		v, err := DecodePeer(strings.TrimPrefix(payload, PeerMarker))
		if err != nil {
			return nil, []error{fmt.Errorf("from %s: %w", msg.Sender, err)}
		}
		return []Update{{Source: SourcePeer, From: msg.Sender, Value: v}}, nil
	}

	var (
		updates  []Update
		problems []error
	)
	for _, item := range strings.Split(payload, ",") {
		source, token, ok := strings.Cut(item, ":")
		source = strings.TrimSpace(source)
		token = strings.TrimSpace(token)
		if !ok || source == "" {
			problems = append(problems, fmt.Errorf("%w: from %s: observation %q", ErrMalformed, msg.Sender, item))
			continue
		}
		v, known := TokenValue(token)
		if !known {
			problems = append(problems, fmt.Errorf("%w: from %s: token %q for %s", ErrMalformed, msg.Sender, token, source))
			continue
		}
		updates = append(updates, Update{Source: SourceExternal, From: model.NodeID(source), Value: v, Token: token})
	}
	return updates, problems
}
