package wire

import (
	"errors"
	"testing"
)

func TestDemuxPlainPeer(t *testing.T) {
	updates, problems := Demux(FramingPlain, Message{Sender: "casu-002", Payload: " 0.250 bees\n"})
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}
	if len(updates) != 1 || updates[0].Source != SourcePeer || updates[0].From != "casu-002" || updates[0].Value != 0.25 {
		t.Fatalf("unexpected updates: %+v", updates)
	}
}

func TestDemuxPlainRejectsGarbage(t *testing.T) {
	updates, problems := Demux(FramingPlain, Message{Sender: "casu-002", Payload: "nan-ish"})
	if len(updates) != 0 || len(problems) != 1 || !errors.Is(problems[0], ErrMalformed) {
		t.Fatalf("expected malformed problem, got updates=%+v problems=%v", updates, problems)
	}
}

func TestDemuxRejectsNonFinitePeerValues(t *testing.T) {
	for _, payload := range []string{"NaN", "+Inf", "-inf 0.5", PeerMarker + "NaN"} {
		framing := FramingPlain
		if payload[0] == 'b' {
			framing = FramingMarked
		}
		updates, problems := Demux(framing, Message{Sender: "casu-002", Payload: payload})
		if len(updates) != 0 || len(problems) != 1 || !errors.Is(problems[0], ErrMalformed) {
			t.Fatalf("%q: expected malformed problem, got updates=%+v problems=%v", payload, updates, problems)
		}
	}
}

func TestDemuxMarkedPeer(t *testing.T) {
	updates, problems := Demux(FramingMarked, Message{Sender: "casu-004", Payload: PeerMarker + "3.5 extra"})
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}
	if len(updates) != 1 || updates[0].Source != SourcePeer || updates[0].Value != 3.5 || updates[0].From != "casu-004" {
		t.Fatalf("unexpected updates: %+v", updates)
	}

	updates, _ = Demux(FramingMarked, Message{Sender: "casu-004", Payload: PeerMarker + " 0.125"})
	if len(updates) != 1 || updates[0].Value != 0.125 {
		t.Fatalf("expected whitespace after marker tolerated, got %+v", updates)
	}
}

func TestDemuxExternalObservations(t *testing.T) {
	payload := "casu-9:" + TokenForward + ",casu-3:bogus"
	updates, problems := Demux(FramingMarked, Message{Sender: "cats", Payload: payload})
	if len(updates) != 1 {
		t.Fatalf("expected exactly one update, got %+v", updates)
	}
	if updates[0].Source != SourceExternal || updates[0].From != "casu-9" || updates[0].Value != 1.0 || updates[0].Token != TokenForward {
		t.Fatalf("unexpected external update: %+v", updates[0])
	}
	if len(problems) != 1 || !errors.Is(problems[0], ErrMalformed) {
		t.Fatalf("expected one malformed token problem, got %v", problems)
	}
}

func TestDemuxExternalKeepsProcessingAfterBadItem(t *testing.T) {
	payload := "nocolon, casu-1 : " + TokenReverse + ",casu-2:" + TokenForward
	updates, problems := Demux(FramingMarked, Message{Sender: "cats", Payload: payload})
	if len(problems) != 1 {
		t.Fatalf("expected one problem, got %v", problems)
	}
	if len(updates) != 2 || updates[0].From != "casu-1" || updates[0].Value != -1 || updates[1].From != "casu-2" {
		t.Fatalf("unexpected updates: %+v", updates)
	}
}

func TestEncodings(t *testing.T) {
	if got := EncodePeer(0.12345); got != "0.123" {
		t.Fatalf("unexpected peer encoding %q", got)
	}
	if got := EncodeMarkedPeer(0.5); got != PeerMarker+"0.500" {
		t.Fatalf("unexpected marked encoding %q", got)
	}
	if got := EncodeExternal(0.25); got != "0.25" {
		t.Fatalf("unexpected external encoding %q", got)
	}
	got := EncodeObservations([]Observation{{Source: "casu-1", Token: TokenForward}, {Source: "casu-2", Token: TokenReverse}})
	if got != "casu-1:CW,casu-2:CCW" {
		t.Fatalf("unexpected observation encoding %q", got)
	}
	v, err := DecodePeer(EncodePeer(0.75))
	if err != nil || v != 0.75 {
		t.Fatalf("decode peer: v=%v err=%v", v, err)
	}
}
