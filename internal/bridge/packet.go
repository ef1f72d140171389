package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"crosstown/internal/domain"
)

const redactedPrefixLen = 8

var ErrMissingPacketField = errors.New("bridge packet field missing")

// DecodePacket parses the content of a bridge event. reducer, args and fee
// must all be present under exactly those keys and non-null.
func DecodePacket(content string) (domain.BridgePacket, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		return domain.BridgePacket{}, fmt.Errorf("decode bridge packet: %w", err)
	}
	var pkt domain.BridgePacket
	for _, f := range []struct {
		name string
		dst  any
	}{
		{"reducer", &pkt.Reducer},
		{"args", &pkt.Args},
		{"fee", &pkt.Fee},
	} {
		raw, ok := fields[f.name]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return domain.BridgePacket{}, fmt.Errorf("%w: %s", ErrMissingPacketField, f.name)
		}
		if err := json.Unmarshal(raw, f.dst); err != nil {
			return domain.BridgePacket{}, fmt.Errorf("decode bridge packet %s: %w", f.name, err)
		}
	}
	return pkt, nil
}

// SanitizeReducer drops every rune that is not alphabetic, numeric or '_', so
// the name is safe to log and to hand to a backend as an identifier.
// Alphabetic includes Other_Alphabetic marks such as Devanagari vowel signs.
func SanitizeReducer(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.Is(unicode.Other_Alphabetic, r) {
			return r
		}
		return -1
	}, name)
}

// RedactPubkey keeps the first eight characters of keys longer than eight.
func RedactPubkey(pubkey string) string {
	runes := []rune(pubkey)
	if len(runes) <= redactedPrefixLen {
		return pubkey
	}
	return string(runes[:redactedPrefixLen]) + "..."
}
