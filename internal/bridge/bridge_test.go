package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosstown/internal/domain"
)

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

type recordingForwarder struct {
	got []Delivery
	err error
}

func (r *recordingForwarder) Forward(_ context.Context, d Delivery) error {
	r.got = append(r.got, d)
	return r.err
}

func TestStubLogsSanitizedPacket(t *testing.T) {
	logger, buf := captureLogger()
	b := New(NewStubForwarder(logger), logger)
	evt := domain.Event{
		ID:      "e1",
		Pubkey:  "pubkey1234567890",
		Kind:    domain.KindBridgePacket,
		Content: `{"reducer":"drop_item!","args":[1,2],"fee":0.5}`,
	}

	assert.Equal(t, OutcomeForwarded, b.Handle(context.Background(), evt))

	lines := logLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "INFO", lines[0]["level"])
	assert.Equal(t, "drop_item", lines[0]["reducer"])
	assert.Equal(t, float64(2), lines[0]["args_count"])
	assert.Equal(t, 0.5, lines[0]["fee"])
	assert.Equal(t, "pubkey12...", lines[0]["pubkey"])
}

func TestDecodeFailureLogsWarning(t *testing.T) {
	logger, buf := captureLogger()
	fwd := &recordingForwarder{}
	b := New(fwd, logger)
	evt := domain.Event{ID: "e1", Pubkey: "abcdef", Kind: domain.KindBridgePacket, Content: "not json"}

	assert.Equal(t, OutcomeDecodeFailed, b.Handle(context.Background(), evt))
	assert.Empty(t, fwd.got)

	lines := logLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "WARN", lines[0]["level"])
	assert.Equal(t, "abcdef", lines[0]["pubkey"])
	assert.NotEmpty(t, lines[0]["error"])
}

func TestForwardErrorIsReportedNotReturned(t *testing.T) {
	logger, buf := captureLogger()
	fwd := &recordingForwarder{err: errors.New("broker down")}
	b := New(fwd, logger)
	evt := domain.Event{Kind: domain.KindBridgePacket, Content: `{"reducer":"a","args":[],"fee":1}`}

	assert.Equal(t, OutcomeForwardFailed, b.Handle(context.Background(), evt))
	require.Len(t, fwd.got, 1)
	assert.Contains(t, buf.String(), "broker down")
}

func TestHandleSkipsOtherKindsAndDisabledBridge(t *testing.T) {
	fwd := &recordingForwarder{}
	b := New(fwd, nil)
	assert.Equal(t, OutcomeSkipped, b.Handle(context.Background(), domain.Event{Kind: 1, Content: `{"reducer":"a","args":[],"fee":1}`}))
	assert.Empty(t, fwd.got)

	disabled := New(nil, nil)
	assert.False(t, disabled.Enabled())
	assert.Equal(t, OutcomeSkipped, disabled.Handle(context.Background(), domain.Event{Kind: domain.KindBridgePacket}))

	var nilBridge *Bridge
	assert.False(t, nilBridge.Applies(domain.Event{Kind: domain.KindBridgePacket}))
}

func TestForwarderReceivesSanitizedReducer(t *testing.T) {
	fwd := &recordingForwarder{}
	b := New(fwd, nil)
	evt := domain.Event{ID: "e9", Pubkey: "k", Kind: domain.KindBridgePacket, Content: `{"reducer":"rm -rf; x_y","args":["a",{"b":1}],"fee":2}`}
	b.Handle(context.Background(), evt)
	require.Len(t, fwd.got, 1)
	assert.Equal(t, "rmrfx_y", fwd.got[0].Packet.Reducer)
	assert.Len(t, fwd.got[0].Packet.Args, 2)
	assert.Equal(t, "e9", fwd.got[0].Event.ID)
}
