package meshcore

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groundwave/pkg/config"
	"groundwave/pkg/link"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, prefixFromDevice, message{Kind: kindMsg, From: "a1b2", Text: "héllo", Seq: 2, Total: 3}))

	raw := buf.Bytes()
	assert.Equal(t, byte(0x3e), raw[0])
	assert.Equal(t, len(raw)-3, int(raw[1])|int(raw[2])<<8)

	msg, err := readFrame(&buf, prefixFromDevice)
	require.NoError(t, err)
	assert.Equal(t, "a1b2", msg.From)
	assert.Equal(t, "héllo", msg.Text)
	assert.Equal(t, 2, msg.Seq)
}

func TestReadFrameRejectsWrongPrefix(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, prefixToDevice, message{Kind: kindHello}))

	_, err := readFrame(&buf, prefixFromDevice)
	require.ErrorContains(t, err, "unexpected frame prefix")
}

func TestReadFrameRejectsOversize(t *testing.T) {
	raw := []byte{prefixFromDevice, 0xff, 0xff}
	_, err := readFrame(bytes.NewReader(raw), prefixFromDevice)
	require.ErrorContains(t, err, "frame too large")
}

func TestDecodeMessageUnfragmented(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	event, ok := decodeMessage(message{Kind: kindMsg, From: "a1", To: "self", Text: "!nodes", SNR: 3}, at)
	require.True(t, ok)
	assert.Equal(t, link.EventMessageReceived, event.Type)
	assert.True(t, event.Fragment.Direct)
	assert.Equal(t, 1, event.Fragment.Total)
	assert.NotEmpty(t, event.Fragment.EnvelopeID)
}

func TestDecodeContact(t *testing.T) {
	batt := 40
	event, ok := decodeMessage(message{Kind: kindContact, From: "beef", Name: "Hilltop", Battery: &batt, Lat: 1.5, Lon: 2.5}, time.Now())
	require.True(t, ok)
	assert.Equal(t, link.EventNodeInfoUpdated, event.Type)
	assert.Equal(t, "Hilltop", event.Node.LongName)
	require.NotNil(t, event.Node.Position)
	assert.Equal(t, 2.5, event.Node.Position.Longitude)
}

// companion plays the device side of a net.Pipe.
func companion(t *testing.T, conn net.Conn) {
	t.Helper()
	go func() {
		defer conn.Close()
		reader := bufio.NewReader(conn)
		for {
			msg, err := readFrame(reader, prefixToDevice)
			if err != nil {
				return
			}
			switch msg.Kind {
			case kindHello:
				_ = writeFrame(conn, prefixFromDevice, message{Kind: kindSelf, From: "c0ffee", Name: "Gateway"})
				_ = writeFrame(conn, prefixFromDevice, message{Kind: kindMsg, From: "a1", To: "c0ffee", Text: "!help", Envelope: "e1", FragTotal: 1})
			case kindSend:
				reply := message{Kind: kindSent, Tag: msg.Tag}
				if msg.Text == "reject" {
					reply = message{Kind: kindErr, Tag: msg.Tag, Error: "queue full"}
				}
				_ = writeFrame(conn, prefixFromDevice, reply)
			}
		}
	}()
}

func TestAdapterOverPipe(t *testing.T) {
	adapter, err := NewAdapter(config.MeshCoreConfig{Address: "pipe", AckTimeoutSecs: 2}, nil)
	require.NoError(t, err)

	adapter.dial = func(context.Context, string) (net.Conn, error) {
		client, device := net.Pipe()
		companion(t, device)
		return client, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, adapter.Connect(ctx))
	t.Cleanup(func() { _ = adapter.Disconnect() })
	assert.Equal(t, "c0ffee", adapter.LocalNodeID())

	events := adapter.Poll(ctx)
	select {
	case event := <-events:
		assert.Equal(t, "!help", string(event.Fragment.Data))
		assert.Equal(t, "e1", event.Fragment.EnvelopeID)
	case <-ctx.Done():
		t.Fatal("no inbound event")
	}

	ack, err := adapter.Send(ctx, link.Frame{Destination: "a1", Text: "ok", Seq: 1, Total: 1})
	require.NoError(t, err)
	assert.True(t, ack.Confirmed)

	_, err = adapter.Send(ctx, link.Frame{Destination: "a1", Text: "reject"})
	var sendErr *link.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Contains(t, err.Error(), "queue full")

	require.NoError(t, adapter.Disconnect())
	_, err = adapter.Send(ctx, link.Frame{Text: "late"})
	require.ErrorIs(t, err, link.ErrNotConnected)
}

func TestConnectFailureIsConnectError(t *testing.T) {
	adapter, err := NewAdapter(config.MeshCoreConfig{Address: "127.0.0.1:1"}, nil)
	require.NoError(t, err)

	adapter.dial = func(context.Context, string) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Err: assert.AnError}
	}

	err = adapter.Connect(context.Background())
	var connectErr *link.ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.Equal(t, "meshcore", connectErr.Link)
}

func TestBacklogOverflowWaitsForConsumer(t *testing.T) {
	adapter, err := NewAdapter(config.MeshCoreConfig{Address: "pipe"}, nil)
	require.NoError(t, err)

	total := eventBacklog + 40
	adapter.dial = func(context.Context, string) (net.Conn, error) {
		client, device := net.Pipe()
		go func() {
			defer device.Close()
			reader := bufio.NewReader(device)
			if _, err := readFrame(reader, prefixToDevice); err != nil {
				return
			}
			_ = writeFrame(device, prefixFromDevice, message{Kind: kindSelf, From: "c0ffee"})
			for i := 1; i <= total; i++ {
				msg := message{Kind: kindMsg, From: "a1", To: "c0ffee", Text: fmt.Sprintf("m%d", i), Envelope: fmt.Sprintf("e%d", i), FragTotal: 1}
				if err := writeFrame(device, prefixFromDevice, msg); err != nil {
					return
				}
			}
			_, _ = readFrame(reader, prefixToDevice)
		}()
		return client, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, adapter.Connect(ctx))
	t.Cleanup(func() { _ = adapter.Disconnect() })

	// Let the reader fill the backlog before anything consumes it.
	time.Sleep(100 * time.Millisecond)

	events := adapter.Poll(ctx)
	for i := 1; i <= total; i++ {
		select {
		case event := <-events:
			require.Equal(t, fmt.Sprintf("m%d", i), string(event.Fragment.Data))
		case <-ctx.Done():
			t.Fatalf("received %d of %d messages", i-1, total)
		}
	}
}

func TestDisconnectReleasesBlockedReader(t *testing.T) {
	adapter, err := NewAdapter(config.MeshCoreConfig{Address: "pipe"}, nil)
	require.NoError(t, err)

	written := make(chan struct{})
	adapter.dial = func(context.Context, string) (net.Conn, error) {
		client, device := net.Pipe()
		go func() {
			defer device.Close()
			reader := bufio.NewReader(device)
			if _, err := readFrame(reader, prefixToDevice); err != nil {
				return
			}
			_ = writeFrame(device, prefixFromDevice, message{Kind: kindSelf, From: "c0ffee"})
			for i := 0; i <= eventBacklog; i++ {
				msg := message{Kind: kindMsg, From: "a1", To: "c0ffee", Text: "x", Envelope: fmt.Sprintf("e%d", i), FragTotal: 1}
				if err := writeFrame(device, prefixFromDevice, msg); err != nil {
					return
				}
			}
			close(written)
		}()
		return client, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, adapter.Connect(ctx))
	select {
	case <-written:
	case <-ctx.Done():
		t.Fatal("companion never finished writing")
	}

	adapter.mu.Lock()
	events := adapter.events
	adapter.mu.Unlock()

	require.NoError(t, adapter.Disconnect())

	// The reader stops without pushing more events once cancelled, and closes the stream.
	count := 0
	for range events {
		count++
	}
	assert.LessOrEqual(t, count, eventBacklog+1)
}
