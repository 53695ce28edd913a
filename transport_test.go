package contained

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/contained/pkg/identity"
	"github.com/raskyld/contained/pkg/wire"
	"github.com/stretchr/testify/require"
)

func testTransport(t *testing.T, name string, port int) (*Transport, *identity.Identity) {
	t.Helper()
	ident, err := identity.Generate()
	require.NoError(t, err)
	tlsCfg, err := ident.TLSConfig()
	require.NoError(t, err)

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(name)},
	})

	tr, err := NewTransport(&TransportConfig{
		TlsConfig:   tlsCfg,
		BindAddr:    "127.0.0.1",
		BindPort:    port,
		MetricSink:  metrics.NewInmemSink(time.Second, 5*time.Minute),
		LogHandler:  handler,
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return tr, ident
}

func TestNewTransport(t *testing.T) {
	ts1, id1 := testTransport(t, "node1", 6031)
	ts2, id2 := testTransport(t, "node2", 6032)

	t.Run("advertise the bound address", func(t *testing.T) {
		ip, port, err := ts1.FinalAdvertiseAddr("", 0)
		require.NoError(t, err)
		require.Equal(t, "127.0.0.1", ip.String())
		require.Equal(t, 6031, port)

		_, _, err = ts1.FinalAdvertiseAddr("not-an-ip", 0)
		require.ErrorIs(t, err, ErrInvalidAddr)
	})

	t.Run("write datagram from n1 to n2", func(t *testing.T) {
		_, err := ts1.WriteTo([]byte("hello"), "127.0.0.1:6032")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case packet := <-ts2.PacketCh():
			require.Equal(t, "hello", string(packet.Buf), "unexpected packet data")
		case <-ctx.Done():
			t.Fatalf("timed out")
		}
	})

	t.Run("open gossip stream from n2 to n1", func(t *testing.T) {
		conn, err := ts2.DialTimeout("127.0.0.1:6031", 10*time.Second)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case stream := <-ts1.StreamCh():
			_, err = conn.Write([]byte("abcd"))
			require.NoError(t, err)

			var n int
			buf := make([]byte, 1500)
			require.Eventually(t, func() bool {
				m, err := readStreamSkipEmpty(t, ctx, stream, buf[n:])
				n = m + n
				return err == nil && string(buf[:n]) == "abcd"
			}, 2*time.Second, 100*time.Millisecond)
		case <-ctx.Done():
			t.Fatalf("timed out")
		}
	})

	t.Run("deliver an envelope", func(t *testing.T) {
		received := make(chan *wire.Envelope, 1)
		var from identity.PeerID
		ts1.Handle(func(sender identity.PeerID, env *wire.Envelope) {
			from = sender
			received <- env
		})

		corr := uuid.New()
		env := wire.New(wire.KindRequest, corr, id2.ID, []byte("payload"))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := ts2.Deliver(ctx, Peer{ID: id1.ID, Addr: "127.0.0.1:6031"}, env)
		require.NoError(t, err)

		select {
		case got := <-received:
			require.Equal(t, corr, got.Correlation)
			require.Equal(t, wire.KindRequest, got.Kind)
			require.Equal(t, []byte("payload"), got.Payload)
			require.Equal(t, id2.ID, from)
		case <-ctx.Done():
			t.Fatalf("timed out")
		}
	})

	t.Run("refuse a peer answering with another key", func(t *testing.T) {
		impostor, err := identity.Generate()
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		env := wire.New(wire.KindAck, uuid.New(), id2.ID, nil)
		err = ts2.Deliver(ctx, Peer{ID: impostor.ID, Addr: "127.0.0.1:6031"}, env)
		require.ErrorIs(t, err, ErrPeerResolve)
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		ts1.Shutdown()
		wg.Done()
	}()
	go func() {
		ts2.Shutdown()
		wg.Done()
	}()
	wg.Wait()

	_, err := ts2.WriteTo([]byte("late"), "127.0.0.1:6031")
	require.Error(t, err)
}

func readStreamSkipEmpty(t *testing.T, ctx context.Context, stream net.Conn, buf []byte) (int, error) {
	var n int
	var err error
	dl, ok := ctx.Deadline()
	if ok {
		stream.SetReadDeadline(dl)
	}

	for {
		n, err = stream.Read(buf)
		if err != nil {
			return 0, err
		}

		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		if n > 0 {
			return n, nil
		} else {
			t.Log("received an empty frame from the stream")
		}
	}
}
