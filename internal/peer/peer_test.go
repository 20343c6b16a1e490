package peer

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/knotproof/knotproof/internal/addrstore"
	"github.com/knotproof/knotproof/internal/codec"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return logger.Sugar()
}

// fakeRemote drives the far end of a net.Pipe connection through the same
// handshake sequence a real Bitcoin peer would perform, so Accept/Dial
// can be exercised without a real socket.
func fakeRemote(t *testing.T, conn net.Conn, userAgent string) {
	t.Helper()

	buf := make([]byte, 0, 4096)
	read := func() wire.Message {
		tmp := make([]byte, 4096)
		n, err := conn.Read(tmp)
		require.NoError(t, err)
		buf = append(buf, tmp[:n]...)

		acc := bytes.NewBuffer(buf)
		frames, err := codec.Drain(acc)
		require.NoError(t, err)
		require.Len(t, frames, 1)
		buf = acc.Bytes()
		return frames[0].Message
	}

	_, ok := read().(*wire.MsgVersion)
	require.True(t, ok)

	outVersion := wire.NewMsgVersion(
		wire.NewNetAddressIPPort(net.IPv4zero, 0, 0),
		wire.NewNetAddressIPPort(net.IPv4zero, 0, 0),
		424242, 0,
	)
	outVersion.UserAgent = userAgent
	encoded, err := codec.Encode(outVersion)
	require.NoError(t, err)
	_, err = conn.Write(encoded)
	require.NoError(t, err)

	_, ok = read().(*wire.MsgVerAck)
	require.True(t, ok)

	ackBytes, err := codec.Encode(wire.NewMsgVerAck())
	require.NoError(t, err)
	_, err = conn.Write(ackBytes)
	require.NoError(t, err)
}

func TestAcceptCompletesHandshakeAndClassifies(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	events := make(chan Event, 8)

	done := make(chan struct{})
	go func() {
		fakeRemote(t, clientConn, "/Knots:25.0/")
		close(done)
	}()

	ctx := context.Background()
	ep, handle, err := Accept(ctx, serverConn, "/knotproof:1.0/", 0, 5*time.Second, events, testLogger(t))
	require.NoError(t, err)
	require.Equal(t, addrstore.Knots, handle.NodeType)
	require.Equal(t, "/Knots:25.0/", handle.UserAgent)

	<-done
	_ = ep
}

func TestHandshakeTimesOutWithoutPeerResponse(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	events := make(chan Event, 8)

	ctx := context.Background()
	_, _, err := Accept(ctx, serverConn, "/knotproof:1.0/", 0, 50*time.Millisecond, events, testLogger(t))
	require.Error(t, err)
}
