package contained

import (
	"net"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/contained/pkg/identity"
	"github.com/raskyld/contained/pkg/wire"
)

type streamWrapper struct {
	mode       wire.StreamMode
	localAddr  net.Addr
	remoteAddr net.Addr
	peer       identity.PeerID

	// NB(raskyld): It is not clear from the go-quic docs and interface comments
	// whether the stream is thread-safe, it states that Close MUST NOT
	// be called concurrently with write, but looking at the implementation,
	// it does use a mutex to sync Write/Close/Read operations, so I don't
	// think we need to make it thread-safe ourselves.
	quic.Stream
}

func (gs *streamWrapper) LocalAddr() net.Addr {
	return gs.localAddr
}

func (gs *streamWrapper) RemoteAddr() net.Addr {
	return gs.remoteAddr
}

func (gs *streamWrapper) garbageCollector(closer <-chan struct{}) {
	select {
	case <-gs.Context().Done():
		// already closed, can't clean-up.
	case <-closer:
		// graceful termination requested.
		gs.Close()
	}
}
