package contained

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg      = errors.New("node: invalid options")
	ErrJoinCluster     = errors.New("node: could not join subnet")
	ErrNodeClosed      = errors.New("node: closed")
	ErrInvalidMeta     = errors.New("gossip: invalid node metadata")
	ErrInvalidDigest   = errors.New("gossip: invalid digest")
	ErrCoordinatorDown = errors.New("coordinator: closed")
	ErrUnknownPeer     = errors.New("coordinator: unknown peer")
	ErrUnreachable     = errors.New("coordinator: peer unreachable")
	ErrDuplicateID     = errors.New("coordinator: correlation id already pending")
	ErrNoRunner        = errors.New("coordinator: full peers require a runtime")
	ErrUnknownDispatch = errors.New("coordinator: no such pending dispatch")

	ErrBufferSize        = errors.New("transport: could not allocate udp buffer")
	ErrPeerResolve       = errors.New("transport: could not resolve peer from certificate")
	ErrInvalidAddr       = errors.New("transport: the IP you provided is invalid")
	ErrUdpNotAvailable   = errors.New("transport: UDP listener not available")
	ErrShutdown          = errors.New("transport: shutting down")
	ErrStreamWrite       = errors.New("transport: error writing to a stream")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrNoTLSConfig       = errors.New("transport: TlsConfig is required")
	ErrNoHandler         = errors.New("transport: no envelope handler")
	ErrNotAcknowledged   = errors.New("transport: envelope was not acknowledged")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
	QErrStreamRejected          = quic.StreamErrorCode(0xFE)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrPeerID = QuicApplicationError{
		Code:   0x2,
		Prefix: "peer id",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrPeerConflict = QuicApplicationError{
		Code:   0x4,
		Prefix: "peer conflict",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
