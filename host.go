package contained

import (
	"crypto/x509"
	"log/slog"

	"github.com/raskyld/contained/pkg/identity"
)

// Host is the last known location of a peer on the transport.
type Host struct {
	ID   identity.PeerID
	Addr string
	Port int
}

// PeerResolver authenticates a remote peer from the certificates it
// presented.
//
// The contract of this function is:
//
// *Implementations* MUST NOT be blocking, since they are invoked on
// the connection establishment critical path.
//
// If the resolution is successful, *Implementations* MUST return the peer
// id and a nil error.
//
// Otherwise, *Implementations* MUST return a human-friendly error string
// as a third argument, which will be sent to the remote peer, so they can
// debug the error.
//
// If they return a non-nil error but an empty third string,
// a `QErrInternal` is returned to the user instead.
type PeerResolver func(certs []*x509.Certificate) (identity.PeerID, error, string)

// KeyResolver is the default resolver. The peer id is the ed25519 key of
// the leaf certificate, which must also be its subject common name.
func KeyResolver(certs []*x509.Certificate) (identity.PeerID, error, string) {
	id, err := identity.PeerFromCertificates(certs)
	if err != nil {
		return id, err, "your certificate does not authenticate a peer id"
	}
	return id, nil, ""
}

func (host *Host) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", host.ID.Short()),
		slog.String("addr", host.Addr),
		slog.Int("port", host.Port),
	)
}
