package contained

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/contained/pkg/identity"
	"github.com/raskyld/contained/pkg/telemetry"
	"github.com/raskyld/contained/pkg/wire"
)

const (
	defaultUDPBufferSize int = 1 << 21
	DefaultPort              = 6174

	// ackEnvelope is written back once the handler accepted an envelope.
	ackEnvelope byte = 0x01
)

// TransportConfig represents configuration for the QUIC transport.
type TransportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize crashes if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `TransportConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig must require a client certificate, peers authenticate each
	// other through it.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where the transport listens.
	BindAddr string
	BindPort int

	// HintMaxStreams gives an indication of how many concurrent streams a
	// peer may open with us.
	HintMaxStreams int64

	// PeerResolver to authenticate peers from their certificates.
	PeerResolver PeerResolver

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// DialTimeout controls how much time we wait for stream establishment.
	DialTimeout time.Duration

	// GracePeriod is how long Shutdown lets streams drain before closing
	// connections.
	GracePeriod time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Transport carries both channels of the subnet over QUIC: memberlist
// packets and streams for the gossip channel, and envelope streams for the
// request/response channel. It implements memberlist.NodeAwareTransport
// and Network.
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool
	shutdownCh   chan struct{}

	handler atomic.Pointer[EnvelopeHandler]

	addrToPeer map[string]identity.PeerID
	hostsInfo  map[identity.PeerID]Host
	hostsCxs   map[identity.PeerID][]hostCx
	hostsLock  sync.RWMutex

	// Memberlist Protocol
	packetCh chan *memberlist.Packet
	streamCh chan net.Conn

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

type hostCx struct {
	peer identity.PeerID
	// closeCh is closed to wake-up stream garbage collectors.
	closeCh chan struct{}
	quic.Connection
}

var _ memberlist.NodeAwareTransport = (*Transport)(nil)
var _ Network = (*Transport)(nil)

func NewTransport(cfg *TransportConfig) (t *Transport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t = &Transport{
		cfg:        cfg,
		shutdownCh: make(chan struct{}),
		addrToPeer: make(map[string]identity.PeerID),
		hostsInfo:  make(map[identity.PeerID]Host),
		hostsCxs:   make(map[identity.PeerID][]hostCx),
		packetCh:   make(chan *memberlist.Packet),
		streamCh:   make(chan net.Conn),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	// port 0 asks the kernel for an ephemeral port
	udpAddr := &net.UDPAddr{IP: addr, Port: cfg.BindPort}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	ln, err := t.tr.Listen(t.cfg.TlsConfig, t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}

	t.ln = ln
	go t.acceptCx()
	return
}

func (t *Transport) quicConfig() *quic.Config {
	hint := t.cfg.HintMaxStreams
	if hint == 0 {
		hint = 10000
	}
	return &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		EnableDatagrams:       true,
		Allow0RTT:             false,
		MaxIncomingStreams:    hint,
		MaxIncomingUniStreams: hint,
		MaxIdleTimeout:        1 * time.Minute,
		KeepAlivePeriod:       15 * time.Second,
	}
}

// Handle registers the handler of inbound envelopes.
func (t *Transport) Handle(h EnvelopeHandler) {
	t.handler.Store(&h)
}

// LocalAddr is the address the transport listens on.
func (t *Transport) LocalAddr() net.Addr {
	return t.udpLn.LocalAddr()
}

func (t *Transport) FinalAdvertiseAddr(ip string, port int) (net.IP, int, error) {
	if t.udpLn == nil {
		return nil, 0, ErrUdpNotAvailable
	}

	local := t.udpLn.LocalAddr().(*net.UDPAddr)
	if port == 0 {
		port = local.Port
	}

	var advertiseAddr net.IP
	if ip != "" {
		advertiseAddr = net.ParseIP(ip)
		if advertiseAddr == nil {
			return nil, 0, fmt.Errorf("%w: %q", ErrInvalidAddr, ip)
		}
	} else if !local.IP.IsUnspecified() {
		advertiseAddr = local.IP
	} else {
		advertiseAddr = firstPrivateIP()
	}

	if ip4 := advertiseAddr.To4(); ip4 != nil {
		advertiseAddr = ip4
	}

	return advertiseAddr, port, nil
}

// firstPrivateIP guesses a reachable address when bound to every interface.
func firstPrivateIP() net.IP {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.IsPrivate() {
				return ipNet.IP
			}
		}
	}
	return net.IPv4(127, 0, 0, 1)
}

func (t *Transport) WriteTo(b []byte, addr string) (time.Time, error) {
	return t.WriteToAddress(b, memberlist.Address{
		Addr: addr,
	})
}

func (t *Transport) WriteToAddress(b []byte, addr memberlist.Address) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()
	conn, err := t.getActiveCx(ctx, addr)
	if err != nil {
		return time.Time{}, err
	}

	ts := time.Now()
	err = conn.SendDatagram(b)
	if err == nil {
		t.msink.IncrCounterWithLabels(
			MetricDatagramOutBytes,
			float32(len(b)),
			telemetry.With(t.cfg.MetricLabels, LabelsForAddr(addr)...),
		)
	} else {
		t.msink.IncrCounterWithLabels(
			MetricDatagramOutErrorCount,
			1.0,
			telemetry.With(t.cfg.MetricLabels, LabelsForAddr(addr)...),
		)
	}
	return ts, err
}

func (t *Transport) PacketCh() <-chan *memberlist.Packet {
	return t.packetCh
}

func (t *Transport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return t.DialAddressTimeout(memberlist.Address{
		Addr: addr,
	}, timeout)
}

func (t *Transport) DialAddressTimeout(addr memberlist.Address, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	swrap, err := t.openStream(ctx, addr, wire.ModeGossip)
	if err != nil {
		return nil, err
	}
	return swrap, nil
}

func (t *Transport) StreamCh() <-chan net.Conn {
	return t.streamCh
}

// Deliver sends env on a fresh stream and waits for the remote handler to
// acknowledge it.
func (t *Transport) Deliver(ctx context.Context, to Peer, env *wire.Envelope) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > t.cfg.DialTimeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.DialTimeout)
		defer cancel()
	}

	swrap, err := t.openStream(ctx, memberlist.Address{Addr: to.Addr, Name: to.ID.String()}, wire.ModeEnvelope)
	if err != nil {
		return err
	}
	defer swrap.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = swrap.SetDeadline(dl)
	}

	if err := wire.WriteEnvelope(swrap, env); err != nil {
		swrap.CancelRead(QErrStreamRejected)
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	// closes our side only, the remote reads until EOF
	if err := swrap.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	var ack [1]byte
	if _, err := io.ReadFull(swrap, ack[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrNotAcknowledged, err)
	}
	if ack[0] != ackEnvelope {
		return ErrNotAcknowledged
	}
	_, _ = io.Copy(io.Discard, swrap)

	t.msink.IncrCounterWithLabels(
		MetricEnvelopeOut,
		1.0,
		telemetry.With(t.cfg.MetricLabels, telemetry.LabelEnvelope.M(env.Kind.String())),
	)
	return nil
}

func (t *Transport) openStream(ctx context.Context, addr memberlist.Address, mode wire.StreamMode) (*streamWrapper, error) {
	hcx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			telemetry.With(t.cfg.MetricLabels, append(LabelsForAddr(addr), telemetry.LabelError.M("no_conn_to_host"))...),
		)
		return nil, err
	}

	stream, err := hcx.OpenStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			telemetry.With(t.cfg.MetricLabels, append(LabelsForAddr(addr), telemetry.LabelError.M("cannot_open_stream"))...),
		)
		return nil, err
	}

	swrap := &streamWrapper{
		mode:       mode,
		localAddr:  hcx.LocalAddr(),
		remoteAddr: hcx.RemoteAddr(),
		peer:       hcx.peer,
		Stream:     stream,
	}

	go swrap.garbageCollector(hcx.closeCh)

	if err := wire.WriteMode(stream, mode); err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			telemetry.With(t.cfg.MetricLabels, append(LabelsForAddr(addr), telemetry.LabelError.M("cannot_send_mode"))...),
		)
		stream.CancelRead(QErrStreamRejected)
		stream.CancelWrite(QErrStreamRejected)
		return nil, fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	t.msink.IncrCounterWithLabels(
		MetricStreamEstOutCount,
		1.0,
		telemetry.With(t.cfg.MetricLabels, append(LabelsForAddr(addr), telemetry.LabelStreamMode.M(mode.String()))...),
	)
	return swrap, nil
}

func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}
	close(t.shutdownCh)

	t.hostsLock.Lock()
	for _, cxs := range t.hostsCxs {
		for _, cx := range cxs {
			close(cx.closeCh)
		}
	}
	t.hostsLock.Unlock()

	// dumb SO_LINGER like behaviour until it is implemented
	// in go-quic
	if t.cfg.GracePeriod > 0 {
		time.Sleep(t.cfg.GracePeriod)
	}

	t.hostsLock.Lock()
	for _, cxs := range t.hostsCxs {
		for _, cx := range cxs {
			QErrShutdown.Close(cx.Connection, "we are shutting down! bye!")
		}
	}
	t.hostsLock.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}

	if t.tr != nil {
		t.tr.Close()
	}

	if t.udpLn != nil {
		t.udpLn.Close()
	}
	return nil
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) acceptCx() {
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				// NB(raskyld): atm, the implementation only return errors if
				// Close() has been called, that's why we make assumptions but
				// that's not a good design.
				t.logger.Warn("unexpected QUIC listener closure", telemetry.LabelError.L(err))
			}
			return
		}

		if _, err := t.handleConn(conn); err != nil {
			t.logger.Debug("inbound connection refused", telemetry.LabelError.L(err))
		}
	}
}

func (t *Transport) waitForDatagrams(hcx hostCx) {
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := t.logger.With(telemetry.LabelPeerAddr.L(remoteAddr.String()))
	mLabels := telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerAddr.M(remoteAddr.String()))

	for {
		buf, err := hcx.ReceiveDatagram(ctx)
		ts := time.Now()
		if t.gracefulTerm.Load() {
			logger.Debug("datagram listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				telemetry.With(mLabels, telemetry.LabelError.M("unknown")),
			)
			logger.Error("error reading UDP packet", telemetry.LabelError.L(err))
			continue
		}

		n := len(buf)
		if n < 1 {
			t.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				telemetry.With(mLabels, telemetry.LabelError.M("too_small")),
			)
			logger.Error("received a too short udp packet", "length", n)
			continue
		}

		t.msink.IncrCounterWithLabels(MetricDatagramInBytes, float32(n), mLabels)
		select {
		case t.packetCh <- &memberlist.Packet{
			Buf:       buf,
			From:      remoteAddr,
			Timestamp: ts,
		}:
		case <-t.shutdownCh:
			return
		}
	}
}

func (t *Transport) handleStreams(hcx hostCx) {
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := t.logger.With(
		telemetry.LabelPeerAddr.L(remoteAddr.String()),
		telemetry.LabelPeerID.L(hcx.peer.Short()),
	)
	mLabels := telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerAddr.M(remoteAddr.String()))

	for {
		stream, err := hcx.AcceptStream(ctx)
		if t.gracefulTerm.Load() {
			logger.Debug("stream listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("connection closed", telemetry.LabelError.L(context.Cause(ctx)))
				return
			}
			logger.Warn("error accepting stream", telemetry.LabelError.L(err))
			t.msink.IncrCounterWithLabels(
				MetricStreamEstInErrorCount,
				1.0,
				telemetry.With(mLabels, telemetry.LabelError.M("unknown")),
			)
			continue
		}

		swrap := &streamWrapper{
			localAddr:  hcx.LocalAddr(),
			remoteAddr: hcx.RemoteAddr(),
			peer:       hcx.peer,
			Stream:     stream,
		}

		// When a connection should be closed, it will first
		// close its `closeCh` channel and wait for its streams
		// to finish draining their buffers.
		go swrap.garbageCollector(hcx.closeCh)
		go t.handleStream(logger.With(telemetry.LabelStreamID.L(int64(stream.StreamID()))), mLabels, swrap)
	}
}

func (t *Transport) handleStream(logger *slog.Logger, mLabels []metrics.Label, swrap *streamWrapper) {
	_ = swrap.SetReadDeadline(time.Now().Add(t.cfg.DialTimeout))
	mode, err := wire.ReadMode(swrap)
	if err != nil {
		if errors.Is(err, wire.ErrStreamMode) {
			logger.Warn("protocol violation: unknown stream mode", telemetry.LabelError.L(err))
			swrap.CancelRead(QErrStreamProtocolViolation)
			swrap.CancelWrite(QErrStreamProtocolViolation)
			t.msink.IncrCounterWithLabels(
				MetricStreamEstInErrorCount,
				1.0,
				telemetry.With(mLabels, telemetry.LabelError.M("protocol_violation")),
			)
			return
		}
		logger.Warn("error waiting for stream mode", telemetry.LabelError.L(err))
		t.msink.IncrCounterWithLabels(
			MetricStreamEstInErrorCount,
			1.0,
			telemetry.With(mLabels, telemetry.LabelError.M("no_mode")),
		)
		swrap.CancelRead(QErrStreamRejected)
		swrap.Close()
		return
	}
	swrap.mode = mode

	t.msink.IncrCounterWithLabels(
		MetricStreamEstInCount,
		1.0,
		telemetry.With(mLabels, telemetry.LabelStreamMode.M(mode.String())),
	)

	switch mode {
	case wire.ModeGossip:
		_ = swrap.SetReadDeadline(time.Time{})
		select {
		case t.streamCh <- swrap:
		case <-t.shutdownCh:
			swrap.CancelRead(QErrStreamRejected)
			swrap.Close()
		}
	case wire.ModeEnvelope:
		t.receiveEnvelope(logger, swrap)
	}
}

func (t *Transport) receiveEnvelope(logger *slog.Logger, swrap *streamWrapper) {
	defer swrap.Close()

	env, err := wire.ReadEnvelope(swrap)
	if err != nil {
		logger.Warn("protocol violation: malformed envelope", telemetry.LabelError.L(err))
		swrap.CancelRead(QErrStreamProtocolViolation)
		return
	}
	// drain up to the FIN so the stream can be released
	_, _ = io.Copy(io.Discard, swrap)

	handler := t.handler.Load()
	if handler == nil {
		logger.Warn("dropping envelope", telemetry.LabelError.L(ErrNoHandler))
		swrap.CancelRead(QErrStreamRejected)
		return
	}

	t.msink.IncrCounterWithLabels(
		MetricEnvelopeIn,
		1.0,
		telemetry.With(t.cfg.MetricLabels, telemetry.LabelEnvelope.M(env.Kind.String())),
	)
	(*handler)(swrap.peer, env)

	_ = swrap.SetWriteDeadline(time.Now().Add(t.cfg.DialTimeout))
	if _, err := swrap.Write([]byte{ackEnvelope}); err != nil {
		logger.Debug("could not acknowledge envelope", telemetry.LabelError.L(err))
	}
}

func (t *Transport) getActiveCx(
	ctx context.Context,
	target memberlist.Address,
) (hostCx, error) {
	t.hostsLock.RLock()
	var dest identity.PeerID
	if target.Name != "" {
		id, err := identity.ParsePeerID(target.Name)
		if err != nil {
			t.hostsLock.RUnlock()
			return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
		}
		dest = id
	} else {
		resolved, ok := t.addrToPeer[target.Addr]
		if !ok {
			t.hostsLock.RUnlock()
			return t.dial(ctx, target.Addr, identity.PeerID{})
		}
		dest = resolved
	}

	cx, hasCx := t.firstActiveCx(dest)
	if hasCx {
		t.hostsLock.RUnlock()
		return cx, nil
	}

	addr := target.Addr
	if addr == "" {
		if info, ok := t.hostsInfo[dest]; ok {
			addr = net.JoinHostPort(info.Addr, strconv.Itoa(info.Port))
		}
	}
	t.hostsLock.RUnlock()

	if addr == "" {
		return hostCx{}, fmt.Errorf("%w: no address for %s", ErrUnknownPeer, dest.Short())
	}
	return t.dial(ctx, addr, dest)
}

// dial connects to target. When expect is set, the remote must
// authenticate as that peer.
func (t *Transport) dial(ctx context.Context, target string, expect identity.PeerID) (hostCx, error) {
	if t.gracefulTerm.Load() {
		return hostCx{}, ErrShutdown
	}

	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	cx, err := t.tr.Dial(ctx, addr, t.cfg.TlsConfig, t.quicConfig())
	if t.gracefulTerm.Load() {
		return hostCx{}, ErrShutdown
	}
	if err != nil {
		return hostCx{}, err
	}

	hcx, err := t.handleConn(cx)
	if err != nil {
		return hostCx{}, err
	}
	if !expect.IsZero() && hcx.peer != expect {
		QErrPeerID.Close(hcx.Connection, "you are not the peer we dialed")
		return hostCx{}, fmt.Errorf("%w: dialed %s, reached %s", ErrPeerResolve, expect.Short(), hcx.peer.Short())
	}
	return hcx, nil
}

// not thread safe!
// must be called by an holder of Write lock
func (t *Transport) garbageCollectCxs(dest identity.PeerID) ([]hostCx, bool) {
	cxs, hasCxs := t.hostsCxs[dest]
	if !hasCxs {
		return cxs, hasCxs
	}

	cleanedUpList := make([]hostCx, 0, len(cxs))
	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			cleanedUpList = append(cleanedUpList, cx)
		}
	}

	if len(cleanedUpList) == 0 {
		delete(t.hostsCxs, dest)
		return nil, false
	}
	t.hostsCxs[dest] = cleanedUpList
	return cleanedUpList, true
}

// not thread safe!
// must be called by an holder of Read lock
func (t *Transport) firstActiveCx(dest identity.PeerID) (hostCx, bool) {
	cxs, hasCxs := t.hostsCxs[dest]
	if !hasCxs {
		return hostCx{}, false
	}

	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			return cx, true
		}
	}

	return hostCx{}, false
}

func (t *Transport) handleConn(conn quic.Connection) (hostCx, error) {
	peer := conn.RemoteAddr().String()
	peerHost, peerPortStr, err := net.SplitHostPort(peer)
	if err != nil {
		panic("unreachable: unexpected address format")
	}
	peerPort, err := strconv.Atoi(peerPortStr)
	if err != nil {
		panic(err)
	}

	logger := t.logger.With(telemetry.LabelPeerAddr.L(peer))
	resolver := t.cfg.PeerResolver
	if resolver == nil {
		resolver = KeyResolver
	}

	mLabels := telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerAddr.M(peer))

	id, err, uerr := resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to authenticate peer", telemetry.LabelError.L(err))
		t.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			telemetry.With(mLabels, telemetry.LabelError.M("peer_resolution")),
		)
		if uerr == "" {
			QErrInternal.Close(
				conn,
				"unexpected error during peer resolution",
			)
		} else {
			QErrPeerID.Close(
				conn,
				fmt.Sprintf("error during resolution: %s", uerr),
			)
		}
		return hostCx{}, fmt.Errorf("%w: %w", ErrPeerResolve, err)
	}

	mLabels = append(mLabels, telemetry.LabelPeerID.M(id.String()))
	logger = logger.With(telemetry.LabelPeerID.L(id.Short()))

	t.hostsLock.Lock()
	// First, we check if we need to update our address to peer mapping.
	current, ok := t.addrToPeer[peer]
	if ok {
		if current != id {
			logger.Warn("another peer answers on this address, updating",
				slog.String("previous", current.Short()))
			t.addrToPeer[peer] = id

			t.msink.IncrCounterWithLabels(
				MetricHostAddrChanges,
				1.0,
				telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerAddr.M(peer)),
			)
		}
	} else {
		t.addrToPeer[peer] = id
		logger.Info("new peer connected")
	}

	// We also check if the peer moved, or if its key is used twice.
	hostInfo, ok := t.hostsInfo[id]
	if ok && (hostInfo.Addr != peerHost || hostInfo.Port != peerPort) {
		logger := logger.With(
			slog.Group("previous", "addr", hostInfo.Addr, "port", hostInfo.Port),
		)
		logger.Warn("a peer has been migrated or its key is used twice")
		t.msink.IncrCounterWithLabels(
			MetricHostAddrChanges,
			1.0,
			telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerID.M(id.String())),
		)
		gcHost, stillHasConnection := t.garbageCollectCxs(id)
		if stillHasConnection {
			logger.Error("connection is still active after peer migration, that's a symptom of a leaked key!")
			t.msink.IncrCounterWithLabels(
				MetricHostConflictsCount,
				1.0,
				telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerAddr.M(peer)),
			)
			for _, cx := range gcHost {
				close(cx.closeCh)
				QErrPeerConflict.Close(
					cx, "we detected two connections authenticated by the same key! "+
						"if you have not moved this peer, its keystore may have leaked.",
				)
			}
			delete(t.hostsCxs, id)
		}
	}
	t.hostsInfo[id] = Host{
		ID:   id,
		Addr: peerHost,
		Port: peerPort,
	}

	// Then, we actually perform the connection update
	// after a pass of garbage collection.
	hcx := hostCx{
		peer:       id,
		closeCh:    make(chan struct{}),
		Connection: conn,
	}
	gcHost, _ := t.garbageCollectCxs(id)
	t.hostsCxs[id] = append(gcHost, hcx)
	t.hostsLock.Unlock()

	t.msink.IncrCounterWithLabels(
		MetricConnEstCount,
		1.0,
		mLabels,
	)

	// NB: it's ok to pass by value, the struct is just cheap pointers.
	go t.waitForDatagrams(hcx)
	go t.handleStreams(hcx)
	return hcx, nil
}
