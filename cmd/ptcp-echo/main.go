// Command ptcp-echo drives a PTCP multiplexer over a real UDP socket,
// either listening for passive connections and echoing what they send, or
// actively connecting to one and echoing stdin. Grounded on cmd/cc's
// flag-driven, errors.As-dispatched main() shape.

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/tinyrange/ptcp/internal/ptcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ptcp-echo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listenAddr  = flag.String("listen", "", "UDP address to listen on, e.g. :9000 (server mode)")
		connectAddr = flag.String("connect", "", "UDP address to connect to, e.g. 127.0.0.1:9000 (client mode)")
		pseudoPort  = flag.Uint("pseudo-port", uint(ptcp.ListenPseudoPort), "peer pseudo-port to connect to")
		configPath  = flag.String("config", "", "optional YAML config file overriding PTCP tunables")
		debugAddr   = flag.String("debug-addr", "", "optional address to serve debug status JSON on")
		verbose     = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := ptcp.DefaultConfig()
	if *configPath != "" {
		loaded, err := ptcp.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	switch {
	case *listenAddr != "":
		return runServer(log, cfg, *listenAddr, *debugAddr)
	case *connectAddr != "":
		return runClient(log, cfg, *connectAddr, uint16(*pseudoPort), *debugAddr)
	default:
		return errors.New("must pass either -listen or -connect")
	}
}

func runServer(log *slog.Logger, cfg ptcp.Config, addr, debugAddr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	defer conn.Close()
	if err := ptcp.TuneUDPBuffers(conn, 1<<20); err != nil {
		log.Debug("ptcp-echo: socket buffer tuning skipped", "err", err)
	}

	mux := ptcp.New(conn, log, cfg)
	mux.Listen(&echoServerFactory{log: log})
	maybeServeDebug(mux, debugAddr, log)

	log.Info("ptcp-echo: listening", "addr", conn.LocalAddr())
	return pumpDatagrams(conn, mux)
}

func runClient(log *slog.Logger, cfg ptcp.Config, addr string, peerPseudoPort uint16, debugAddr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("open local socket: %w", err)
	}
	defer conn.Close()
	if err := ptcp.TuneUDPBuffers(conn, 1<<20); err != nil {
		log.Debug("ptcp-echo: socket buffer tuning skipped", "err", err)
	}

	mux := ptcp.New(conn, log, cfg)
	maybeServeDebug(mux, debugAddr, log)

	go pumpDatagrams(conn, mux)

	done := make(chan error, 1)
	factory := &echoClientFactory{log: log, stdin: os.Stdin, done: done}
	if _, err := mux.Connect(factory, udpAddr.IP, udpAddr.Port, peerPseudoPort); err != nil {
		return err
	}
	return <-done
}

// pumpDatagrams is the socket read loop external to the multiplexer core:
// it owns the blocking ReadFrom call and hands every datagram to
// HandleDatagram, matching §4.6's division of labor between the
// out-of-scope datagram socket and the mux's datagramReceived.
func pumpDatagrams(conn *net.UDPConn, mux *ptcp.Multiplexer) error {
	buf := make([]byte, 64*1024)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		datagram := append([]byte(nil), buf[:n]...)
		mux.HandleDatagram(datagram, peer)
	}
}

func maybeServeDebug(mux *ptcp.Multiplexer, addr string, log *slog.Logger) {
	if addr == "" {
		return
	}
	go func() {
		if err := serveDebugHTTP(addr, mux); err != nil {
			log.Warn("ptcp-echo: debug server stopped", "err", err)
		}
	}()
}

// echoServerFactory builds one echoProtocol per passively-accepted
// connection.
type echoServerFactory struct {
	log *slog.Logger
}

func (f *echoServerFactory) BuildProtocol(peer ptcp.Addr) ptcp.Protocol {
	return &echoProtocol{log: f.log, peer: peer}
}

// echoProtocol writes back every byte it receives.
type echoProtocol struct {
	log       *slog.Logger
	peer      ptcp.Addr
	transport ptcp.Transport
}

func (p *echoProtocol) MakeConnection(t ptcp.Transport) {
	p.transport = t
	p.log.Info("ptcp-echo: connection established", "peer", p.peer)
}

func (p *echoProtocol) DataReceived(data []byte) {
	if err := p.transport.Write(data); err != nil {
		p.log.Warn("ptcp-echo: write failed", "err", err)
	}
}

func (p *echoProtocol) ConnectionLost(reason error) {
	p.log.Info("ptcp-echo: connection lost", "peer", p.peer, "reason", reason)
}

// echoClientFactory drives the active-open side: it copies stdin to the
// connection and echoes received bytes to stdout until EOF or the
// connection closes.
type echoClientFactory struct {
	log   *slog.Logger
	stdin io.Reader
	done  chan error
}

func (f *echoClientFactory) BuildProtocol(peer ptcp.Addr) ptcp.Protocol {
	return &echoClientProtocol{log: f.log, stdin: f.stdin, done: f.done}
}

func (f *echoClientFactory) ClientConnectionFailed(reason error) {
	select {
	case f.done <- reason:
	default:
	}
}

type echoClientProtocol struct {
	log       *slog.Logger
	stdin     io.Reader
	done      chan error
	transport ptcp.Transport
}

func (p *echoClientProtocol) MakeConnection(t ptcp.Transport) {
	p.transport = t
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := p.stdin.Read(buf)
			if n > 0 {
				if werr := t.Write(buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				t.LoseConnection()
				return
			}
		}
	}()
}

func (p *echoClientProtocol) DataReceived(data []byte) {
	os.Stdout.Write(data)
}

func (p *echoClientProtocol) ConnectionLost(reason error) {
	select {
	case p.done <- reason:
	default:
	}
}
