package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"bdmd/pkg/config"
	"bdmd/pkg/dispatcher"
	"bdmd/pkg/metrics"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/google/uuid"
)

// maxDatagram is the largest UDP payload.
const maxDatagram = 65535

// Handler turns one datagram into a result.
type Handler interface {
	Handle(ctx context.Context, data []byte, host string, arrival time.Time, logger *slog.Logger) dispatcher.Result
}

type datagram struct {
	data    []byte
	addr    net.Addr
	arrival time.Time
}

// Listener serves one UDP socket. A single goroutine reads datagrams and
// hands them to a fixed pool of workers through a bounded queue.
type Listener struct {
	conn    net.PacketConn
	port    string
	handler Handler
	cfg     config.ListenerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Listen binds addr.
func Listen(ctx context.Context, addr string, handler Handler, cfg config.ListenerConfig, m *metrics.Metrics, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := (&transport.UDPListener{Address: addr}).ListenPacket(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	port := addr
	if _, p, err := net.SplitHostPort(conn.LocalAddr().String()); err == nil {
		port = p
	}

	return &Listener{
		conn:    conn,
		port:    port,
		handler: handler,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("port", port),
	}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Close closes the socket at once. Replies still being computed are lost;
// cancel the context given to Serve to shut down gracefully.
func (l *Listener) Close() error {
	return l.conn.Close()
}

// Serve runs until ctx is done or the socket is closed. Once ctx is done no
// more datagrams are read, queued requests are finished and answered, and
// the socket is closed. Each request keeps its own timeout that is not cut
// short by ctx.
func (l *Listener) Serve(ctx context.Context) error {
	defer l.conn.Close()

	jobs := make(chan datagram, l.cfg.QueueSize)

	// Start worker pool
	var wg sync.WaitGroup
	for i := 0; i < l.cfg.Workers; i++ {
		wg.Add(1)
		go l.worker(context.WithoutCancel(ctx), &wg, jobs)
	}

	// Wake the read loop without closing the socket.
	stop := context.AfterFunc(ctx, func() { _ = l.conn.SetReadDeadline(time.Now()) })
	defer stop()

	l.logger.Info("Listening", "addr", l.conn.LocalAddr().String(), "workers", l.cfg.Workers, "queue_size", l.cfg.QueueSize)

	err := l.readLoop(ctx, jobs)
	close(jobs)

	// Wait for all workers to finish
	wg.Wait()
	l.logger.Info("Listener stopped")

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (l *Listener) readLoop(ctx context.Context, jobs chan<- datagram) error {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("reading datagram: %w", err)
		}

		d := datagram{
			data:    append([]byte(nil), buf[:n]...),
			addr:    addr,
			arrival: time.Now().UTC(),
		}
		l.metrics.DatagramReceived(l.port)

		select {
		case jobs <- d:
		default:
			l.metrics.DatagramDropped(l.port, metrics.DropQueueFull)
			l.logger.Warn("Queue full, datagram dropped", "remote", addr.String())
		}
	}
}

func (l *Listener) worker(ctx context.Context, wg *sync.WaitGroup, jobs <-chan datagram) {
	defer wg.Done()
	for d := range jobs {
		l.metrics.InFlight(1)
		l.process(ctx, d)
		l.metrics.InFlight(-1)
	}
}

func (l *Listener) process(ctx context.Context, d datagram) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.RequestTimeout)
	defer cancel()

	logger := l.logger.With("request_id", uuid.NewString(), "remote", d.addr.String())

	res := l.handler.Handle(ctx, d.data, hostOf(d.addr), d.arrival, logger)
	if res.State != dispatcher.StateReplied || res.Reply.Empty() {
		return
	}

	if _, err := l.conn.WriteTo(res.Reply.Encode(), d.addr); err != nil {
		logger.Error("Failed to send reply", "error", err)
	}
}

func hostOf(addr net.Addr) string {
	if ua, ok := addr.(*net.UDPAddr); ok {
		if ip4 := ua.IP.To4(); ip4 != nil {
			return ip4.String()
		}
		return ua.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Address formats the bind address of a port on all interfaces.
func Address(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}
