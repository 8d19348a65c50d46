package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedNATS runs a NATS server inside the relay process for
// single-host deployments.
type EmbeddedNATS struct {
	server    *server.Server
	clientURL string
}

// StartEmbeddedNATS starts a server on 127.0.0.1:port. Port -1 picks a free
// port.
func StartEmbeddedNATS(port int) (*EmbeddedNATS, error) {
	opts := &server.Options{
		ServerName: "wastetrack-relay",
		Host:       "127.0.0.1",
		Port:       port,
		NoLog:      true,
		NoSigs:     true,
		MaxPayload: 1 << 20,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready within timeout")
	}
	return &EmbeddedNATS{server: ns, clientURL: ns.ClientURL()}, nil
}

// ClientURL is the URL clients connect to.
func (e *EmbeddedNATS) ClientURL() string { return e.clientURL }

// Serve keeps the server up until ctx is done.
func (e *EmbeddedNATS) Serve(ctx context.Context) error {
	<-ctx.Done()
	e.Shutdown()
	return ctx.Err()
}

// Shutdown stops the server and waits for it.
func (e *EmbeddedNATS) Shutdown() {
	e.server.Shutdown()
	e.server.WaitForShutdown()
}

func (e *EmbeddedNATS) String() string { return "embedded-nats" }
