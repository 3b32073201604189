// Command protocol-smoke hand-delivers one signed competition message to
// a controller, for poking at a running deployment.
//
//	go run scripts/protocol-smoke.go -addr 127.0.0.1:9100 -op register -name Alice
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/barterhub/barterhub/internal/protocol"
	"github.com/barterhub/barterhub/internal/signing"
)

type options struct {
	addr      string
	recipient string
	op        string
	name      string
	keyFile   string
	timeout   time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.addr, "addr", "127.0.0.1:9100", "controller message address")
	flag.StringVar(&opts.recipient, "recipient", "", "recipient identity (defaults to the address owner)")
	flag.StringVar(&opts.op, "op", "register", "operation: register, unregister, state-update")
	flag.StringVar(&opts.name, "name", "smoke-agent", "agent display name for register")
	flag.StringVar(&opts.keyFile, "key", "", "seed file (generated in-memory when empty)")
	flag.DurationVar(&opts.timeout, "timeout", 5*time.Second, "dial and write timeout")
	flag.Parse()

	if err := run(opts); err != nil {
		log.Fatalf("error: %v", err)
	}
}

func run(opts options) error {
	var (
		key *signing.Keypair
		err error
	)
	if opts.keyFile != "" {
		key, err = signing.LoadOrGenerate(opts.keyFile)
	} else {
		key, err = signing.Generate()
	}
	if err != nil {
		return fmt.Errorf("key: %w", err)
	}

	var (
		performative protocol.Performative
		payload      any
	)
	switch opts.op {
	case "register":
		performative, payload = protocol.PerformativeRegister, protocol.RegisterPayload{Name: opts.name}
	case "unregister":
		performative, payload = protocol.PerformativeUnregister, protocol.UnregisterPayload{}
	case "state-update":
		performative, payload = protocol.PerformativeGetStateUpdate, protocol.GetStateUpdatePayload{}
	default:
		return fmt.Errorf("unknown op %q", opts.op)
	}

	msg, err := protocol.New(performative, payload)
	if err != nil {
		return err
	}
	if err := msg.Sign(key.Private()); err != nil {
		return err
	}
	env, err := protocol.NewEnvelope(opts.recipient, msg)
	if err != nil {
		return err
	}

	conn, err := net.DialTimeout("tcp", opts.addr, opts.timeout)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	if err := conn.SetWriteDeadline(time.Now().Add(opts.timeout)); err != nil {
		return err
	}
	if err := protocol.WriteEnvelope(conn, env); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "sent %s as %s to %s\n", performative, key.Identity(), opts.addr)
	return nil
}
