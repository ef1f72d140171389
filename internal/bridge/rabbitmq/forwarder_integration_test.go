package rabbitmq

import (
	"context"
	"fmt"
	"testing"
	"time"

	"crosstown/internal/bridge"
	"crosstown/internal/domain"

	"github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func runRabbitMQ(t *testing.T) (string, func()) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("rabbitmq container unavailable: %v", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5672")
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("mapped port: %v", err)
	}
	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
	return url, func() { _ = c.Terminate(ctx) }
}

func TestForwarderIntegration_PublishesToBoundQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	url, cleanup := runRabbitMQ(t)
	defer cleanup()
	ctx := context.Background()

	fwd, err := NewForwarder(Config{URL: url, Exchange: "bridge-it", Database: "bitcraft"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := fwd.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer fwd.Close()

	conn, err := amqp091.Dial(url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		t.Fatalf("declare queue: %v", err)
	}
	if err := ch.QueueBind(q.Name, "bridge.#", "bridge-it", false, nil); err != nil {
		t.Fatalf("bind: %v", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	d := bridge.Delivery{
		Event:  domain.Event{ID: "e1", Pubkey: "pubkey1234567890"},
		Packet: domain.BridgePacket{Reducer: "dropitem", Args: []any{1.0, 2.0}, Fee: 0.5},
	}
	if err := fwd.Forward(ctx, d); err != nil {
		t.Fatalf("forward: %v", err)
	}

	select {
	case msg := <-deliveries:
		if msg.RoutingKey != "bridge.dropitem" {
			t.Fatalf("routing key = %q", msg.RoutingKey)
		}
		cmd, err := bridge.UnmarshalCommand(msg.Body)
		if err != nil {
			t.Fatal(err)
		}
		if cmd.EventId != "e1" || cmd.Reducer != "dropitem" {
			t.Fatalf("unexpected command: %+v", cmd)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for bridge command")
	}
}
