package bridge

import (
	"testing"

	"crosstown/internal/domain"
)

func TestCommandCarriesDelivery(t *testing.T) {
	d := Delivery{
		Event:  domain.Event{ID: "e1", Pubkey: "pubkey1234567890", CreatedAt: 1700000000},
		Packet: domain.BridgePacket{Reducer: "dropitem", Args: []any{1.0, "x"}, Fee: 0.5},
	}
	cmd, err := NewCommand("bitcraft", d)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := MarshalCommand(cmd)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := UnmarshalCommand(payload)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.EventId != "e1" || decoded.Pubkey != "pubkey1234567890" || decoded.Database != "bitcraft" || decoded.Reducer != "dropitem" || decoded.Fee != 0.5 || decoded.CreatedAt != 1700000000 {
		t.Fatalf("bad decode: %+v", decoded)
	}
	args, err := decoded.Args()
	if err != nil {
		t.Fatal(err)
	}
	if len(args) != 2 || args[1] != "x" {
		t.Fatalf("bad args: %v", args)
	}
}

func FuzzUnmarshalCommand(f *testing.F) {
	f.Add([]byte{0x0a, 0x02, 'e', '1'})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = UnmarshalCommand(data)
	})
}
