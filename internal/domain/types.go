package domain

// KindBridgePacket marks events whose content carries a bridge packet.
const KindBridgePacket uint32 = 30078

// Event is the unit accepted and stored by the relay. Signatures are carried
// verbatim and never checked.
type Event struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	Kind      uint32     `json:"kind"`
	Content   string     `json:"content"`
	CreatedAt uint64     `json:"created_at"`
	Tags      [][]string `json:"tags"`
	Sig       string     `json:"sig"`
}

// BridgePacket is the backend instruction embedded in the content of a
// KindBridgePacket event.
type BridgePacket struct {
	Reducer string  `json:"reducer"`
	Args    []any   `json:"args"`
	Fee     float64 `json:"fee"`
}
