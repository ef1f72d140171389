package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/golang/protobuf/proto"
)

// Command is the broker wire form of a Delivery. Args travel as JSON because
// their shape is chosen by the publisher.
type Command struct {
	EventId   string  `protobuf:"bytes,1,opt,name=event_id,json=eventId,proto3"`
	Pubkey    string  `protobuf:"bytes,2,opt,name=pubkey,proto3"`
	Database  string  `protobuf:"bytes,3,opt,name=database,proto3"`
	Reducer   string  `protobuf:"bytes,4,opt,name=reducer,proto3"`
	ArgsJson  []byte  `protobuf:"bytes,5,opt,name=args_json,json=argsJson,proto3"`
	Fee       float64 `protobuf:"fixed64,6,opt,name=fee,proto3"`
	CreatedAt uint64  `protobuf:"varint,7,opt,name=created_at,json=createdAt,proto3"`
}

func (*Command) Reset()         {}
func (*Command) String() string { return "Command" }
func (*Command) ProtoMessage()  {}

func NewCommand(database string, d Delivery) (*Command, error) {
	args, err := json.Marshal(d.Packet.Args)
	if err != nil {
		return nil, fmt.Errorf("encode bridge args: %w", err)
	}
	return &Command{
		EventId:   d.Event.ID,
		Pubkey:    d.Event.Pubkey,
		Database:  database,
		Reducer:   d.Packet.Reducer,
		ArgsJson:  args,
		Fee:       d.Packet.Fee,
		CreatedAt: d.Event.CreatedAt,
	}, nil
}

func MarshalCommand(cmd *Command) ([]byte, error) { return proto.Marshal(cmd) }

func UnmarshalCommand(payload []byte) (*Command, error) {
	var cmd Command
	if err := proto.Unmarshal(payload, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// Args decodes ArgsJson back into generic values.
func (c *Command) Args() ([]any, error) {
	if len(c.ArgsJson) == 0 {
		return nil, nil
	}
	var args []any
	if err := json.Unmarshal(c.ArgsJson, &args); err != nil {
		return nil, err
	}
	return args, nil
}
