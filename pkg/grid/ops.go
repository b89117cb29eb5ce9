package grid

import (
	"encoding/json"
	"fmt"

	"github.com/galdor/go-grid/pkg/raft"
	"github.com/google/uuid"
)

type Op interface {
	Name() string
}

// Command is the content of a log entry. The request id identifies a
// submission: the same command can be submitted several times, only its
// first occurrence in the log is applied.
type Command struct {
	RequestId uuid.UUID
	SourceId  raft.EndpointId
	Op        Op
}

func EncodeCommand(cmd *Command) ([]byte, error) {
	value := struct {
		RequestId uuid.UUID       `json:"requestId"`
		SourceId  raft.EndpointId `json:"sourceId"`
		Name      string          `json:"op"`
		Op        Op              `json:"value"`
	}{
		RequestId: cmd.RequestId,
		SourceId:  cmd.SourceId,
		Name:      cmd.Op.Name(),
		Op:        cmd.Op,
	}

	return json.Marshal(value)
}

func DecodeCommand(data []byte) (*Command, error) {
	var value struct {
		RequestId uuid.UUID       `json:"requestId"`
		SourceId  raft.EndpointId `json:"sourceId"`
		Name      string          `json:"op"`
		Op        json.RawMessage `json:"value"`
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("invalid data: %w", err)
	}

	var op Op

	switch value.Name {
	case "storageInsert":
		op = &OpStorageInsert{}
	case "storageSet":
		op = &OpStorageSet{}
	case "storageDelete":
		op = &OpStorageDelete{}
	case "pubSubPublish":
		op = &OpPubSubPublish{}
	default:
		return nil, fmt.Errorf("unknown op %q", value.Name)
	}

	if err := json.Unmarshal(value.Op, op); err != nil {
		return nil, fmt.Errorf("invalid %s op: %w", value.Name, err)
	}

	cmd := Command{
		RequestId: value.RequestId,
		SourceId:  value.SourceId,
		Op:        op,
	}

	return &cmd, nil
}

type OpStorageInsert struct {
	StorageId string `json:"storageId"`
	Key       []byte `json:"key"`
	Value     []byte `json:"value"`
}

func (op OpStorageInsert) Name() string {
	return "storageInsert"
}

type OpStorageSet struct {
	StorageId string `json:"storageId"`
	Key       []byte `json:"key"`
	Value     []byte `json:"value"`
}

func (op OpStorageSet) Name() string {
	return "storageSet"
}

type OpStorageDelete struct {
	StorageId string `json:"storageId"`
	Key       []byte `json:"key"`
}

func (op OpStorageDelete) Name() string {
	return "storageDelete"
}

type OpPubSubPublish struct {
	Topic     string `json:"topic"`
	EventName string `json:"eventName"`
	Payload   []byte `json:"payload"`
}

func (op OpPubSubPublish) Name() string {
	return "pubSubPublish"
}

// OpResult is what applying an op produced on the local endpoint. For
// storage ops, Value is the previous or existing value of the key and Found
// tells whether there was one.
type OpResult struct {
	Value []byte
	Found bool
}
