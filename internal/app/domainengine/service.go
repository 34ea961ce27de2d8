package domainengine

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/pairloom-app/project/internal/contracts"
	"github.com/pairloom-app/project/internal/entitykind"
	"github.com/pairloom-app/project/internal/sharding"
)

var ErrInvalidCommandPayload = errors.New("invalid command payload")

// ErrUnsupportedCommandAction prevents unknown write-model transitions.
var ErrUnsupportedCommandAction = errors.New("unsupported command action")

type PublishFunc func(subject string, payload []byte) error

type Service struct {
	Publish PublishFunc
	Now     func() time.Time
	NewID   func() string
}

func NewService(publish PublishFunc) *Service {
	return &Service{
		Publish: publish,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   nuid.Next,
	}
}

// Handle turns an accepted command into a domain event. Create and update
// commands carry the full payload, which is re-validated here so the event
// log never records a malformed entity.
func (s *Service) Handle(commandSubject string, commandPayload []byte) error {
	var cmd contracts.EntityCommand
	if err := json.Unmarshal(commandPayload, &cmd); err != nil {
		return ErrInvalidCommandPayload
	}

	shardID := ShardFromSubject(cmd.CoupleID, commandSubject)
	eventType, err := mapEventType(cmd.Action)
	if err != nil {
		return err
	}

	var sortKey string
	if eventType != contracts.EventEntityDeleted {
		sortKey, err = entitykind.Check(cmd.Kind, cmd.Payload)
		if err != nil {
			return ErrInvalidCommandPayload
		}
	}

	event := contracts.EntityEvent{
		EventID:     s.NewID(),
		CommandID:   cmd.CommandID,
		EntityID:    cmd.EntityID,
		CoupleID:    cmd.CoupleID,
		Kind:        cmd.Kind,
		ActorUserID: cmd.ActorUserID,
		ActorName:   cmd.ActorName,
		EventType:   eventType,
		Payload:     cmd.Payload,
		SortKey:     sortKey,
		OccurredAt:  s.Now(),
		ShardID:     shardID,
	}

	eventPayload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.Publish(EventSubject(event), eventPayload)
}

func mapEventType(action string) (string, error) {
	switch strings.TrimSpace(strings.ToLower(action)) {
	case "create-entity":
		return contracts.EventEntityCreated, nil
	case "update-entity":
		return contracts.EventEntityUpdated, nil
	case "delete-entity":
		return contracts.EventEntityDeleted, nil
	default:
		return "", ErrUnsupportedCommandAction
	}
}

func EventSubject(event contracts.EntityEvent) string {
	return "app.event." + strconv.Itoa(event.ShardID) + ".couple." + event.CoupleID
}

func ShardFromSubject(scopeID, subject string) int {
	parts := strings.Split(subject, ".")
	if len(parts) > 2 {
		if shard, err := strconv.Atoi(parts[2]); err == nil {
			return shard
		}
	}
	return sharding.GetShardID(scopeID)
}
