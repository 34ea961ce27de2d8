package commandapi

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/pairloom-app/project/internal/contracts"
	"github.com/pairloom-app/project/internal/entitykind"
	"github.com/pairloom-app/project/internal/sharding"
)

var ErrScopeRequired = errors.New("user is not linked with a partner")
var ErrEntityIDRequired = errors.New("entity_id is required")
var ErrUnsupportedAction = errors.New("unsupported action")

type PublishFunc func(subject string, payload []byte) error

type Service struct {
	Publish PublishFunc
	Now     func() time.Time
	NewID   func() string
}

type Actor struct {
	UserID   string
	Username string
}

// CommandRequest is the client-facing mutation envelope. The couple scope is
// resolved server-side from the actor, never taken from the request body.
type CommandRequest struct {
	Action   string          `json:"action"`
	Kind     string          `json:"kind"`
	EntityID string          `json:"entity_id"`
	Payload  json.RawMessage `json:"payload"`
}

type CommandResponse struct {
	Status    string `json:"status"`
	CommandID string `json:"command_id"`
	EntityID  string `json:"entity_id"`
}

func NewService(publish PublishFunc) *Service {
	return &Service{
		Publish: publish,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   nuid.Next,
	}
}

func normalizeAction(action string) string {
	action = strings.TrimSpace(strings.ToLower(action))
	if action == "" {
		return "create-entity"
	}
	return action
}

// Accept validates a mutation and publishes it to the couple's command
// subject. Nothing is applied locally; the projection catches up through the
// event pipeline.
func (s *Service) Accept(actor Actor, coupleID string, req CommandRequest) (CommandResponse, error) {
	coupleID = strings.TrimSpace(coupleID)
	if coupleID == "" {
		return CommandResponse{}, ErrScopeRequired
	}
	action := normalizeAction(req.Action)
	entityID := strings.TrimSpace(req.EntityID)
	kind := strings.TrimSpace(req.Kind)

	if _, ok := entitykind.Lookup(kind); !ok {
		return CommandResponse{}, entitykind.ErrUnknownKind
	}

	switch action {
	case "create-entity":
		if _, err := entitykind.Check(kind, req.Payload); err != nil {
			return CommandResponse{}, err
		}
	case "update-entity":
		if entityID == "" {
			return CommandResponse{}, ErrEntityIDRequired
		}
		if _, err := entitykind.Check(kind, req.Payload); err != nil {
			return CommandResponse{}, err
		}
	case "delete-entity":
		if entityID == "" {
			return CommandResponse{}, ErrEntityIDRequired
		}
	default:
		return CommandResponse{}, ErrUnsupportedAction
	}

	if strings.TrimSpace(actor.UserID) == "" {
		actor.UserID = "user-1"
	}
	if strings.TrimSpace(actor.Username) == "" {
		actor.Username = "unknown"
	}

	commandID := s.NewID()
	if entityID == "" {
		// For create, make the entity ID stable and explicit for later
		// update/delete.
		entityID = commandID
	}

	cmd := contracts.EntityCommand{
		CommandID:   commandID,
		EntityID:    entityID,
		CoupleID:    coupleID,
		Kind:        kind,
		Action:      action,
		ActorUserID: actor.UserID,
		ActorName:   actor.Username,
		Payload:     req.Payload,
		CreatedAt:   s.Now(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return CommandResponse{}, err
	}

	subject := sharding.GetSubject("couple", coupleID)
	if err := s.Publish(subject, payload); err != nil {
		return CommandResponse{}, err
	}

	return CommandResponse{
		Status:    "accepted",
		CommandID: cmd.CommandID,
		EntityID:  cmd.EntityID,
	}, nil
}
