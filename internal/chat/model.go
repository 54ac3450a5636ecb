// Package chat implements presence and messaging for the chat over the keyed
// topic layer: a presence channel carrying one UserRecord per user and a
// message channel carrying ChatMessage samples.
package chat

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// UserRecord is the presence sample of one user. Username is the instance key.
type UserRecord struct {
	Username  string `json:"username" validate:"required,excludesall= \t\r\n"`
	Group     string `json:"group" validate:"required,excludesall= \t\r\n"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// ChatMessage is a single, non-persistent delivery.
type ChatMessage struct {
	FromUser string `json:"fromUser" validate:"required"`
	ToUser   string `json:"toUser"`
	ToGroup  string `json:"toGroup"`
	Message  string `json:"message" validate:"required"`
}

type PresenceKind string

const (
	Joined PresenceKind = "joined"
	Left   PresenceKind = "left"
)

// PresenceEvent reports a user appearing on or dropping off the presence channel.
// Group is empty for Left events: the user's payload is gone by then.
type PresenceEvent struct {
	Username string       `json:"username"`
	Group    string       `json:"group,omitempty"`
	Kind     PresenceKind `json:"kind"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (u UserRecord) Validate() error {
	if err := validate.Struct(u); err != nil {
		return fmt.Errorf("invalid user record: %w", err)
	}
	return nil
}

func (m ChatMessage) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("invalid chat message: %w", err)
	}
	return nil
}

// AddressedTo reports whether m targets the user u, either by name or by group.
// Messages sent by u also match so senders see their own traffic.
func (m ChatMessage) AddressedTo(u UserRecord) bool {
	return m.FromUser == u.Username || m.ToUser == u.Username || m.ToGroup == u.Group
}
