// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package session

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind is the action a verification session authorizes.
type Kind string

const (
	// KindCreate authorizes issuing a new certificate.
	KindCreate Kind = "create"
	// KindDelete authorizes revoking an existing certificate.
	KindDelete Kind = "delete"
)

// Valid reports whether the kind is one of the known actions.
func (k Kind) Valid() bool {
	return k == KindCreate || k == KindDelete
}

// Purpose is a tagged variant: create, or delete with the target certificate.
// TargetID is only meaningful when Kind is KindDelete.
type Purpose struct {
	Kind     Kind
	TargetID uuid.UUID
}

// CreatePurpose builds the create variant.
func CreatePurpose() Purpose {
	return Purpose{Kind: KindCreate}
}

// DeletePurpose builds the delete variant bound to a certificate.
func DeletePurpose(target uuid.UUID) Purpose {
	return Purpose{Kind: KindDelete, TargetID: target}
}

// purposeWire matches the request payload {type, id?}.
type purposeWire struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// UnmarshalJSON parses the {type, id?} wire form. The id must be a
// well-formed UUID when present; it is rejected for the create variant.
func (p *Purpose) UnmarshalJSON(data []byte) error {
	var wire purposeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	switch Kind(wire.Type) {
	case KindCreate:
		if wire.ID != "" {
			return fmt.Errorf("purpose create takes no id")
		}
		*p = CreatePurpose()
	case KindDelete:
		id, err := uuid.Parse(wire.ID)
		if err != nil {
			return fmt.Errorf("purpose delete requires a valid id: %w", err)
		}
		*p = DeletePurpose(id)
	default:
		return fmt.Errorf("unknown purpose %q", wire.Type)
	}

	return nil
}

// MarshalJSON writes the {type, id?} wire form.
func (p Purpose) MarshalJSON() ([]byte, error) {
	wire := purposeWire{Type: string(p.Kind)}
	if p.Kind == KindDelete {
		wire.ID = p.TargetID.String()
	}
	return json.Marshal(wire)
}
