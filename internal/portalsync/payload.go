package portalsync

import (
	"encoding/json"
	"fmt"
	"strings"

	"conveyor/internal/domain"
)

// Sync payload kinds. Each delta between the portal and the case record is
// one of these; unknown shapes are rejected at the boundary.
const (
	KindRegistration      = "registration"
	KindPropertyInterest  = "property_interest"
	KindDocumentUpload    = "document_upload"
	KindMilestoneProgress = "milestone_progress"
)

type RegistrationPayload struct {
	BuyerID              string `json:"buyer_id"`
	ContactEmail         string `json:"contact_email,omitempty"`
	ContactPhone         string `json:"contact_phone,omitempty"`
	NotificationPrefs    string `json:"notification_preference,omitempty"`
	ViewingPreference    string `json:"viewing_preference,omitempty"`
	RegisteredAt         string `json:"registered_at,omitempty"`
	DepositConfirmation  bool   `json:"deposit_confirmed,omitempty"`
	PropertyID           string `json:"property_id,omitempty"`
	SolicitorReferenceID string `json:"solicitor_reference,omitempty"`
}

type PropertyInterestPayload struct {
	BuyerID    string `json:"buyer_id"`
	PropertyID string `json:"property_id"`
	Interest   string `json:"interest"`
	Note       string `json:"note,omitempty"`
}

type DocumentUploadPayload struct {
	RequirementID string `json:"requirement_id"`
	Ref           string `json:"ref"`
	UploadedBy    string `json:"uploaded_by"`
}

type MilestoneProgressPayload struct {
	MilestoneID string `json:"milestone_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// EncodePayload validates a payload against its kind and returns the JSON
// stored on the sync record.
func EncodePayload(kind string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", domain.ValidationError{Field: "payload", Reason: err.Error()}
	}
	if err := ValidatePayload(kind, string(data)); err != nil {
		return "", err
	}
	return string(data), nil
}

// ValidatePayload decodes the stored JSON strictly by kind. Unknown kinds
// and structurally wrong payloads fail as permanent validation errors.
func ValidatePayload(kind, payloadJSON string) error {
	switch kind {
	case KindRegistration:
		var p RegistrationPayload
		if err := decodeStrict(payloadJSON, &p); err != nil {
			return err
		}
		if p.BuyerID == "" {
			return domain.ValidationError{Field: "buyer_id", Reason: "required for registration sync"}
		}
	case KindPropertyInterest:
		var p PropertyInterestPayload
		if err := decodeStrict(payloadJSON, &p); err != nil {
			return err
		}
		if p.BuyerID == "" || p.PropertyID == "" {
			return domain.ValidationError{Field: "payload", Reason: "property interest requires buyer_id and property_id"}
		}
	case KindDocumentUpload:
		var p DocumentUploadPayload
		if err := decodeStrict(payloadJSON, &p); err != nil {
			return err
		}
		if p.RequirementID == "" || p.Ref == "" {
			return domain.ValidationError{Field: "payload", Reason: "document upload requires requirement_id and ref"}
		}
	case KindMilestoneProgress:
		var p MilestoneProgressPayload
		if err := decodeStrict(payloadJSON, &p); err != nil {
			return err
		}
		if p.MilestoneID == "" && p.Name == "" {
			return domain.ValidationError{Field: "payload", Reason: "milestone progress requires milestone_id or name"}
		}
	default:
		return domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown sync kind %q", kind)}
	}
	return nil
}

func decodeStrict(payloadJSON string, dest any) error {
	dec := json.NewDecoder(strings.NewReader(payloadJSON))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return domain.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return nil
}

// payloadFields lists the top-level field names present in the payload, used
// for conflict resolution on inbound records.
func payloadFields(payloadJSON string) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &fields); err != nil {
		return nil, domain.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return fields, nil
}
