// Package intent defines the closed set of typed action requests the
// pipeline can dispatch, the strict JSON schema they arrive in from the LLM
// endpoint, and the client that talks to that endpoint.
package intent

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/SearocIsMe/elderly-companion/internal/policy"
	"github.com/SearocIsMe/elderly-companion/pkg/domain"
	dErrors "github.com/SearocIsMe/elderly-companion/pkg/domain-errors"
)

// Kind discriminates the intent sum. The set is closed; anything else is a
// schema violation.
type Kind string

// Intent kinds.
const (
	KindSmartHome     Kind = "smart.home"
	KindAssistMove    Kind = "assist.move"
	KindCallEmergency Kind = "call.emergency"
	KindChat          Kind = "chat"
)

// Move speeds accepted for assist.move.
var validSpeeds = map[string]bool{"slow": true, "normal": true}

// Chat styles accepted for chat intents.
var validStyles = map[string]bool{"general": true, "comfort": true, "joke": true, "story": true}

// Intent is one typed action request. Exactly the fields relevant to Kind
// are set; the rest stay zero.
type Intent struct {
	Kind    Kind
	Device  domain.DeviceID
	Action  string
	Room    domain.RoomID
	Target  string
	Speed   string
	Callee  domain.ContactID
	Reason  string
	Style   string
	Confirm bool
}

// Wire shapes, one per kind, decoded with unknown fields disallowed so the
// schema stays closed.
type wireEnvelope struct {
	Intent string `json:"intent"`
}

type wireSmartHome struct {
	Intent  string `json:"intent"`
	Device  string `json:"device"`
	Action  string `json:"action"`
	Room    string `json:"room"`
	Confirm bool   `json:"confirm"`
}

type wireAssistMove struct {
	Intent  string `json:"intent"`
	Target  string `json:"target"`
	Speed   string `json:"speed"`
	Confirm bool   `json:"confirm"`
}

type wireCallEmergency struct {
	Intent  string `json:"intent"`
	Callee  string `json:"callee"`
	Reason  string `json:"reason"`
	Confirm bool   `json:"confirm"`
}

type wireChat struct {
	Intent string `json:"intent"`
	Style  string `json:"style"`
}

// DecodeStrict parses an intent reply. It enforces: a single JSON object, no
// trailing tokens, no unknown fields, a known kind, and all kind-required
// fields present.
func DecodeStrict(data []byte) (Intent, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Intent{}, dErrors.Wrap(dErrors.CodeBadRequest, "intent reply is not a JSON object", err)
	}

	switch Kind(env.Intent) {
	case KindSmartHome:
		var w wireSmartHome
		if err := strictUnmarshal(data, &w); err != nil {
			return Intent{}, err
		}
		if w.Device == "" || w.Action == "" || w.Room == "" {
			return Intent{}, dErrors.New(dErrors.CodeBadRequest, "smart.home intent requires device, action, and room")
		}
		return Intent{
			Kind:    KindSmartHome,
			Device:  domain.DeviceID(w.Device),
			Action:  w.Action,
			Room:    domain.RoomID(w.Room),
			Confirm: w.Confirm,
		}, nil
	case KindAssistMove:
		var w wireAssistMove
		if err := strictUnmarshal(data, &w); err != nil {
			return Intent{}, err
		}
		if w.Target == "" {
			return Intent{}, dErrors.New(dErrors.CodeBadRequest, "assist.move intent requires target")
		}
		if w.Speed == "" {
			w.Speed = "normal"
		}
		if !validSpeeds[w.Speed] {
			return Intent{}, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("assist.move speed %q not permitted", w.Speed))
		}
		return Intent{Kind: KindAssistMove, Target: w.Target, Speed: w.Speed, Confirm: w.Confirm}, nil
	case KindCallEmergency:
		var w wireCallEmergency
		if err := strictUnmarshal(data, &w); err != nil {
			return Intent{}, err
		}
		if w.Callee == "" || w.Reason == "" {
			return Intent{}, dErrors.New(dErrors.CodeBadRequest, "call.emergency intent requires callee and reason")
		}
		if !w.Confirm {
			return Intent{}, dErrors.New(dErrors.CodeBadRequest, "call.emergency intent requires confirm=true")
		}
		return Intent{Kind: KindCallEmergency, Callee: domain.ContactID(w.Callee), Reason: w.Reason, Confirm: true}, nil
	case KindChat:
		var w wireChat
		if err := strictUnmarshal(data, &w); err != nil {
			return Intent{}, err
		}
		if w.Style == "" {
			w.Style = "general"
		}
		if !validStyles[w.Style] {
			return Intent{}, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("unknown chat style %q", w.Style))
		}
		return Intent{Kind: KindChat, Style: w.Style}, nil
	default:
		return Intent{}, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("unknown intent kind %q", env.Intent))
	}
}

// strictUnmarshal decodes into dst rejecting unknown fields and trailing
// tokens.
func strictUnmarshal(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return dErrors.Wrap(dErrors.CodeBadRequest, "intent reply violates schema", err)
	}
	if dec.More() {
		return dErrors.New(dErrors.CodeBadRequest, "trailing tokens after intent object")
	}
	return nil
}

// ValidateAgainst checks an intent's vocabulary against the policy snapshot
// whitelists. The guard performs the deeper checks; this is the schema-level
// gate shared by the LLM path and the direct-rule path.
func (it Intent) ValidateAgainst(snap *policy.Snapshot) error {
	switch it.Kind {
	case KindSmartHome:
		dev, ok := snap.Device(it.Device)
		if !ok {
			return dErrors.New(dErrors.CodePolicyViolation, fmt.Sprintf("device %q not in policy", it.Device))
		}
		if !dev.Allows(it.Action) {
			return dErrors.New(dErrors.CodePolicyViolation, fmt.Sprintf("device %q does not allow action %q", it.Device, it.Action))
		}
		if it.Room.IsNil() {
			return dErrors.New(dErrors.CodePolicyViolation, "smart.home intent requires a room")
		}
		if dev.Room != it.Room {
			return dErrors.New(dErrors.CodePolicyViolation, fmt.Sprintf("device %q is not in room %q", it.Device, it.Room))
		}
	case KindAssistMove:
		if !snap.MoveTargets[it.Target] {
			return dErrors.New(dErrors.CodePolicyViolation, fmt.Sprintf("move target %q not in policy", it.Target))
		}
	case KindCallEmergency:
		if _, ok := snap.Contact(it.Callee); !ok {
			return dErrors.New(dErrors.CodePolicyViolation, fmt.Sprintf("callee %q not in contact ladder", it.Callee))
		}
	case KindChat:
		// No vocabulary to check.
	default:
		return dErrors.New(dErrors.CodeBadRequest, "unknown intent kind")
	}
	return nil
}
