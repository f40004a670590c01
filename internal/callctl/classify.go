package callctl

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/livekit/protocol/livekit"

	"github.com/vocalis-ai/vocalis/internal/apperr"
	"github.com/vocalis-ai/vocalis/internal/store"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

// SIP participant attribute keys set by the media plane on telephony
// participants.
const (
	attrSIPCallID           = "sip.callID"
	attrSIPPhoneNumber      = "sip.phoneNumber"
	attrSIPTrunkPhoneNumber = "sip.trunkPhoneNumber"
	attrSIPCallDirection    = "sip.callDirection"
)

// sipIdentityPrefix marks SIP participants whose kind attribute is missing.
const sipIdentityPrefix = "sip_"

// e164 matches a phone number in E.164 form, with an optional leading plus.
var e164 = regexp.MustCompile(`^\+?[1-9]\d{9,14}$`)

// ValidatePhoneNumber strips whitespace and checks the number against E.164.
// Returns the cleaned number or a validation error.
func ValidatePhoneNumber(raw string) (string, error) {
	cleaned := strings.Join(strings.Fields(raw), "")
	if !e164.MatchString(cleaned) {
		return "", apperr.Errorf(apperr.Validation, "phone number %q is not E.164", raw)
	}
	return cleaned, nil
}

// Participant is the media-plane-neutral view of a joined participant.
type Participant struct {
	Identity   string
	Kind       string
	Metadata   string
	Attributes map[string]string
}

// FromLiveKit converts a LiveKit participant into the neutral form the
// classifier works on.
func FromLiveKit(p *livekit.ParticipantInfo) Participant {
	return Participant{
		Identity:   p.Identity,
		Kind:       strings.ToLower(p.Kind.String()),
		Metadata:   p.Metadata,
		Attributes: p.Attributes,
	}
}

// CallInfo is the result of classifying a joined participant.
type CallInfo struct {
	CallType types.CallType

	// Telephony fields, empty for web participants.
	CallerPhoneNumber      string
	DestinationPhoneNumber string
	CallSID                string
	CallDirection          string
	IsTelephony            bool
}

// Classify determines how a participant reached the platform. A participant
// is SIP iff its kind says so or its identity carries the SIP prefix;
// otherwise it is a web caller. SIP participants without an explicit
// direction attribute are inbound: outbound legs are created by this
// process, which tags them.
func Classify(p Participant) CallInfo {
	isSIP := p.Kind == "sip" || strings.HasPrefix(p.Identity, sipIdentityPrefix)
	if !isSIP {
		return CallInfo{CallType: types.CallWeb}
	}

	info := CallInfo{
		CallerPhoneNumber:      p.Attributes[attrSIPPhoneNumber],
		DestinationPhoneNumber: p.Attributes[attrSIPTrunkPhoneNumber],
		CallSID:                p.Attributes[attrSIPCallID],
		CallDirection:          p.Attributes[attrSIPCallDirection],
		IsTelephony:            true,
	}
	if info.CallDirection == "" {
		info.CallDirection = "inbound"
	}
	if info.CallDirection == "outbound" {
		info.CallType = types.CallOutbound
	} else {
		info.CallType = types.CallInbound
	}
	return info
}

// Default greetings per call type, used when the agent does not override.
const (
	greetingInbound  = "Thank you for calling. How may I help you today?"
	greetingOutbound = "Hello! This is an automated call. How are you today?"
	greetingWeb      = "Hi there! How can I help you today?"
)

// GreetingFor selects the greeting for a call: the agent's own greeting when
// set, otherwise the default for the call type.
func GreetingFor(agent *store.Agent, callType types.CallType) string {
	if agent != nil && agent.Greeting != "" {
		return agent.Greeting
	}
	switch callType {
	case types.CallInbound:
		return greetingInbound
	case types.CallOutbound:
		return greetingOutbound
	default:
		return greetingWeb
	}
}

// RoomName derives the deterministic room name for a call so that a router
// can parse the org and agent back out of it.
func RoomName(orgID, agentID, shortRand string) string {
	return fmt.Sprintf("sip_%s_%s_%s", orgID, agentID, shortRand)
}

// ParseRoomName recovers the org and agent ids from a room name produced by
// [RoomName].
func ParseRoomName(room string) (orgID, agentID string, err error) {
	parts := strings.Split(room, "_")
	if len(parts) != 4 || parts[0] != "sip" || parts[1] == "" || parts[2] == "" {
		return "", "", apperr.Errorf(apperr.Validation, "room name %q is not sip_{org}_{agent}_{rand}", room)
	}
	return parts[1], parts[2], nil
}
