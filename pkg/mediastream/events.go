package mediastream

import (
	"encoding/base64"
	"strconv"
	"strings"

	"voicecall-engine/pkg/conversation"
)

// Event types exchanged with the media transport
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventClear     = "clear"
)

// Event is one JSON frame on the media websocket. Only the fields for the
// event type are populated.
type Event struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSid      string       `json:"streamSid,omitempty"`
	Start          *StartData   `json:"start,omitempty"`
	Media          *MediaData   `json:"media,omitempty"`
	Stop           *StopData    `json:"stop,omitempty"`
	Mark           *MarkPayload `json:"mark,omitempty"`
}

// StartData describes the call carried by the stream
type StartData struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat is the payload encoding announced in start
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaData carries one base64 audio payload
type MediaData struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StopData closes the stream
type StopData struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid"`
}

// MarkPayload names a playback marker
type MarkPayload struct {
	Name string `json:"name"`
}

func mediaEvent(streamSid string, muLaw []byte) Event {
	return Event{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     &MediaData{Payload: base64.StdEncoding.EncodeToString(muLaw)},
	}
}

func clearEvent(streamSid string) Event {
	return Event{Event: EventClear, StreamSid: streamSid}
}

// sessionParams maps the start event onto session parameters. Custom
// parameters come from the TwiML <Parameter> list and are untrusted for
// inbound calls until the manager resolves them.
func sessionParams(start *StartData) conversation.Params {
	custom := start.CustomParameters
	get := func(keys ...string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(custom[k]); v != "" {
				return v
			}
		}
		return ""
	}

	p := conversation.Params{
		CallSID:     start.CallSid,
		StreamSID:   start.StreamSid,
		CampaignID:  get("campaign_id", "campaignId"),
		AgentID:     get("agent_id", "agentId"),
		LeadID:      get("lead_id", "leadId"),
		LeadName:    get("lead_name", "leadName"),
		PhoneNumber: get("phone_number", "phoneNumber", "from"),
		Goal:        get("goal"),
		Purpose:     get("purpose", "call_purpose"),
		Namespace:   get("namespace"),
		Custom:      custom,
	}

	switch strings.ToLower(get("direction")) {
	case "inbound":
		p.Inbound = true
	case "outbound", "outbound-api", "outbound-dial":
		p.Inbound = false
	default:
		if v, err := strconv.ParseBool(get("inbound", "is_inbound")); err == nil {
			p.Inbound = v
		}
	}
	return p
}
