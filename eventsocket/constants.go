package eventsocket

// Canonical (normalized) header names for the FreeSWITCH event fields every
// application touches, adapted from the teacher's FsEventMapSize header
// table. This rewrite represents headers as a normalized string-keyed map
// rather than a fixed-size indexed array, so the table is re-expressed as
// plain string constants: ergonomic, typo-proof access to the same field
// set, not a lookup index.
const (
	HeaderEventName          = "event-name"
	HeaderEventSubclass      = "event-subclass"
	HeaderEventDateGMT       = "event-date-gmt"
	HeaderEventDateTimestamp = "event-date-timestamp"
	HeaderCoreUUID           = "core-uuid"
	HeaderFreeswitchIPv4     = "freeswitch-ipv4"

	HeaderAnswerState         = "answer-state"
	HeaderApplication         = "application"
	HeaderApplicationData     = "application-data"
	HeaderApplicationResponse = "application-response"
	HeaderApplicationUUID     = "application-uuid"
	HeaderCallDirection       = "call-direction"
	HeaderCallerANI           = "caller-ani"
	HeaderCallerDestNumber    = "caller-destination-number"
	HeaderCallerUniqueID      = "caller-unique-id"
	HeaderChannelCallState    = "channel-call-state"
	HeaderChannelCallUUID     = "channel-call-uuid"
	HeaderChannelName         = "channel-name"
	HeaderChannelState        = "channel-state"
	HeaderChannelStateNumber  = "channel-state-number"
	HeaderDTMFDigit           = "dtmf-digit"
	HeaderHangupCause         = "hangup-cause"
	HeaderJobUUID             = "job-uuid"
	HeaderOtherLegUniqueID    = "other-leg-unique-id"
	HeaderOtherLegDestNumber  = "other-leg-destination-number"
	HeaderUniqueID            = "unique-id"

	HeaderContentType   = "content-type"
	HeaderContentLength = "content-length"
	HeaderReplyText     = "reply-text"
)

// specialEventNames is the fixed set of event names a connection tracks as
// "known enabled", so the request façade can skip a redundant subscription
// before issuing bgapi/call-execute.
var specialEventNames = map[string]bool{
	"LOG":                      true,
	"BACKGROUND_JOB":           true,
	"CHANNEL_EXECUTE":          true,
	"CHANNEL_EXECUTE_COMPLETE": true,
	"CHANNEL_HANGUP":           true,
	"CHANNEL_HANGUP_COMPLETE":  true,
}
