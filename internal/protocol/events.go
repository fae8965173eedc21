package protocol

import "fmt"

// Event identifies an event frame on the bidirectional TTS service.
type Event int32

const (
	EventNone Event = 0

	EventStartConnection  Event = 1
	EventFinishConnection Event = 2

	EventConnectionStarted  Event = 50
	EventConnectionFailed   Event = 51
	EventConnectionFinished Event = 52

	EventStartSession  Event = 100
	EventCancelSession Event = 101
	EventFinishSession Event = 102

	EventSessionStarted  Event = 150
	EventSessionCanceled Event = 151
	EventSessionFinished Event = 152
	EventSessionFailed   Event = 153

	EventTaskRequest Event = 200

	EventTTSSentenceStart Event = 350
	EventTTSSentenceEnd   Event = 351
	EventTTSResponse      Event = 352
)

func (e Event) String() string {
	switch e {
	case EventStartConnection:
		return "start_connection"
	case EventFinishConnection:
		return "finish_connection"
	case EventConnectionStarted:
		return "connection_started"
	case EventConnectionFailed:
		return "connection_failed"
	case EventConnectionFinished:
		return "connection_finished"
	case EventStartSession:
		return "start_session"
	case EventCancelSession:
		return "cancel_session"
	case EventFinishSession:
		return "finish_session"
	case EventSessionStarted:
		return "session_started"
	case EventSessionCanceled:
		return "session_canceled"
	case EventSessionFinished:
		return "session_finished"
	case EventSessionFailed:
		return "session_failed"
	case EventTaskRequest:
		return "task_request"
	case EventTTSSentenceStart:
		return "tts_sentence_start"
	case EventTTSSentenceEnd:
		return "tts_sentence_end"
	case EventTTSResponse:
		return "tts_response"
	default:
		return fmt.Sprintf("event(%d)", int32(e))
	}
}

func (e Event) connectionLevel() bool {
	switch e {
	case EventStartConnection, EventFinishConnection,
		EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return true
	}
	return false
}

func (e Event) carriesSessionID() bool {
	return !e.connectionLevel()
}

func (e Event) carriesConnectID() bool {
	switch e {
	case EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return true
	}
	return false
}
