// Package hermes holds the topics and message shapes of the Hermes dialogue
// protocol.
package hermes

import "strings"

const (
	IntentPrefix = "hermes/intent"
	AllIntents   = IntentPrefix + "/#"

	StartSession        = "hermes/dialogueManager/startSession"
	SessionStarted      = "hermes/dialogueManager/sessionStarted"
	SessionQueued       = "hermes/dialogueManager/sessionQueued"
	IntentNotRecognized = "hermes/dialogueManager/intentNotRecognized"
	ContinueSession     = "hermes/dialogueManager/continueSession"
	EndSession          = "hermes/dialogueManager/endSession"
	SessionEnded        = "hermes/dialogueManager/sessionEnded"

	AnyHotwordDetected = "hermes/hotword/+/detected"
	AnyPlayFinished    = "hermes/audioServer/+/playFinished"
)

// IntentTopic returns the topic an intent is published on. Passing "#"
// yields the catch-all pattern.
func IntentTopic(name string) string {
	return IntentPrefix + "/" + name
}

// IntentName extracts the intent name from an intent topic.
func IntentName(topic string) (string, bool) {
	name, ok := strings.CutPrefix(topic, IntentPrefix+"/")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

func HotwordDetected(hotwordID string) string {
	return "hermes/hotword/" + hotwordID + "/detected"
}

func PlayFinished(siteID string) string {
	return "hermes/audioServer/" + siteID + "/playFinished"
}

func PlayBytes(siteID, requestID string) string {
	return "hermes/audioServer/" + siteID + "/playBytes/" + requestID
}

// SessionTopics lists every dialogue manager topic; useful for watchers.
func SessionTopics() []string {
	return []string{
		StartSession,
		SessionStarted,
		SessionQueued,
		IntentNotRecognized,
		ContinueSession,
		EndSession,
		SessionEnded,
	}
}
