package models

import (
	"time"
)

// Session tracks one USSD session's menu position and raw input
// history. Every gateway contact overwrites the previous state; the
// gateway never signals termination, so rows are kept until swept.
type Session struct {
	ID              string    `bson:"_id,omitempty" json:"id"`
	SessionID       string    `bson:"session_id" json:"sessionId"`
	PhoneNumber     string    `bson:"phone_number" json:"phoneNumber"`
	UssdCode        string    `bson:"ussd_code" json:"ussdCode"`
	InputHistory    string    `bson:"input_history" json:"inputHistory"`
	CurrentMenu     string    `bson:"current_menu" json:"currentMenu"`
	LastInteraction time.Time `bson:"last_interaction" json:"lastInteraction"`
}
