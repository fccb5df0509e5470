package router

import (
	"encoding/json"
	"time"
)

// Failure is one entry of the x-failure-history header.
type Failure struct {
	Attempt int          `json:"attempt"`
	Class   FailureClass `json:"class"`
	Error   string       `json:"error"`
	At      time.Time    `json:"at"`
}

// ParseHistory reads a failure history header. A corrupt header yields an
// empty history rather than blocking the delivery.
func ParseHistory(raw string) []Failure {
	if raw == "" {
		return nil
	}
	var history []Failure
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return nil
	}
	return history
}

func encodeHistory(history []Failure) string {
	raw, err := json.Marshal(history)
	if err != nil {
		return "[]"
	}
	return string(raw)
}
