// Package merge holds the last-writer-wins decision logic. Given an
// incoming message and the newest timestamp already recorded for the
// target cell, it decides whether the incoming value becomes the cell's
// current value. The message itself always lands in the log; only the
// cell view update is conditional.
package merge

import (
	"github.com/MarcoPoloResearchLab/undertow/internal/hlc"
	"github.com/MarcoPoloResearchLab/undertow/internal/message"
)

// ShouldApply reports whether a message with the given packed timestamp
// wins against the cell's current timestamp. An empty cell always
// accepts. On an exact tie the existing value wins; because packed
// timestamps end in the writing node, true ties only occur between
// byte-identical messages, so the rule is deterministic.
func ShouldApply(incomingTimestamp, currentTimestamp string, cellOccupied bool) bool {
	if !cellOccupied {
		return true
	}
	return hlc.ComparePacked(incomingTimestamp, currentTimestamp) > 0
}

// Winner returns the message that holds the cell under LWW for any
// delivery order: the one with the greatest packed timestamp. The
// second return is false for an empty slice. Messages targeting
// different cells are not distinguished; callers group per cell.
func Winner(messages []message.Message) (message.Message, bool) {
	if len(messages) == 0 {
		return message.Message{}, false
	}
	winner := messages[0]
	for _, candidate := range messages[1:] {
		if hlc.ComparePacked(candidate.LocalTimestamp, winner.LocalTimestamp) > 0 {
			winner = candidate
		}
	}
	return winner, true
}
