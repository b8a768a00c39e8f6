package pipeline

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// State is a step of the run state machine.
type State int

const (
	StateIdle State = iota
	StateCollectingSources
	StateDumpingDatabase
	StateArchiving
	StateEncrypting
	StateDelivering
	StateCleaningUp
	StateCompleted
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:              "Idle",
	StateCollectingSources: "CollectingSources",
	StateDumpingDatabase:   "DumpingDatabase",
	StateArchiving:         "Archiving",
	StateEncrypting:        "Encrypting",
	StateDelivering:        "Delivering",
	StateCleaningUp:        "CleaningUp",
	StateCompleted:         "Completed",
	StateFailed:            "Failed",
}

// transitions lists the allowed successors of each state.
var transitions = map[State][]State{
	// Idle -> Completed only for dry runs; Idle -> Failed before any side effect.
	StateIdle:              {StateCollectingSources, StateCompleted, StateFailed},
	StateCollectingSources: {StateDumpingDatabase, StateCleaningUp},
	StateDumpingDatabase:   {StateArchiving, StateCleaningUp},
	StateArchiving:         {StateEncrypting, StateDelivering, StateCleaningUp},
	StateEncrypting:        {StateDelivering, StateCleaningUp},
	StateDelivering:        {StateCleaningUp},
	StateCleaningUp:        {StateCompleted, StateFailed},
}

var titleCaser = cases.Title(language.English)

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Label returns the state as spaced words, e.g. "Collecting Sources".
func (s State) Label() string {
	var b strings.Builder
	for i, r := range s.String() {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteByte(' ')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return titleCaser.String(b.String())
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
