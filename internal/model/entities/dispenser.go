package entities

// DispenserState mirrors the firmware state machine on the wire.
type DispenserState string

const (
	StateSearch DispenserState = "search"
	StateActive DispenserState = "active"
	StateReset  DispenserState = "reset"
)
