package types

// Event represents a structured state change emitted by the protocol engines.
// Attributes carry the entity identifiers and amounts involved in the
// transition so downstream indexers never need to re-read state.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
