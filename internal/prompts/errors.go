package prompts

import "fmt"

// ErrTemplateNotFound indicates no template exists for the requested agent
// and version.
type ErrTemplateNotFound struct {
	Agent   string
	Version int
}

func (e *ErrTemplateNotFound) Error() string {
	if e.Version == 0 {
		return fmt.Sprintf("no active prompt template for agent %q", e.Agent)
	}
	return fmt.Sprintf("no prompt template for agent %q version %d", e.Agent, e.Version)
}

// ErrSlotMissing indicates a required slot was not supplied at render time.
type ErrSlotMissing struct {
	Agent string
	Slot  string
}

func (e *ErrSlotMissing) Error() string {
	return fmt.Sprintf("prompt for agent %q missing required slot %q", e.Agent, e.Slot)
}
