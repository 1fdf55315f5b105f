package spawner

import (
	"fmt"

	"github.com/codeready-toolchain/pilotd/pkg/promptfmt"
)

// CapsuleInput is the minimal context a freshly spawned agent needs to
// orient itself: which task it owns, why it was spawned, and anything
// the scheduler already knows that would save it a round-trip.
type CapsuleInput struct {
	TaskID      string
	TaskTitle   string
	Role        string
	Rationale   string
	Constraints []string
}

// BuildCapsule renders in as the plain-text prompt payload piped to a
// newly spawned agent's stdin, in the same declarative-sections style as
// checkpoint.BuildRestorationPrompt.
func BuildCapsule(in CapsuleInput) string {
	return promptfmt.Build("New task assignment", []promptfmt.Section{
		{Title: "Task", Body: fmt.Sprintf("%s: %s", in.TaskID, in.TaskTitle)},
		{Title: "Role", Body: in.Role},
		{Title: "Why you", Body: in.Rationale},
		{Title: "Constraints", Body: promptfmt.Bullets(in.Constraints)},
	})
}
