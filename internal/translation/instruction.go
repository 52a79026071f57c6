package translation

import "github.com/normieai/normie-chat/internal/types"

const (
	directInstruction = "You are a helpful assistant that translates between neurotypical and autistic communication styles. " +
		"Rephrase the user's message to be more direct, literal, and unambiguous for an autistic person. " +
		"Only return the translated message."

	contextualInstruction = "You are a helpful assistant that translates between autistic and neurotypical communication styles. " +
		"Rephrase the user's message to add social context, soften blunt statements, and explain literal meanings for a neurotypical person. " +
		"Only return the translated message."

	neutralInstruction = "You are a helpful communication assistant. Rephrase the user's message clearly."
)

// SelectInstruction returns the system instruction for rewriting a message
// sent by a participant with the sender style so it reads naturally to a
// participant with the recipient style. Styles that are equal or
// unrecognized fall back to a neutral rephrase instruction.
func SelectInstruction(sender, recipient types.CommunicationStyle) string {
	switch {
	case sender == types.StyleNeurotypical && recipient == types.StyleAutistic:
		return directInstruction
	case sender == types.StyleAutistic && recipient == types.StyleNeurotypical:
		return contextualInstruction
	default:
		return neutralInstruction
	}
}
