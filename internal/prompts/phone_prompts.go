package prompts

// AssistantPersona is the system instruction sent with every caller utterance
const AssistantPersona = "You are a helpful AI assistant. Keep your responses concise and conversational."

// Spoken prompts. These are read by the provider's built-in voice, so they
// stay short and free of markup.
const (
	GreetingMessage     = "Hello! I am your AI assistant. How can I help you today?"
	StillProcessingText = "I am still processing your message. Please wait a moment."
	GaveUpMessage       = "I apologize, but I am having trouble processing your message. Please try again later."
)

// Apologies spoken right before the call is ended
const (
	ProcessingErrorText  = "Sorry, there was an error processing your request. Please try again."
	IntakeErrorMessage   = "Sorry, there was an error processing your call. Please try again later."
	StreamSetupErrorText = "Sorry, there was an error setting up the audio stream."
)
