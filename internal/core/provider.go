package core

import "context"

const (
	RoleUser  = "user"
	RoleModel = "model"
)

// ChatTurn is one entry of the history sent to the provider. Role is RoleUser or RoleModel;
// providers translate it into their own vocabulary.
type ChatTurn struct {
	Role string
	Text string
}

// ChatStream yields reply fragments in arrival order. Recv returns io.EOF once the
// reply is complete. A stream is single-pass; Close must always be called.
type ChatStream interface {
	Recv() (string, error)
	Close() error
}

// AIProvider is the language-model backend used by chat, search and analysis.
type AIProvider interface {
	StreamChat(ctx context.Context, history []ChatTurn) (ChatStream, error)
	// Embed returns a vector of Dimensions() values.
	Embed(ctx context.Context, text string) ([]float32, error)
	// AnalyzeTranscript returns the raw JSON payload; see ParseAnalysis.
	AnalyzeTranscript(ctx context.Context, transcript string) (string, error)
	Dimensions() int
	Close() error
}

const analysisInstruction = "You analyze chat conversations. Respond with a JSON object with exactly two fields: " +
	`"summary", a one-sentence summary of the conversation, and "key_points", a list of short strings ` +
	"with the key points that were discussed. Provide only the raw JSON object."

func analysisPrompt(transcript string) string {
	return "Analyze the following conversation.\nCONVERSATION:\n" + transcript
}
