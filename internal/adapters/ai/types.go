package ai

// ChatSummary is the view of a conversation handed to the generation
// service: the client profile plus recent history, oldest first.
type ChatSummary struct {
	ClientName  string           `json:"client_name"`
	ClientPhone string           `json:"client_phone"`
	Messages    []SummaryMessage `json:"messages"`
}

// SummaryMessage is one history entry inside a ChatSummary.
type SummaryMessage struct {
	Author     string `json:"author"` // "client", "user" or "ai"
	Text       string `json:"text"`
	MediaKind  string `json:"media_kind,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	SentAt     string `json:"sent_at"`
}

// GenerationMetadata carries the structured decisions attached to a reply.
type GenerationMetadata struct {
	ToolsUsed        []string `json:"toolsUsed"`
	TransferToHuman  bool     `json:"transferToHuman"`
	TicketCreated    bool     `json:"ticketCreated"`
	EscalationReason string   `json:"escalationReason,omitempty"`
}

// GenerationResult is the structured outcome of one AI turn.
type GenerationResult struct {
	Success  bool               `json:"success"`
	Message  string             `json:"message"`
	Metadata GenerationMetadata `json:"metadata"`
	Error    string             `json:"error,omitempty"`
	Details  string             `json:"details,omitempty"`
}

// MediaAnalysis is the extracted content of one attachment.
type MediaAnalysis struct {
	Transcript string `json:"transcript"`
	Summary    string `json:"summary"`
}

type generateRequest struct {
	Chat ChatSummary `json:"chat"`
}

type analyzeRequest struct {
	Data     []byte `json:"data"`
	Mime     string `json:"mime"`
	Filename string `json:"filename,omitempty"`
}

type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
