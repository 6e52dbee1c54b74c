package whatsapp

import "encoding/json"

// Requests and responses for the WhatsApp Graph API messages/media endpoints.
// Only the fields this integration reads are mapped.

type textBody struct {
	Body string `json:"body"`
}

type mediaBody struct {
	ID       string `json:"id"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type sendMessageRequest struct {
	MessagingProduct string          `json:"messaging_product"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Text             *textBody       `json:"text,omitempty"`
	Image            *mediaBody      `json:"image,omitempty"`
	Audio            *mediaBody      `json:"audio,omitempty"`
	Document         *mediaBody      `json:"document,omitempty"`
	Template         json.RawMessage `json:"template,omitempty"`
}

type sendMessageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type uploadMediaResponse struct {
	ID string `json:"id"`
}

type mediaInfoResponse struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}
