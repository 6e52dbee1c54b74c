package whatsapp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// MediaCategory is the provider media category for outbound attachments.
type MediaCategory string

const (
	MediaImage    MediaCategory = "image"
	MediaAudio    MediaCategory = "audio"
	MediaDocument MediaCategory = "document"
)

// CategoryForMime maps a MIME type onto the provider media category.
// Everything that is not image/* or audio/* goes out as a document.
func CategoryForMime(mime string) MediaCategory {
	switch {
	case len(mime) > 6 && mime[:6] == "image/":
		return MediaImage
	case len(mime) > 6 && mime[:6] == "audio/":
		return MediaAudio
	default:
		return MediaDocument
	}
}

// Client is a thin wrapper around the WhatsApp Graph API messages and media
// endpoints, scoped by a bearer access token. Calls are single attempts;
// retry policy belongs to the caller.
type Client struct {
	httpClient  *resty.Client
	baseURL     string
	accessToken string
}

// NewClient creates a new WhatsApp Graph API client.
func NewClient(baseURL, accessToken string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("WhatsApp baseURL cannot be empty")
	}
	if accessToken == "" {
		return nil, fmt.Errorf("WhatsApp accessToken cannot be empty")
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(accessToken).
		SetTimeout(15 * time.Second)

	log.Info().Str("baseURL", baseURL).Msg("WhatsApp client configured")

	return &Client{
		httpClient:  httpClient,
		baseURL:     baseURL,
		accessToken: accessToken,
	}, nil
}

func (c *Client) postMessage(phoneNumberID string, req *sendMessageRequest) (string, error) {
	url := fmt.Sprintf("/%s/messages", phoneNumberID)

	resp, err := c.httpClient.R().
		SetBody(req).
		SetResult(&sendMessageResponse{}).
		SetError(&apiError{}).
		Post(url)
	if err != nil {
		return "", fmt.Errorf("WhatsApp API request failed: %w", err)
	}
	if resp.IsError() {
		apiErr := resp.Error().(*apiError)
		log.Error().
			Str("phoneNumberID", phoneNumberID).
			Str("type", req.Type).
			Int("statusCode", resp.StatusCode()).
			Str("providerError", apiErr.Error.Message).
			Msg("WhatsApp API returned an error")
		return "", fmt.Errorf("WhatsApp API error: status %s: %s", resp.Status(), apiErr.Error.Message)
	}

	result := resp.Result().(*sendMessageResponse)
	if len(result.Messages) == 0 {
		return "", fmt.Errorf("WhatsApp API returned no message id")
	}
	return result.Messages[0].ID, nil
}

// SendText sends a plain text message and returns the provider message id.
func (c *Client) SendText(phoneNumberID, toPhone, body string) (string, error) {
	id, err := c.postMessage(phoneNumberID, &sendMessageRequest{
		MessagingProduct: "whatsapp",
		To:               toPhone,
		Type:             "text",
		Text:             &textBody{Body: body},
	})
	if err != nil {
		return "", err
	}
	log.Debug().Str("phoneNumberID", phoneNumberID).Str("providerMessageID", id).Msg("Text message sent")
	return id, nil
}

// SendMedia sends a previously uploaded media object and returns the
// provider message id. Caption applies to image and document sends; filename
// only to documents.
func (c *Client) SendMedia(phoneNumberID, toPhone, mediaID string, category MediaCategory, caption, filename string) (string, error) {
	req := &sendMessageRequest{
		MessagingProduct: "whatsapp",
		To:               toPhone,
		Type:             string(category),
	}
	switch category {
	case MediaImage:
		req.Image = &mediaBody{ID: mediaID, Caption: caption}
	case MediaAudio:
		req.Audio = &mediaBody{ID: mediaID}
	default:
		req.Document = &mediaBody{ID: mediaID, Caption: caption, Filename: filename}
	}

	id, err := c.postMessage(phoneNumberID, req)
	if err != nil {
		return "", err
	}
	log.Debug().
		Str("phoneNumberID", phoneNumberID).
		Str("mediaID", mediaID).
		Str("category", string(category)).
		Str("providerMessageID", id).
		Msg("Media message sent")
	return id, nil
}

// SendTemplate sends a prebuilt template payload unchanged and returns the
// provider message id. Templates are the only way to message a customer
// whose 24h window has lapsed.
func (c *Client) SendTemplate(phoneNumberID, toPhone string, payload json.RawMessage) (string, error) {
	id, err := c.postMessage(phoneNumberID, &sendMessageRequest{
		MessagingProduct: "whatsapp",
		To:               toPhone,
		Type:             "template",
		Template:         payload,
	})
	if err != nil {
		return "", err
	}
	log.Debug().Str("phoneNumberID", phoneNumberID).Str("providerMessageID", id).Msg("Template message sent")
	return id, nil
}

// UploadMedia uploads raw bytes to the provider and returns the provider
// media id to reference in a later SendMedia.
func (c *Client) UploadMedia(phoneNumberID string, data []byte, mime, filename string) (string, error) {
	url := fmt.Sprintf("/%s/media", phoneNumberID)

	resp, err := c.httpClient.R().
		SetFileReader("file", filename, bytes.NewReader(data)).
		SetFormData(map[string]string{
			"messaging_product": "whatsapp",
			"type":              mime,
		}).
		SetResult(&uploadMediaResponse{}).
		SetError(&apiError{}).
		Post(url)
	if err != nil {
		return "", fmt.Errorf("WhatsApp media upload failed: %w", err)
	}
	if resp.IsError() {
		apiErr := resp.Error().(*apiError)
		return "", fmt.Errorf("WhatsApp media upload error: status %s: %s", resp.Status(), apiErr.Error.Message)
	}

	result := resp.Result().(*uploadMediaResponse)
	log.Debug().
		Str("phoneNumberID", phoneNumberID).
		Str("mediaID", result.ID).
		Str("mime", mime).
		Int("size", len(data)).
		Msg("Media uploaded to provider")
	return result.ID, nil
}

// DownloadMedia resolves a provider media id to its transient URL and
// downloads the bytes. Returns data, mime type and size.
func (c *Client) DownloadMedia(providerMediaID string) ([]byte, string, int64, error) {
	infoResp, err := c.httpClient.R().
		SetResult(&mediaInfoResponse{}).
		SetError(&apiError{}).
		Get("/" + providerMediaID)
	if err != nil {
		return nil, "", 0, fmt.Errorf("WhatsApp media info request failed: %w", err)
	}
	if infoResp.IsError() {
		return nil, "", 0, fmt.Errorf("WhatsApp media info error: status %s", infoResp.Status())
	}
	info := infoResp.Result().(*mediaInfoResponse)

	// The download URL is absolute and short-lived; it still requires the
	// same bearer token.
	dlResp, err := resty.New().
		SetAuthToken(c.accessToken).
		SetTimeout(30 * time.Second).
		R().
		Get(info.URL)
	if err != nil {
		return nil, "", 0, fmt.Errorf("WhatsApp media download failed: %w", err)
	}
	if dlResp.IsError() {
		return nil, "", 0, fmt.Errorf("WhatsApp media download error: status %s", dlResp.Status())
	}

	data := dlResp.Body()
	log.Debug().
		Str("providerMediaID", providerMediaID).
		Str("mime", info.MimeType).
		Int("size", len(data)).
		Msg("Media downloaded from provider")
	return data, info.MimeType, int64(len(data)), nil
}
