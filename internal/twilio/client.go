package twilio

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strings"

	twilio "github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// ErrNotConfigured is returned when calls are attempted without credentials.
var ErrNotConfigured = errors.New("twilio client not initialised")

// Client wraps the Twilio voice operations the dispatcher needs.
type Client struct {
	client     *twilio.RestClient
	validator  *twclient.RequestValidator
	fromNumber string
}

// New creates a Twilio client bound to the configured caller number.
func New(accountSID, authToken, fromNumber string) *Client {
	c := &Client{fromNumber: fromNumber}
	if accountSID == "" || authToken == "" {
		return c
	}
	validator := twclient.NewRequestValidator(authToken)
	c.client = twilio.NewRestClientWithParams(twilio.ClientParams{Username: accountSID, Password: authToken})
	c.validator = &validator
	return c
}

// PlaceCall dials `to` and speaks message once the call is answered. Status
// updates are posted to statusCallback when it is set.
func (c *Client) PlaceCall(ctx context.Context, to, message, statusCallback string) (string, error) {
	if c.client == nil {
		return "", ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sender := normalizeNumber(c.fromNumber)
	if sender == "" {
		return "", fmt.Errorf("twilio caller number is not configured")
	}
	recipient := normalizeNumber(to)
	if recipient == "" {
		return "", fmt.Errorf("recipient number missing or invalid")
	}

	twiml, err := SayTwiML(message)
	if err != nil {
		return "", err
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(recipient)
	params.SetFrom(sender)
	params.SetTwiml(twiml)
	if statusCallback != "" {
		params.SetStatusCallback(statusCallback)
		params.SetStatusCallbackMethod("POST")
		params.SetStatusCallbackEvent([]string{"completed"})
	}

	resp, err := c.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("twilio create call error: %w", err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("twilio create call returned no sid")
	}
	return *resp.Sid, nil
}

// ValidWebhook reports whether a webhook carries a valid X-Twilio-Signature.
// Without credentials every request is accepted.
func (c *Client) ValidWebhook(fullURL string, form url.Values, signature string) bool {
	if c.validator == nil {
		return true
	}
	return c.validator.Validate(fullURL, DecodeForm(form), signature)
}

// SayTwiML renders a TwiML document that reads message aloud.
func SayTwiML(message string) (string, error) {
	doc := struct {
		XMLName xml.Name `xml:"Response"`
		Say     string   `xml:"Say"`
	}{
		Say: strings.TrimSpace(message),
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode twiml: %w", err)
	}
	return xml.Header + string(out), nil
}

// DecodeForm extracts the POST form data into a map for convenience.
func DecodeForm(values url.Values) map[string]string {
	result := make(map[string]string, len(values))
	for key, value := range values {
		if len(value) > 0 {
			result[key] = value[0]
		}
	}
	return result
}

func normalizeNumber(number string) string {
	trimmed := strings.TrimSpace(number)
	trimmed = strings.TrimPrefix(trimmed, "tel:")
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "+") {
		return trimmed
	}
	return "+" + trimmed
}
