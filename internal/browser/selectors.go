package browser

import (
	"net/url"
	"strings"
)

// SelectorSet contains the URL and CSS selectors for the chat web client.
type SelectorSet struct {
	URL           string // client home page
	SendURL       string // compose deep link; phone and text are appended as query params
	LoginQR       string // QR code shown while logged out
	ComposeInput  string // message box in an open chat
	SentIndicator string // tick shown once a message left the outbox
}

// WhatsAppSelectors returns the defaults for WhatsApp Web.
func WhatsAppSelectors() SelectorSet {
	return SelectorSet{
		URL:           "https://web.whatsapp.com",
		SendURL:       "https://web.whatsapp.com/send",
		LoginQR:       "div[data-ref] canvas, canvas[aria-label*='Scan']",
		ComposeInput:  "footer div[contenteditable='true'][data-tab]",
		SentIndicator: "span[data-icon='msg-check'], span[data-icon='msg-dblcheck'], span[data-icon='msg-time']",
	}
}

// WithOverrides returns a copy with any non-empty override applied.
// Keys: url, sendUrl, loginQr, composeInput, sentIndicator.
func (s SelectorSet) WithOverrides(overrides map[string]string) SelectorSet {
	if v, ok := overrides["url"]; ok && v != "" {
		s.URL = v
	}
	if v, ok := overrides["sendUrl"]; ok && v != "" {
		s.SendURL = v
	}
	if v, ok := overrides["loginQr"]; ok && v != "" {
		s.LoginQR = v
	}
	if v, ok := overrides["composeInput"]; ok && v != "" {
		s.ComposeInput = v
	}
	if v, ok := overrides["sentIndicator"]; ok && v != "" {
		s.SentIndicator = v
	}
	return s
}

// ComposeURL builds the deep link that opens a chat with text pre-filled.
func (s SelectorSet) ComposeURL(phone, text string) string {
	q := url.Values{}
	q.Set("phone", phone)
	q.Set("text", text)
	base := s.SendURL
	if base == "" {
		base = strings.TrimRight(s.URL, "/") + "/send"
	}
	return base + "?" + q.Encode()
}
