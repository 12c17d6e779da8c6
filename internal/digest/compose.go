package digest

import (
	"bytes"
	"fmt"
	"time"

	"github.com/emersion/go-message/mail"

	"flockcast/internal/storage"
)

// composeDigest renders one recipient's pending notifications as a plain-text
// MIME message.
func composeDigest(from string, to storage.Person, items []storage.Notification, now time.Time) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Name: to.Name, Address: to.Email}})
	if len(items) == 1 {
		h.SetSubject("You have 1 new notification")
	} else {
		h.SetSubject(fmt.Sprintf("You have %d new notifications", len(items)))
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}
	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	part, err := iw.CreatePart(th)
	if err != nil {
		return nil, err
	}

	if to.Name != "" {
		fmt.Fprintf(part, "Hi %s,\n\n", to.Name)
	}
	fmt.Fprintf(part, "Here is what you missed:\n\n")
	for _, n := range items {
		fmt.Fprintf(part, "  - %s\n", n.Message)
		if n.Link != "" {
			fmt.Fprintf(part, "    %s\n", n.Link)
		}
	}
	fmt.Fprintf(part, "\nYou are receiving this because of your notification preferences.\n")

	if err := part.Close(); err != nil {
		return nil, err
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
