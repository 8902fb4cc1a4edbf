// Package classify maps vendor replies to a fixed set of intents. Ingestion
// and status aggregation both go through Reply so the two never drift.
package classify

import (
	"strings"

	"leadcast/internal/domain"
)

var rules = []struct {
	phrase string
	kind   domain.ResponseType
}{
	{"HAVE IT", domain.ResponseHaveIt},
	{"NO STOCK", domain.ResponseNoStock},
	{"STOP MESSAGES", domain.ResponseStopMessages},
}

// Classify matches body case-insensitively against the known phrases in
// priority order; the first phrase found wins.
func Classify(body string) domain.ResponseType {
	upper := strings.ToUpper(body)
	for _, r := range rules {
		if strings.Contains(upper, r.phrase) {
			return r.kind
		}
	}
	return domain.ResponseOther
}

// Reply classifies a stored or incoming message. Quick-reply button text is
// checked first, then the button payload, then the free-text body.
func Reply(body, buttonText, buttonPayload string) domain.ResponseType {
	for _, s := range []string{buttonText, buttonPayload, body} {
		if s == "" {
			continue
		}
		if kind := Classify(s); kind != domain.ResponseOther {
			return kind
		}
	}
	return domain.ResponseOther
}

// Message classifies a stored message row.
func Message(m domain.Message) domain.ResponseType {
	return Reply(m.Body, m.ButtonText, m.ButtonPayload)
}
