package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// VerifySignature checks X-Twilio-Signature: base64(HMAC-SHA1(authToken,
// fullURL + each sorted form key immediately followed by its value)).
func VerifySignature(authToken, fullURL, provided string, form url.Values) bool {
	if authToken == "" || provided == "" {
		return false
	}
	expected := Sign(authToken, fullURL, form)
	return hmac.Equal([]byte(expected), []byte(provided))
}

// Sign computes the signature Twilio sends for a callback.
func Sign(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
