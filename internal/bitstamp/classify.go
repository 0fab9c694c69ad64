package bitstamp

import (
	"bytes"
	"regexp"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/lykkecity/bitstamp-adapter/errs"
)

// Bitstamp reports business failures inside 200 responses, either as a
// top-level "error" string or as {"status":"error","reason":...}. The reason
// value may be a string, or an object whose values are arrays of messages.

var balancePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^You have only [\d\-\.]+ \w+ available. Check your account balance for details.$`),
	regexp.MustCompile(`^You need [\d\-\.]+ \w+ to open that order. You have only [\d\-\.]+ \w+ available.`),
}

var pricePrefixes = []string{
	"Ensure that there are no more than",
	"Price is more than",
}

// ExtractError returns the business error message embedded in a 200 body,
// if any. The "error" field wins over the status/reason envelope.
func ExtractError(body []byte) (string, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", false
	}
	var envelope struct {
		Error  string          `json:"error"`
		Status string          `json:"status"`
		Reason json.RawMessage `json:"reason"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return "", false
	}
	if strings.TrimSpace(envelope.Error) != "" {
		return envelope.Error, true
	}
	if envelope.Status == "error" {
		if msg := firstReason(envelope.Reason); msg != "" {
			return msg, true
		}
	}
	return "", false
}

// firstReason flattens the reason value into candidate messages and returns
// the first one. Object reasons contribute their array-valued members in
// document order before the raw rendering of the whole value.
func firstReason(raw json.RawMessage) string {
	for _, msg := range flattenReason(raw) {
		if strings.TrimSpace(msg) != "" {
			return msg
		}
	}
	return ""
}

func flattenReason(raw json.RawMessage) []string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	var out []string
	if trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		if tok, err := dec.Token(); err == nil && tok == json.Delim('{') {
			for dec.More() {
				if _, err := dec.Token(); err != nil {
					break
				}
				var value json.RawMessage
				if err := dec.Decode(&value); err != nil {
					break
				}
				out = append(out, arrayMessages(value)...)
			}
		}
	}
	out = append(out, renderReason(trimmed))
	return out
}

func arrayMessages(raw json.RawMessage) []string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil
	}
	var out []string
	for _, item := range items {
		if msg := renderReason(item); strings.TrimSpace(msg) != "" {
			out = append(out, msg)
		}
	}
	return out
}

func renderReason(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}

// ClassifyMessage maps a raw exchange error message onto the adapter error
// taxonomy. Predicate order matters: the first match wins.
func ClassifyMessage(msg string) errs.Code {
	switch {
	case strings.EqualFold(msg, "Order not found"):
		return errs.CodeNotFound
	case isBalanceError(msg):
		return errs.CodeNotEnoughBalance
	case strings.HasPrefix(msg, "Minimum order size is"):
		return errs.CodeVolumeTooSmall
	case isPriceError(msg):
		return errs.CodePriceError
	case hasPrefixFold(msg, "Invalid order id"):
		return errs.CodeOrderIDFormat
	default:
		return errs.CodeAPIError
	}
}

func isBalanceError(msg string) bool {
	for _, re := range balancePatterns {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

func isPriceError(msg string) bool {
	for _, prefix := range pricePrefixes {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}

func hasPrefixFold(msg, prefix string) bool {
	return len(msg) >= len(prefix) && strings.EqualFold(msg[:len(prefix)], prefix)
}

// Classify inspects a 2xx body for an embedded business error and converts
// it into an error envelope. It returns nil when the body carries no error.
func Classify(op string, httpStatus int, body []byte) error {
	msg, found := ExtractError(body)
	if !found {
		return nil
	}
	return errs.New(op, ClassifyMessage(msg),
		errs.WithHTTP(httpStatus),
		errs.WithRawMessage(msg))
}
