package reconcile

import (
	"mime"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/charset"

	"github.com/lu-zhengda/mailcore/internal/domain"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// decodeHeader decodes RFC 2047 encoded words. Undecodable input is
// returned unchanged.
func decodeHeader(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}
	out, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return out
}

// parseAddress parses an RFC 5322 address string into a domain Address.
// Falls back to treating the entire string as a bare email if parsing fails.
func parseAddress(s string) domain.Address {
	s = strings.TrimSpace(s)
	if s == "" {
		return domain.Address{}
	}

	addr, err := mail.ParseAddress(s)
	if err != nil {
		// Fallback: "Name <email>" with an unparseable name, else bare email.
		if i := strings.LastIndex(s, "<"); i >= 0 && strings.HasSuffix(s, ">") {
			return domain.Address{
				Name:  decodeHeader(strings.Trim(strings.TrimSpace(s[:i]), `"`)),
				Email: strings.TrimSpace(s[i+1 : len(s)-1]),
			}
		}
		return domain.Address{Email: s}
	}
	return domain.Address{
		Name:  decodeHeader(addr.Name),
		Email: addr.Address,
	}
}

// parseAddressList parses a comma-separated list of RFC 5322 addresses.
func parseAddressList(s string) []domain.Address {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	parsed, err := mail.ParseAddressList(s)
	if err != nil {
		// Fallback: split by comma and parse individually
		parts := strings.Split(s, ",")
		var addrs []domain.Address
		for _, p := range parts {
			if a := parseAddress(p); a.Email != "" {
				addrs = append(addrs, a)
			}
		}
		return addrs
	}

	addrs := make([]domain.Address, 0, len(parsed))
	for _, a := range parsed {
		addrs = append(addrs, domain.Address{
			Name:  decodeHeader(a.Name),
			Email: a.Address,
		})
	}
	return addrs
}

// toAddress accepts a string, an object with name/email style keys, or a
// list of either (first wins).
func toAddress(v any) domain.Address {
	switch x := v.(type) {
	case string:
		return parseAddress(x)
	case map[string]any:
		r := record(x)
		email := r.str("email", "address", "addr", "emailAddress")
		if email == "" {
			mailbox, host := r.str("mailbox", "mailboxName", "local"), r.str("host", "hostName", "domain")
			if mailbox != "" && host != "" {
				email = mailbox + "@" + host
			}
		}
		name := decodeHeader(r.str("name", "displayName", "display_name", "personalName"))
		if email == "" && name != "" && strings.Contains(name, "@") {
			return parseAddress(name)
		}
		return domain.Address{Name: name, Email: email}
	case []any:
		for _, item := range x {
			if a := toAddress(item); !a.IsZero() {
				return a
			}
		}
	}
	return domain.Address{}
}

func toAddressList(v any) []domain.Address {
	switch x := v.(type) {
	case string:
		return parseAddressList(x)
	case []any:
		var out []domain.Address
		for _, item := range x {
			if s, ok := item.(string); ok {
				out = append(out, parseAddressList(s)...)
				continue
			}
			if a := toAddress(item); a.Email != "" {
				out = append(out, a)
			}
		}
		return out
	case map[string]any:
		if a := toAddress(x); a.Email != "" {
			return []domain.Address{a}
		}
	}
	return nil
}

var dateFormats = []string{
	time.RFC1123Z,                           // "Mon, 02 Jan 2006 15:04:05 -0700"
	time.RFC1123,                            // "Mon, 02 Jan 2006 15:04:05 MST"
	time.RFC822Z,                            // "02 Jan 06 15:04 -0700"
	time.RFC822,                             // "02 Jan 06 15:04 MST"
	"Mon, 2 Jan 2006 15:04:05 -0700",        // single-digit day
	"Mon, 2 Jan 2006 15:04:05 MST",          // single-digit day with named zone
	"2 Jan 2006 15:04:05 -0700",             // no weekday
	time.RFC3339Nano,                        // ISO 8601
	"2006-01-02 15:04:05",                   // SQL style
	"Mon, 02 Jan 2006 15:04:05 -0700 (MST)", // with parenthesized zone
}

// parseDate tries multiple date formats commonly used in email headers.
func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromEpoch(n)
	}
	for _, format := range dateFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	if t, err := mail.ParseDate(s); err == nil {
		return t
	}
	return time.Time{}
}

// fromEpoch accepts seconds or milliseconds.
func fromEpoch(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
