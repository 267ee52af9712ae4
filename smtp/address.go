// Package smtp provides SMTP email address types and parsing, for composing
// and addressing outgoing report messages.
package smtp

import (
	"errors"
	"strings"

	"github.com/mjl-/mailreport/dns"
)

var ErrBadAddress = errors.New("invalid email address")

// Localpart is a decoded local part of an email address, before the "@".
// For quoted strings, values do not hold the double quote or escaping backslashes.
// An empty string can be a valid localpart.
type Localpart string

// String returns a packed representation of a localpart, with proper
// escaping/quoting, for use in SMTP.
func (lp Localpart) String() string {
	// First we try as dot-string. If not possible we make a quoted-string.
	dotstr := true
	t := strings.Split(string(lp), ".")
	for _, e := range t {
		for _, c := range e {
			if c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c > 0x7f {
				continue
			}
			switch c {
			case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '/', '=', '?', '^', '_', '`', '{', '|', '}', '~':
				continue
			}
			dotstr = false
			break
		}
		dotstr = dotstr && len(e) > 0
	}
	dotstr = dotstr && len(t) > 0
	if dotstr {
		return string(lp)
	}

	// Make quoted-string.
	r := `"`
	for _, b := range lp {
		if b == '"' || b == '\\' {
			r += "\\" + string(b)
		} else {
			r += string(b)
		}
	}
	r += `"`
	return r
}

// IsInternational returns if this is an internationalized local part, i.e. has
// non-ASCII characters.
func (lp Localpart) IsInternational() bool {
	for _, c := range lp {
		if c > 0x7f {
			return true
		}
	}
	return false
}

// Address is a parsed email address.
type Address struct {
	Localpart Localpart
	Domain    dns.Domain // todo: shouldn't we accept an ip address here too? and merge this type into smtp.Path.
}

// NewAddress returns an address.
func NewAddress(localpart Localpart, domain dns.Domain) Address {
	return Address{localpart, domain}
}

// IsZero returns if this is an empty Address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Pack returns the address in string form. If smtputf8 is true, the domain is
// formatted with non-ASCII characters. If localpart has non-ASCII characters,
// they are returned regardless of smtputf8.
func (a Address) Pack(smtputf8 bool) string {
	if a.IsZero() {
		return ""
	}
	return a.Localpart.String() + "@" + a.Domain.XName(smtputf8)
}

// String returns the address in string form with non-ASCII characters.
func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return a.Localpart.String() + "@" + a.Domain.Name()
}

// ParseAddress parses an email address. UTF-8 is allowed.
// Returns ErrBadAddress for invalid addresses.
func ParseAddress(s string) (address Address, err error) {
	lp, rem, err := parseLocalPart(s)
	if err != nil {
		return Address{}, err
	}
	if !strings.HasPrefix(rem, "@") {
		return Address{}, ErrBadAddress
	}
	rem = rem[1:]
	if rem == "" {
		return Address{}, ErrBadAddress
	}
	d, err := dns.ParseDomain(rem)
	if err != nil {
		return Address{}, ErrBadAddress
	}
	return Address{lp, d}, nil
}

func parseLocalPart(s string) (localpart Localpart, remain string, err error) {
	if strings.HasPrefix(s, `"`) {
		// quoted-string.
		var lp string
		i := 1
		for {
			if i >= len(s) {
				return "", "", ErrBadAddress
			}
			c := s[i]
			if c == '\\' {
				if i+1 >= len(s) {
					return "", "", ErrBadAddress
				}
				lp += string(s[i+1])
				i += 2
				continue
			}
			if c == '"' {
				return Localpart(lp), s[i+1:], nil
			}
			lp += string(c)
			i++
		}
	}

	// dot-string.
	var lp string
	for i, c := range s {
		if c == '@' {
			if lp == "" || strings.HasPrefix(lp, ".") || strings.HasSuffix(lp, ".") || strings.Contains(lp, "..") {
				return "", "", ErrBadAddress
			}
			return Localpart(lp), s[i:], nil
		}
		if c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c > 0x7f || c == '.' {
			lp += string(c)
			continue
		}
		switch c {
		case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '/', '=', '?', '^', '_', '`', '{', '|', '}', '~':
			lp += string(c)
			continue
		}
		return "", "", ErrBadAddress
	}
	return "", "", ErrBadAddress
}
