package message

import (
	"net/mail"
	"strings"

	"github.com/crowmail/crow/mlog"
)

// Address is a parsed address in ENVELOPE form: display name, localpart and
// domain.
type Address struct {
	Name string
	User string
	Host string
}

// ParseAddressList parses an address header value. Unparsable values return
// nil rather than an error: envelopes tolerate missing fields.
func ParseAddressList(log mlog.Log, s string) []Address {
	if s == "" {
		return nil
	}
	parser := mail.AddressParser{WordDecoder: &wordDecoder}
	l, err := parser.ParseList(s)
	if err != nil {
		log.Debugx("parsing address list", err)
		return nil
	}
	var r []Address
	for _, a := range l {
		var user, host string
		if i := strings.LastIndex(a.Address, "@"); i >= 0 {
			user = a.Address[:i]
			host = a.Address[i+1:]
		} else {
			user = a.Address
		}
		r = append(r, Address{a.Name, user, host})
	}
	return r
}

func formatAddressHeader(log mlog.Log, s string) string {
	l := formatAddressList(log, s)
	return strings.Join(l, ", ")
}

// formatAddressList re-renders a decoded address header as individual
// canonical "Name <user@host>" strings for storage.
func formatAddressList(log mlog.Log, s string) []string {
	if s == "" {
		return nil
	}
	parser := mail.AddressParser{WordDecoder: &wordDecoder}
	l, err := parser.ParseList(s)
	if err != nil {
		// Keep the raw value, better than losing the field.
		log.Debugx("parsing address header", err)
		return []string{s}
	}
	r := make([]string, len(l))
	for i, a := range l {
		if a.Name != "" {
			r[i] = a.Name + " <" + a.Address + ">"
		} else {
			r[i] = "<" + a.Address + ">"
		}
	}
	return r
}
