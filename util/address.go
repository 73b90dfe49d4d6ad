package util

import (
	"errors"
	"net/mail"
	"strings"
)

var ErrInvalidAddress = errors.New("invalid address")

// ParseAddress validates an envelope address and returns it with the domain lower-cased, its local part kept as
// given, and the domain. Angle brackets and display names are accepted and stripped.
func ParseAddress(src string) (addr, local, domain string, err error) {
	src = strings.TrimSpace(src)
	if src == "" {
		err = ErrInvalidAddress
		return
	}
	var parsed *mail.Address
	parsed, err = mail.ParseAddress(src)
	if err != nil {
		err = ErrInvalidAddress
		return
	}
	sepIdx := strings.LastIndex(parsed.Address, "@")
	if sepIdx <= 0 || sepIdx == len(parsed.Address)-1 {
		err = ErrInvalidAddress
		return
	}
	local = parsed.Address[:sepIdx]
	domain = strings.TrimSuffix(strings.ToLower(parsed.Address[sepIdx+1:]), ".")
	addr = local + "@" + domain
	if !strings.Contains(domain, ".") && domain != "localhost" {
		err = ErrInvalidAddress
	}
	return
}

func IsPostmaster(local string) bool {
	return strings.EqualFold(local, "postmaster")
}

// IsBarePostmaster reports the domainless "<postmaster>" recipient.
func IsBarePostmaster(src string) bool {
	return strings.EqualFold(strings.Trim(strings.TrimSpace(src), "<>"), "postmaster")
}
