package session

import (
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/mailauth/miltersentry/internal/dkim/digest"
)

// praPrecedence is RFC 4407 §2's Purported Responsible Address walk
// order: the first of these headers present in the message wins, and
// only its first mailbox is taken as the PRA.
var praPrecedence = []string{"Resent-Sender", "Resent-From", "Sender", "From"}

// extractPRA implements the Sender-ID readiness rule's PRA lookup (spec
// §4.I: "Sender-ID ... requires that the Purported Responsible Address
// can be extracted from the headers per RFC 4407").
func extractPRA(headers []digest.HeaderField) (mailbox string, ok bool) {
	for _, name := range praPrecedence {
		for _, h := range headers {
			if !strings.EqualFold(h.Name, name) {
				continue
			}
			return firstMailbox(h.Value)
		}
	}
	return "", false
}

// extractFromMailboxes parses the first RFC5322.From header's address
// list, returning parallel (mailbox, domain) slices for every address it
// names — spec §3's "DMARC aligner list (one per From-mailbox)".
func extractFromMailboxes(headers []digest.HeaderField) (mailboxes, domains []string) {
	for _, h := range headers {
		if !strings.EqualFold(h.Name, "From") {
			continue
		}
		addrs, err := mail.ParseAddressList(h.Value)
		if err != nil {
			return nil, nil
		}
		for _, a := range addrs {
			at := strings.LastIndexByte(a.Address, '@')
			if at < 0 {
				continue
			}
			mailboxes = append(mailboxes, a.Address)
			domains = append(domains, a.Address[at+1:])
		}
		return mailboxes, domains
	}
	return nil, nil
}

func firstMailbox(value string) (string, bool) {
	addrs, err := mail.ParseAddressList(value)
	if err != nil || len(addrs) == 0 {
		return "", false
	}
	return addrs[0].Address, true
}
