package email

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// IMAP servers of providers commonly used for test mailboxes
var knownIMAPServers = map[string]string{
	"gmail.com":      "imap.gmail.com:993",
	"googlemail.com": "imap.gmail.com:993",
	"outlook.com":    "outlook.office365.com:993",
	"hotmail.com":    "outlook.office365.com:993",
	"live.com":       "outlook.office365.com:993",
	"yahoo.com":      "imap.mail.yahoo.com:993",
	"yandex.ru":      "imap.yandex.ru:993",
	"yandex.com":     "imap.yandex.com:993",
	"mail.ru":        "imap.mail.ru:993",
	"icloud.com":     "imap.mail.me.com:993",
	"me.com":         "imap.mail.me.com:993",
	"aol.com":        "imap.aol.com:993",
	"zoho.com":       "imap.zoho.com:993",
	"proton.me":      "127.0.0.1:1143", // ProtonMail Bridge
	"protonmail.com": "127.0.0.1:1143",
	"fastmail.com":   "imap.fastmail.com:993",
	"gmx.com":        "imap.gmx.com:993",
	"gmx.de":         "imap.gmx.net:993",
	"web.de":         "imap.web.de:993",
}

// ResolveIMAPServer determines host and port of the IMAP server for an email address.
// Unknown domains resolve to imap.<domain>:993.
func ResolveIMAPServer(address string) (string, int, error) {
	domain := GetDomainFromEmail(address)
	if domain == "" {
		return "", 0, fmt.Errorf("invalid email format: %q", address)
	}

	server, ok := knownIMAPServers[domain]
	if !ok {
		return "imap." + domain, 993, nil
	}

	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// GetDomainFromEmail extracts domain from email address
func GetDomainFromEmail(address string) string {
	parts := strings.Split(address, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	return strings.ToLower(parts[1])
}
