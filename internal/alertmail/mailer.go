// Package alertmail composes and sends the broadcast-storm alert email:
// an HTML body plus an inline PNG graph referenced by Content-ID, the
// same multipart/related shape the original hand-assembles with raw MIME
// boundaries and an OpenSSL base64 encode (worker.cpp generate_message).
// domodwyer/mailyak/v3 is grounded via the chaugan-beszel-snmp manifest in
// the retrieval pack, a repo in the same SNMP-alerting domain.
package alertmail

import (
	"bytes"
	"fmt"
	"net/smtp"
	"time"

	"github.com/domodwyer/mailyak/v3"

	"github.com/loopd/loopd/internal/devicemodel"
)

const inlineGraphName = "graph.png"

// Mailer sends alarm alert emails over a fixed SMTP endpoint.
type Mailer struct {
	smtpHost string
	from     string
	to       []string
	auth     smtp.Auth
}

// New builds a Mailer targeting smtpHost ("host:port"), sending as from
// to every address in to. The endpoint is assumed to be a local/relay
// MTA requiring no authentication, matching the original's plain
// CURLOPT_MAIL_FROM submission; pass auth to use authenticated SMTP.
func New(smtpHost, from string, to []string, auth smtp.Auth) *Mailer {
	return &Mailer{smtpHost: smtpHost, from: from, to: to, auth: auth}
}

// Alert is the rendered content of one alarm notification.
type Alert struct {
	Host      string
	IfaceName string
	Kind      devicemodel.AlarmKind
	Rate      float64
	Mav       float64
	FiredAt   time.Time
	GraphPNG  []byte
}

// Send builds the multipart/related message and delivers it.
func (m *Mailer) Send(a Alert) error {
	mail := mailyak.New(m.smtpHost, m.auth)
	mail.To(m.to...)
	mail.From(m.from)
	mail.FromName("loopd")
	mail.Subject(fmt.Sprintf("[loopd] %s alarm on %s/%s", a.Kind, a.Host, a.IfaceName))

	mail.HTML().Set(renderHTML(a))

	if len(a.GraphPNG) > 0 {
		mail.AttachInline(inlineGraphName, bytes.NewReader(a.GraphPNG))
	}

	if err := mail.Send(); err != nil {
		return fmt.Errorf("send alert email for %s/%s: %w", a.Host, a.IfaceName, err)
	}
	return nil
}

func renderHTML(a Alert) string {
	return fmt.Sprintf(`<html><body>
<h2>Broadcast storm alarm: %s</h2>
<p>Device: %s<br>Interface: %s<br>Fired: %s</p>
<p>Rate: %.1f pkt/s<br>Moving average: %.1f pkt/s</p>
<img src="cid:%s">
</body></html>`,
		a.Kind, a.Host, a.IfaceName, a.FiredAt.Format(time.RFC3339),
		a.Rate, a.Mav, inlineGraphName)
}
