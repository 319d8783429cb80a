package email

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"golang.org/x/text/language"

	"github.com/dmitrymomot/paygate/pkg/tier"
)

type ReceiptKind string

const (
	ReceiptSubscription ReceiptKind = "subscription"
	ReceiptCancellation ReceiptKind = "cancellation"
	ReceiptUnlock       ReceiptKind = "unlock"
)

// Receipt describes a processed purchase or cancellation.
type Receipt struct {
	Kind      ReceiptKind
	Tier      tier.Tier
	ContentID string
	Amount    tier.Money
	PeriodEnd *time.Time
	PaymentID string
	Language  language.Tag
}

var receiptTemplate = template.Must(template.New("receipt").Parse(`<!doctype html>
<html><body style="font-family:sans-serif">
<h1>{{.Title}}</h1>
{{- if eq .Kind "subscription"}}
<p>Your plan is now <strong>{{.Tier}}</strong>{{if .Price}} at {{.Price}}{{end}}.</p>
{{- if .PeriodEnd}}<p>Next renewal: {{.PeriodEnd}}</p>{{end}}
{{- else if eq .Kind "cancellation"}}
<p>Your subscription was canceled. You keep access to free content.</p>
{{- else}}
<p>You unlocked <strong>{{.ContentID}}</strong>{{if .Price}} for {{.Price}}{{end}}.</p>
{{- end}}
{{- if .PaymentID}}<p style="color:#666">Payment reference: {{.PaymentID}}</p>{{end}}
</body></html>`))

// Render builds the message for r. The caller fills in SendTo.
func (r Receipt) Render() (SendEmailParams, error) {
	lang := r.Language
	if lang == language.Und {
		lang = language.English
	}

	var title string
	switch r.Kind {
	case ReceiptSubscription:
		title = fmt.Sprintf("Welcome to %s", r.Tier)
	case ReceiptCancellation:
		title = "Subscription canceled"
	case ReceiptUnlock:
		title = "Content unlocked"
	default:
		return SendEmailParams{}, fmt.Errorf("%w: unknown receipt kind %q", ErrInvalidParams, r.Kind)
	}

	data := struct {
		Receipt
		Title     string
		Price     string
		PeriodEnd string
	}{Receipt: r, Title: title}
	if !r.Amount.IsZero() {
		data.Price = r.Amount.Format(lang)
	}
	if r.PeriodEnd != nil {
		data.PeriodEnd = r.PeriodEnd.Format("January 2, 2006")
	}

	var buf bytes.Buffer
	if err := receiptTemplate.Execute(&buf, data); err != nil {
		return SendEmailParams{}, err
	}
	return SendEmailParams{
		Subject:  title,
		BodyHTML: buf.String(),
		Tag:      "receipt-" + string(r.Kind),
	}, nil
}
