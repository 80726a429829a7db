package session

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/samber/oops"

	"github.com/arzzra/rcs_core/pkg/dialog_path"
)

// DeliveryStatus состояние доставки в отчете IMDN
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryDisplayed DeliveryStatus = "displayed"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryForbidden DeliveryStatus = "forbidden"
	DeliveryError     DeliveryStatus = "error"
)

// Запросы уведомлений в imdn.Disposition-Notification
const (
	DispositionPositiveDelivery = "positive-delivery"
	DispositionNegativeDelivery = "negative-delivery"
	DispositionDisplay          = "display"
)

const (
	imdnNamespace    = "urn:ietf:params:xml:ns:imdn"
	imdnCPIMURN      = "urn:ietf:params:imdn"
	imdnDefaultAlias = "imdn"
)

// ErrNotIMDN тело не содержит отчета о доставке
var ErrNotIMDN = errors.New("body is not an imdn report")

// DeliveryReport отчет о доставке сообщения или файла
type DeliveryReport struct {
	MessageID string
	Status    DeliveryStatus
	// Display отчет о прочтении, а не о доставке
	Display  bool
	DateTime time.Time
}

type imdnDoc struct {
	XMLName   xml.Name    `xml:"imdn"`
	Xmlns     string      `xml:"xmlns,attr,omitempty"`
	MessageID string      `xml:"message-id"`
	DateTime  string      `xml:"datetime,omitempty"`
	Delivery  *imdnStatus `xml:"delivery-notification,omitempty"`
	Display   *imdnStatus `xml:"display-notification,omitempty"`
}

type imdnStatus struct {
	Status imdnValue `xml:"status"`
}

type imdnValue struct {
	Delivered *struct{} `xml:"delivered,omitempty"`
	Displayed *struct{} `xml:"displayed,omitempty"`
	Failed    *struct{} `xml:"failed,omitempty"`
	Forbidden *struct{} `xml:"forbidden,omitempty"`
	Error     *struct{} `xml:"error,omitempty"`
}

func (v imdnValue) status() (DeliveryStatus, bool) {
	switch {
	case v.Delivered != nil:
		return DeliveryDelivered, true
	case v.Displayed != nil:
		return DeliveryDisplayed, true
	case v.Failed != nil:
		return DeliveryFailed, true
	case v.Forbidden != nil:
		return DeliveryForbidden, true
	case v.Error != nil:
		return DeliveryError, true
	}
	return "", false
}

func valueOf(s DeliveryStatus) imdnValue {
	var v imdnValue
	switch s {
	case DeliveryDelivered:
		v.Delivered = &struct{}{}
	case DeliveryDisplayed:
		v.Displayed = &struct{}{}
	case DeliveryFailed:
		v.Failed = &struct{}{}
	case DeliveryForbidden:
		v.Forbidden = &struct{}{}
	default:
		v.Error = &struct{}{}
	}
	return v
}

// IsIMDN тело - отчет о доставке, в том числе в обертке CPIM
func IsIMDN(contentType string, body []byte) bool {
	return isType(BodyPart{ContentType: contentType, Content: body}.Payload().ContentType, ContentTypeIMDN)
}

// ParseDeliveryReport разбирает отчет о доставке из тела MESSAGE
func ParseDeliveryReport(contentType string, body []byte) (DeliveryReport, error) {
	payload := BodyPart{ContentType: contentType, Content: body}.Payload()
	if !isType(payload.ContentType, ContentTypeIMDN) {
		return DeliveryReport{}, oops.In("session").With("content_type", payload.ContentType).Wrap(ErrNotIMDN)
	}
	var doc imdnDoc
	if err := xml.Unmarshal(payload.Content, &doc); err != nil {
		return DeliveryReport{}, oops.In("session").Wrapf(err, "разбор imdn")
	}
	report := DeliveryReport{MessageID: strings.TrimSpace(doc.MessageID)}
	if report.MessageID == "" {
		return DeliveryReport{}, oops.In("session").Errorf("imdn без message-id")
	}
	var (
		status DeliveryStatus
		ok     bool
	)
	switch {
	case doc.Delivery != nil:
		status, ok = doc.Delivery.Status.status()
	case doc.Display != nil:
		status, ok = doc.Display.Status.status()
		report.Display = true
	}
	if !ok {
		return DeliveryReport{}, oops.In("session").With("message_id", report.MessageID).Errorf("imdn без статуса")
	}
	report.Status = status
	if doc.DateTime != "" {
		if ts, err := time.Parse(time.RFC3339, doc.DateTime); err == nil {
			report.DateTime = ts
		}
	}
	return report, nil
}

// BuildDeliveryReport формирует документ message/imdn+xml
func BuildDeliveryReport(r DeliveryReport) []byte {
	doc := imdnDoc{
		Xmlns:     imdnNamespace,
		MessageID: r.MessageID,
	}
	if !r.DateTime.IsZero() {
		doc.DateTime = r.DateTime.UTC().Format(time.RFC3339)
	}
	status := &imdnStatus{Status: valueOf(r.Status)}
	if r.Display {
		doc.Display = status
	} else {
		doc.Delivery = status
	}
	out, _ := xml.Marshal(doc)
	return append([]byte(xml.Header), out...)
}

// CPIMMessage сообщение в обертке message/cpim
type CPIMMessage struct {
	From        string
	To          string
	MessageID   string
	DateTime    string
	Disposition []string
	ContentType string
	Content     []byte
}

// Requests отправитель запросил уведомление disposition
func (m CPIMMessage) Requests(disposition string) bool {
	for _, d := range m.Disposition {
		if strings.EqualFold(d, disposition) {
			return true
		}
	}
	return false
}

// CPIM разбирает часть как сообщение message/cpim
func (p BodyPart) CPIM() (CPIMMessage, bool) {
	if !isType(p.ContentType, contentTypeCPIM) {
		return CPIMMessage{}, false
	}
	return ParseCPIM(p.Content)
}

// ParseCPIM разбирает обертку message/cpim. Имена заголовков IMDN берутся
// с префиксом из NS, по умолчанию imdn.
func ParseCPIM(content []byte) (CPIMMessage, bool) {
	head, rest, ok := cutHeaders(content)
	if !ok {
		return CPIMMessage{}, false
	}
	headers := parseHeaderLines(head)
	alias := imdnDefaultAlias
	for _, ns := range headers["ns"] {
		name, uri, _ := strings.Cut(ns, " ")
		if strings.Contains(uri, imdnCPIMURN) {
			alias = strings.ToLower(strings.TrimSpace(name))
		}
	}
	msg := CPIMMessage{
		From:      firstValue(headers["from"]),
		To:        firstValue(headers["to"]),
		DateTime:  firstValue(headers["datetime"]),
		MessageID: firstValue(headers[alias+".message-id"]),
	}
	for _, v := range headers[alias+".disposition-notification"] {
		for _, d := range strings.Split(v, ",") {
			if d = strings.TrimSpace(d); d != "" {
				msg.Disposition = append(msg.Disposition, d)
			}
		}
	}
	mimeHead, body, ok := cutHeaders(rest)
	if !ok {
		msg.Content = rest
		return msg, true
	}
	msg.ContentType = firstValue(parseHeaderLines(mimeHead)["content-type"])
	msg.Content = body
	return msg, true
}

func parseHeaderLines(head []byte) map[string][]string {
	out := make(map[string][]string)
	for _, line := range strings.Split(string(head), "\n") {
		name, value, found := strings.Cut(strings.TrimSpace(line), ":")
		if !found {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(name))
		out[key] = append(out[key], strings.TrimSpace(value))
	}
	return out
}

func firstValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// BuildCPIM оборачивает отчет о доставке в message/cpim
func BuildCPIM(from, to string, r DeliveryReport) []byte {
	report := BuildDeliveryReport(r)
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: <%s>\r\n", trimAngle(from))
	fmt.Fprintf(&b, "To: <%s>\r\n", trimAngle(to))
	fmt.Fprintf(&b, "NS: %s <%s>\r\n", imdnDefaultAlias, imdnCPIMURN)
	fmt.Fprintf(&b, "%s.Message-ID: %s\r\n", imdnDefaultAlias, newContributionID())
	fmt.Fprintf(&b, "DateTime: %s\r\n", time.Now().UTC().Format(time.RFC3339))
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Content-Type: %s\r\n", ContentTypeIMDN)
	b.WriteString("Content-Disposition: notification\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(report))
	b.WriteString("\r\n")
	b.Write(report)
	return b.Bytes()
}

// SendDeliveryReport отправляет отчет о доставке запросом MESSAGE вне диалога
func SendDeliveryReport(ctx context.Context, deps Deps, remote sip.Uri, r DeliveryReport) error {
	path := dialog_path.New(newCallID(), deps.LocalURI, remote)
	defer path.Terminate()

	req, err := path.BuildRequest(sip.MESSAGE)
	if err != nil {
		return oops.In("session").Code("SIGNALING_ERROR").Wrapf(err, "MESSAGE")
	}
	ct := sip.ContentTypeHeader(contentTypeCPIM)
	req.AppendHeader(&ct)
	req.SetBody(BuildCPIM(deps.LocalURI.String(), remote.String(), r))

	res, err := deps.Transport.SendRequestAndWait(ctx, req, deps.settings().Timeouts.Transaction, nil)
	if err != nil {
		return oops.In("session").Code("SIGNALING_ERROR").With("message_id", r.MessageID).Wrapf(err, "MESSAGE")
	}
	if !res.Response.IsSuccess() {
		return oops.In("session").Code("SIGNALING_ERROR").With("status", res.StatusCode).
			Errorf("отчет о доставке отклонен: %d", res.StatusCode)
	}
	return nil
}
