package session

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"
)

// ContentTypeFileTransferHTTP тип документа с описанием файла на сервере
const ContentTypeFileTransferHTTP = "application/vnd.gsma.rcs-ft-http+xml"

// HTTPFileInfo описание файла, загруженного на сервер содержимого
type HTTPFileInfo struct {
	URL         string
	Name        string
	ContentType string
	Size        int64
	Until       time.Time
}

type httpFileDoc struct {
	XMLName xml.Name        `xml:"file"`
	Xmlns   string          `xml:"xmlns,attr,omitempty"`
	Info    []httpFileEntry `xml:"file-info"`
}

type httpFileEntry struct {
	Type        string `xml:"type,attr"`
	Size        int64  `xml:"file-size"`
	Name        string `xml:"file-name,omitempty"`
	ContentType string `xml:"content-type"`
	Data        struct {
		URL   string `xml:"url,attr"`
		Until string `xml:"until,attr,omitempty"`
	} `xml:"data"`
}

// ParseHTTPFileInfo разбирает документ FT HTTP. Миниатюра пропускается.
func ParseHTTPFileInfo(body []byte) (HTTPFileInfo, error) {
	var doc httpFileDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return HTTPFileInfo{}, oops.In("session").Code("invalid_ft_http").Wrapf(err, "разбор описания файла")
	}
	for _, e := range doc.Info {
		if e.Type != "file" {
			continue
		}
		info := HTTPFileInfo{URL: e.Data.URL, Name: e.Name, ContentType: e.ContentType, Size: e.Size}
		if e.Data.Until != "" {
			info.Until, _ = time.Parse(time.RFC3339, e.Data.Until)
		}
		if info.URL == "" {
			break
		}
		return info, nil
	}
	return HTTPFileInfo{}, oops.In("session").Code("invalid_ft_http").Errorf("описание файла без адреса")
}

// Marshal документ FT HTTP
func (i HTTPFileInfo) Marshal() []byte {
	e := httpFileEntry{Type: "file", Size: i.Size, Name: i.Name, ContentType: i.ContentType}
	e.Data.URL = i.URL
	if !i.Until.IsZero() {
		e.Data.Until = i.Until.UTC().Format(time.RFC3339)
	}
	out, _ := xml.Marshal(httpFileDoc{Xmlns: "urn:gsma:params:xml:ns:rcs:rcs:fthttp", Info: []httpFileEntry{e}})
	return append([]byte(xml.Header), out...)
}

// HTTPFileTransfer передача файла через сервер содержимого. Сессия
// не использует SIP: прием - загрузка по ссылке из документа, отправка -
// выгрузка на сервер с последующей передачей документа в чат.
type HTTPFileTransfer struct {
	*Base
	info    HTTPFileInfo
	content []byte
	client  *http.Client

	// OnUploaded получает документ после успешной выгрузки
	OnUploaded func(doc []byte)

	path string
}

// NewIncomingHTTPFileTransfer создает прием файла по документу FT HTTP
func NewIncomingHTTPFileTransfer(deps Deps, contact string, info HTTPFileInfo) *HTTPFileTransfer {
	t := &HTTPFileTransfer{info: info}
	t.Base = newBase(baseParams{kind: KindHTTPFileTransfer, direction: Incoming, contact: contact, deps: deps})
	t.client = &http.Client{Timeout: deps.settings().HTTPTransfer.RequestTimeout}
	t.hooks.run = t.runIncoming
	t.hooks.onStarted = t.download
	t.hooks.onFinish = t.recordTransferFinish
	return t
}

// NewOutgoingHTTPFileTransfer создает выгрузку файла на сервер содержимого
func NewOutgoingHTTPFileTransfer(deps Deps, contact string, name, contentType string, content []byte) *HTTPFileTransfer {
	t := &HTTPFileTransfer{
		info:    HTTPFileInfo{Name: name, ContentType: contentType, Size: int64(len(content))},
		content: content,
	}
	t.Base = newBase(baseParams{kind: KindHTTPFileTransfer, direction: Outgoing, contact: contact, deps: deps})
	t.client = &http.Client{Timeout: deps.settings().HTTPTransfer.RequestTimeout}
	t.hooks.run = t.runOutgoing
	t.hooks.onStarted = t.upload
	t.hooks.onFinish = t.recordTransferFinish
	return t
}

// Info описание файла
func (t *HTTPFileTransfer) Info() HTTPFileInfo { return t.info }

// Path путь к принятому файлу
func (t *HTTPFileTransfer) Path() string { return t.path }

func (t *HTTPFileTransfer) runIncoming() {
	t.phase.fire(phaseEventInvite)
	t.emit(EventInvited)
	if t.autoAccept {
		t.inv.decide(InvitationAccepted)
	}

	ringing := time.NewTimer(t.deps.settings().Timeouts.Ringing)
	select {
	case <-t.inv.done():
	case <-ringing.C:
		t.inv.decide(InvitationRejectedByTimeout)
	}
	ringing.Stop()

	switch t.inv.get() {
	case InvitationRejectedByUser:
		t.finishRejected(ByUser)
		return
	case InvitationRejectedByTimeout:
		t.finishRejected(ByTimeout)
		return
	case InvitationRejectedBySystem:
		t.finishRejected(BySystem)
		return
	case InvitationDeleted, InvitationCanceledByRemote:
		t.finishAborted(t.reason(), false)
		return
	}

	t.phase.fire(phaseEventAccept)
	t.emit(EventAccepted)
	t.started()
	t.waitTransfer()
}

func (t *HTTPFileTransfer) runOutgoing() {
	select {
	case <-t.abortCh:
		t.finishAborted(t.reason(), false)
		return
	default:
	}
	t.phase.fire(phaseEventInvite)
	t.phase.fire(phaseEventAccept)
	t.started()
	t.waitTransfer()
}

// waitTransfer ждет окончания передачи или отмены
func (t *HTTPFileTransfer) waitTransfer() {
	select {
	case <-t.completeCh:
		t.finishTransferred(false)
	case <-t.failCh:
		t.mu.Lock()
		err := t.failErr
		t.mu.Unlock()
		t.finishFailed(err, false)
	case <-t.abortCh:
		t.finishAborted(t.reason(), false)
	}
}

func (t *HTTPFileTransfer) download(ctx context.Context) error {
	t.recordTransfer(EventStarted.String(), "")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.info.URL, nil)
	if err != nil {
		return oops.In("session").Wrapf(err, "запрос загрузки")
	}
	res, err := t.client.Do(req)
	if err != nil {
		return oops.In("session").Code("http_failed").With("url", t.info.URL).Wrapf(err, "загрузка файла")
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return oops.In("session").Code("http_failed").With("status", res.StatusCode).Errorf("сервер вернул %s", res.Status)
	}

	name := filepath.Base(t.info.Name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = t.id
	}
	path := filepath.Join(t.deps.settings().HTTPTransfer.DownloadDir, name)
	f, err := os.Create(path)
	if err != nil {
		return oops.In("session").With("path", path).Wrapf(err, "создание файла")
	}
	defer f.Close()

	total := t.info.Size
	if total <= 0 {
		total = res.ContentLength
	}
	w := &progressWriter{w: f, total: total, onProgress: t.onProgress}
	n, err := io.Copy(w, res.Body)
	if err != nil {
		return oops.In("session").Code("http_failed").Wrapf(err, "прием содержимого")
	}
	t.path = path
	t.complete(Progress{Current: n, Total: total})
	return nil
}

func (t *HTTPFileTransfer) upload(ctx context.Context) error {
	t.recordTransfer(EventStarted.String(), "")
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("File", t.info.Name)
	if err != nil {
		return oops.In("session").Wrapf(err, "формирование запроса")
	}
	if _, err := part.Write(t.content); err != nil {
		return oops.In("session").Wrapf(err, "формирование запроса")
	}
	if err := form.Close(); err != nil {
		return oops.In("session").Wrapf(err, "формирование запроса")
	}

	url := t.deps.settings().HTTPTransfer.ContentServerURL
	body := &progressReader{r: &buf, total: t.info.Size, onProgress: t.onProgress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return oops.In("session").Wrapf(err, "запрос выгрузки")
	}
	req.ContentLength = int64(buf.Len())
	req.Header.Set("Content-Type", form.FormDataContentType())

	res, err := t.client.Do(req)
	if err != nil {
		return oops.In("session").Code("http_failed").With("url", url).Wrapf(err, "выгрузка файла")
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return oops.In("session").Code("http_failed").With("status", res.StatusCode).Errorf("сервер вернул %s", res.Status)
	}
	doc, err := io.ReadAll(res.Body)
	if err != nil {
		return oops.In("session").Wrapf(err, "чтение ответа")
	}
	info, err := ParseHTTPFileInfo(doc)
	if err != nil {
		return err
	}
	t.info.URL = info.URL
	t.info.Until = info.Until
	if t.OnUploaded != nil {
		t.OnUploaded(doc)
	}
	t.complete(Progress{Current: t.info.Size, Total: t.info.Size})
	return nil
}

func (t *HTTPFileTransfer) onProgress(p Progress) {
	t.touch()
	t.emitProgress(p)
}

// шаг уведомлений о прогрессе
const progressStep = 64 * 1024

type progressWriter struct {
	w          io.Writer
	total      int64
	done       int64
	reported   int64
	onProgress func(Progress)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += int64(n)
	if p.done != p.reported && (p.done-p.reported >= progressStep || p.done == p.total) {
		p.reported = p.done
		p.onProgress(Progress{Current: p.done, Total: p.total})
	}
	return n, err
}

type progressReader struct {
	r          io.Reader
	total      int64
	done       int64
	reported   int64
	onProgress func(Progress)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.done += int64(n)
	if p.total > 0 && p.done > p.total {
		p.done = p.total
	}
	if p.done != p.reported && (p.done-p.reported >= progressStep || p.done == p.total) {
		p.reported = p.done
		p.onProgress(Progress{Current: p.done, Total: p.total})
	}
	return n, err
}
