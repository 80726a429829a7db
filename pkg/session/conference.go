package session

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/samber/oops"

	"github.com/arzzra/rcs_core/pkg/dialog_path"
	"github.com/arzzra/rcs_core/pkg/signaling"
)

const (
	eventConference = "conference"
	// срок подписки на состояние конференции
	conferenceExpires = time.Hour
)

// ConferenceSubscriber подписка группового чата на событие conference.
// Подписка живет в собственном диалоге со своим Call-ID: NOTIFY сервера
// конференций находится по нему, а не по Call-ID INVITE чата.
type ConferenceSubscriber struct {
	deps   Deps
	group  *GroupChat
	dialog *dialog_path.DialogPath

	mu     sync.Mutex
	active bool
	closed bool

	logger *slog.Logger
}

func newConferenceSubscriber(deps Deps, group *GroupChat) *ConferenceSubscriber {
	c := &ConferenceSubscriber{
		deps:   deps,
		group:  group,
		dialog: dialog_path.New(newCallID(), deps.LocalURI, group.Dialog().RemoteParty()),
	}
	c.logger = slog.Default().With(
		slog.String("component", "conference"),
		slog.String("call_id", c.dialog.CallID()),
	)
	return c
}

// CallID Call-ID диалога подписки
func (c *ConferenceSubscriber) CallID() string { return c.dialog.CallID() }

// Group групповой чат подписки
func (c *ConferenceSubscriber) Group() *GroupChat { return c.group }

// IsActive подписка подтверждена и не завершена
func (c *ConferenceSubscriber) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Subscribe отправляет SUBSCRIBE на фокус конференции установленного чата
func (c *ConferenceSubscriber) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	// Contact фокуса известен только после установления чата
	if err := c.dialog.SetRemoteTarget(c.group.Dialog().RemoteTarget()); err != nil {
		return oops.In("session").Code("SIGNALING_ERROR").Wrapf(err, "SUBSCRIBE")
	}
	res, err := c.send(ctx, conferenceExpires)
	if err != nil {
		return err
	}
	if to := res.Response.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			_ = c.dialog.SetRemoteTag(tag)
		}
	}
	c.mu.Lock()
	closed = c.closed
	c.active = !closed
	c.mu.Unlock()
	c.logger.Debug("подписка на конференцию", slog.Int("status", res.StatusCode))
	if closed {
		// чат завершился, пока SUBSCRIBE ждал ответа
		c.unsubscribe(ctx)
	}
	return nil
}

// Unsubscribe завершает подписку (Expires: 0). Без активной подписки
// ничего не отправляет.
func (c *ConferenceSubscriber) Unsubscribe(ctx context.Context) {
	c.mu.Lock()
	active := c.active
	c.active = false
	c.closed = true
	c.mu.Unlock()
	if active {
		c.unsubscribe(ctx)
	}
}

func (c *ConferenceSubscriber) unsubscribe(ctx context.Context) {
	defer c.dialog.Terminate()
	if _, err := c.send(ctx, 0); err != nil {
		c.logger.Debug("отмена подписки без ответа", slog.Any("error", err))
	}
}

func (c *ConferenceSubscriber) send(ctx context.Context, expires time.Duration) (*signaling.TransactionContext, error) {
	req, err := c.dialog.BuildRequest(sip.SUBSCRIBE)
	if err != nil {
		return nil, oops.In("session").Code("SIGNALING_ERROR").Wrapf(err, "SUBSCRIBE")
	}
	req.AppendHeader(&sip.ContactHeader{Address: c.deps.Contact})
	req.AppendHeader(sip.NewHeader("Event", eventConference))
	req.AppendHeader(sip.NewHeader("Accept", contentTypeConferenceInfo))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expires/time.Second))))

	res, err := c.deps.Transport.SendRequestAndWait(ctx, req, c.deps.settings().Timeouts.Transaction, nil)
	if err != nil {
		return nil, oops.In("session").Code("SIGNALING_ERROR").With("call_id", c.CallID()).Wrapf(err, "SUBSCRIBE")
	}
	if !res.Response.IsSuccess() {
		return nil, oops.In("session").Code("SIGNALING_ERROR").With("status", res.StatusCode).
			Errorf("SUBSCRIBE отклонен: %d", res.StatusCode)
	}
	return res, nil
}

// HandleNotify отвечает 200 на NOTIFY подписки и обновляет участников чата
func (c *ConferenceSubscriber) HandleNotify(ctx context.Context, req *sip.Request, tx signaling.ServerTx) {
	res := c.dialog.BuildResponse(req, 200, "OK", "", nil, nil)
	if err := c.deps.Transport.SendResponse(ctx, tx, res); err != nil {
		c.logger.Warn("ответ на NOTIFY не отправлен", slog.Any("error", err))
	}
	if c.dialog.RemoteTag() == "" {
		// NOTIFY может опередить ответ на SUBSCRIBE
		if from := req.From(); from != nil {
			if tag, ok := from.Params.Get("tag"); ok {
				_ = c.dialog.SetRemoteTag(tag)
			}
		}
	}
	if state := HeaderValue(req, "Subscription-State"); strings.HasPrefix(strings.ToLower(state), "terminated") {
		c.mu.Lock()
		c.active = false
		c.mu.Unlock()
	}
	if isType(contentTypeOf(req), contentTypeConferenceInfo) {
		c.group.applyConferenceInfo(req.Body())
	}
}
