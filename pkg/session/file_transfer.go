package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/dialog_path"
	"github.com/arzzra/rcs_core/pkg/media_negotiator"
	"github.com/arzzra/rcs_core/pkg/persistence"
	"github.com/arzzra/rcs_core/pkg/signaling"
)

// FileInfo описание передаваемого файла
type FileInfo struct {
	Name        string
	ContentType string
	Size        int64
}

// Selector значение a=file-selector
func (f FileInfo) Selector() string {
	return fmt.Sprintf("name:%q type:%s size:%s", f.Name, f.ContentType, strconv.FormatInt(f.Size, 10))
}

// FileInfoFromSDP описание файла из a=file-selector предложения
func FileInfoFromSDP(contentType string, body []byte) (FileInfo, bool) {
	selector, ok := media_negotiator.MSRPFileSelector(ExtractSDP(contentType, body))
	if !ok {
		return FileInfo{}, false
	}
	name, ct, size := media_negotiator.ParseFileSelector(selector)
	return FileInfo{Name: name, ContentType: ct, Size: size}, true
}

// FileTransfer передача файла через MSRP
type FileTransfer struct {
	*Base
	file FileInfo

	mu       sync.Mutex
	content  []byte
	received int64
}

// NewIncomingFileTransfer создает прием файла по входящему INVITE
func NewIncomingFileTransfer(deps Deps, invite *sip.Request, tx signaling.ServerTx, contact string) *FileTransfer {
	return newIncomingTransfer(deps, invite, tx, contact, KindFileTransfer, deps.settings().Limits.MaxFileTransferSize)
}

// NewIncomingImageSharing создает прием изображения, которым делятся во
// время звонка. Передача идет так же, как у файла.
func NewIncomingImageSharing(deps Deps, invite *sip.Request, tx signaling.ServerTx, contact string) *FileTransfer {
	return newIncomingTransfer(deps, invite, tx, contact, KindImageSharing, deps.settings().Limits.MaxImageSharingSize)
}

func newIncomingTransfer(deps Deps, invite *sip.Request, tx signaling.ServerTx, contact string, kind Kind, maxSize int64) *FileTransfer {
	file, _ := FileInfoFromSDP(contentTypeOf(invite), invite.Body())
	ft := &FileTransfer{file: file}
	ft.Base = newBase(baseParams{
		kind:      kind,
		direction: Incoming,
		contact:   contact,
		deps:      deps,
		dialog:    dialog_path.NewFromInvite(invite),
		inviteTx:  tx,
		mediaKind: media_negotiator.KindMSRP,
		opts: media_negotiator.StreamOptions{
			FileSelector: file.Selector(),
			MaxSize:      maxSize,
			OnMessage:    ft.onData,
		},
	})
	ft.hooks.onFinish = ft.recordTransferFinish
	ft.hooks.onStarted = ft.recordStarted
	return ft
}

// NewOutgoingFileTransfer создает отправку файла
func NewOutgoingFileTransfer(deps Deps, remote sip.Uri, contact string, file FileInfo, content []byte) *FileTransfer {
	return newOutgoingTransfer(deps, remote, contact, file, content, KindFileTransfer, FeatureTagFileTransfer)
}

// NewOutgoingImageSharing создает отправку изображения контакту
func NewOutgoingImageSharing(deps Deps, remote sip.Uri, contact string, file FileInfo, content []byte) *FileTransfer {
	return newOutgoingTransfer(deps, remote, contact, file, content, KindImageSharing, FeatureTagImageShare)
}

func newOutgoingTransfer(deps Deps, remote sip.Uri, contact string, file FileInfo, content []byte, kind Kind, featureTag string) *FileTransfer {
	if file.Size == 0 {
		file.Size = int64(len(content))
	}
	ft := &FileTransfer{file: file, content: content}
	ft.Base = newBase(baseParams{
		kind:      kind,
		direction: Outgoing,
		contact:   contact,
		deps:      deps,
		dialog:    newOutgoingDialog(deps, remote),
		mediaKind: media_negotiator.KindMSRP,
		opts: media_negotiator.StreamOptions{
			FileSelector: file.Selector(),
			AcceptTypes:  []string{file.ContentType},
		},
	})
	ft.hooks.inviteBody = func(sdp []byte) (string, []byte, []sip.Header) {
		return contentTypeSDP, sdp, []sip.Header{
			acceptContact(featureTag),
			sip.NewHeader(HeaderContributionID, newContributionID()),
		}
	}
	ft.hooks.onStarted = ft.sendFile
	ft.hooks.onFinish = ft.recordTransferFinish
	return ft
}

// File описание файла
func (ft *FileTransfer) File() FileInfo { return ft.file }

// Content принятое или отправляемое содержимое
func (ft *FileTransfer) Content() []byte {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.content
}

func (ft *FileTransfer) onData(_, _ string, body []byte) {
	ft.touch()
	ft.mu.Lock()
	ft.content = append(ft.content, body...)
	ft.received = int64(len(ft.content))
	p := Progress{Current: ft.received, Total: ft.file.Size}
	ft.mu.Unlock()

	ft.emitProgress(p)
	if p.Total <= 0 || p.Current >= p.Total {
		ft.complete(p)
	}
}

func (ft *FileTransfer) sendFile(ctx context.Context) error {
	ft.recordTransfer(EventStarted.String(), "")
	sender, ok := ft.Stream().(messageSender)
	if !ok {
		return media_negotiator.ErrNotEstablished
	}
	if _, err := sender.SendMessage(ctx, ft.file.ContentType, ft.content); err != nil {
		return err
	}
	ft.touch()
	p := Progress{Current: int64(len(ft.content)), Total: ft.file.Size}
	ft.emitProgress(p)
	ft.complete(p)
	return nil
}

func (ft *FileTransfer) recordStarted(context.Context) error {
	ft.recordTransfer(EventStarted.String(), "")
	return nil
}

// recordTransferFinish сохраняет итог передачи файла
func (b *Base) recordTransferFinish(e Event) {
	reason := string(e.Reason)
	if e.Err != nil {
		reason = e.Err.Code
	}
	b.recordTransfer(e.Type.String(), reason)
}

func (b *Base) recordTransfer(state, reason string) {
	b.deps.store().TransferStateChanged(persistence.StateChange{
		ID:        b.id,
		Kind:      string(b.kind),
		Contact:   b.contact,
		State:     state,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}
