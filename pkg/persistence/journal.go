package persistence

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/samber/oops"
)

// RecordType тип записи журнала
type RecordType string

const (
	RecordMessage  RecordType = "message"
	RecordSpam     RecordType = "spam"
	RecordTransfer RecordType = "transfer"
	RecordSession  RecordType = "session"
	RecordDelivery RecordType = "delivery"
)

// Record одна запись журнала. Заполнено ровно одно из полей с данными.
type Record struct {
	Type     RecordType      `cbor:"type"`
	Message  *Message        `cbor:"message,omitempty"`
	Spam     *SpamRejection  `cbor:"spam,omitempty"`
	Transfer *StateChange    `cbor:"transfer,omitempty"`
	Session  *StateChange    `cbor:"session,omitempty"`
	Delivery *DeliveryStatus `cbor:"delivery,omitempty"`
}

const defaultJournalQueue = 256

var journalEncMode cbor.EncMode

func init() {
	var err error
	journalEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("persistence: CBOR encoder initialization failed: " + err.Error())
	}
}

// Journal Store, дописывающий записи в поток CBOR.
// Запись выполняется отдельной горутиной, при переполнении очереди
// запись отбрасывается с предупреждением в лог.
type Journal struct {
	closer  io.Closer
	enc     *cbor.Encoder
	records chan Record

	closeOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	dropped uint64
	lastErr error

	logger *slog.Logger
}

// NewJournal создает журнал поверх w
func NewJournal(w io.Writer) *Journal {
	j := &Journal{
		enc:     journalEncMode.NewEncoder(w),
		records: make(chan Record, defaultJournalQueue),
		done:    make(chan struct{}),
		logger:  slog.Default().With(slog.String("component", "journal")),
	}
	if c, ok := w.(io.Closer); ok {
		j.closer = c
	}
	go j.run()
	return j
}

// OpenJournal открывает файл журнала на дозапись
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, oops.In("persistence").With("path", path).Wrapf(err, "открытие журнала")
	}
	return NewJournal(f), nil
}

func (j *Journal) run() {
	defer close(j.done)
	for rec := range j.records {
		if err := j.enc.Encode(rec); err != nil {
			j.mu.Lock()
			j.lastErr = err
			j.mu.Unlock()
			j.logger.Error("ошибка записи в журнал", slog.String("type", string(rec.Type)), slog.Any("error", err))
		}
	}
}

func (j *Journal) push(rec Record) {
	defer func() {
		// запись после Close
		if r := recover(); r != nil {
			j.countDrop(rec)
		}
	}()
	select {
	case j.records <- rec:
	default:
		j.countDrop(rec)
	}
}

func (j *Journal) countDrop(rec Record) {
	j.mu.Lock()
	j.dropped++
	j.mu.Unlock()
	j.logger.Warn("запись журнала отброшена", slog.String("type", string(rec.Type)))
}

func (j *Journal) MessageStored(msg Message) {
	j.push(Record{Type: RecordMessage, Message: &msg})
}

func (j *Journal) SpamRejected(rej SpamRejection) {
	j.push(Record{Type: RecordSpam, Spam: &rej})
}

func (j *Journal) TransferStateChanged(change StateChange) {
	j.push(Record{Type: RecordTransfer, Transfer: &change})
}

func (j *Journal) SessionStateChanged(change StateChange) {
	j.push(Record{Type: RecordSession, Session: &change})
}

func (j *Journal) DeliveryStatusChanged(status DeliveryStatus) {
	j.push(Record{Type: RecordDelivery, Delivery: &status})
}

// Dropped количество отброшенных записей
func (j *Journal) Dropped() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

// Close дописывает очередь и закрывает поток
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		close(j.records)
		<-j.done

		j.mu.Lock()
		err = j.lastErr
		j.mu.Unlock()

		if j.closer != nil {
			if cerr := j.closer.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	if err != nil {
		return oops.In("persistence").Wrapf(err, "закрытие журнала")
	}
	return nil
}

// ReadJournal читает все записи из потока
func ReadJournal(r io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(r)
	var out []Record
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, oops.In("persistence").Wrapf(err, "чтение записи %d", len(out))
		}
		out = append(out, rec)
	}
}
