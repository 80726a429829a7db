package session

import (
	"context"
	"encoding/xml"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/arzzra/rcs_core/pkg/dialog_path"
	"github.com/arzzra/rcs_core/pkg/media_negotiator"
	"github.com/arzzra/rcs_core/pkg/signaling"
)

// ContentTypeGeoloc тип документа с геопозицией
const ContentTypeGeoloc = "application/vnd.gsma.rcspushlocation+xml"

const (
	geolocNamespace  = "urn:gsma:params:xml:ns:rcs:rcs:geolocation"
	geoprivNamespace = "urn:ietf:params:xml:ns:pidf:geopriv10"
	gmlNamespace     = "http://www.opengis.net/gml"
	gsNamespace      = "http://www.opengis.net/pidflo/1.0"
	crsWGS84         = "urn:ogc:def:crs:EPSG::4326"
	uomMeter         = "urn:ogc:def:uom:EPSG::9001"
)

// Geoloc геопозиция, которой делятся с контактом
type Geoloc struct {
	Label      string
	Latitude   float64
	Longitude  float64
	Accuracy   float64 // метры
	Expiration time.Time
}

type geolocDoc struct {
	XMLName xml.Name   `xml:"rcsenvelope"`
	Xmlns   string     `xml:"xmlns,attr,omitempty"`
	Entity  string     `xml:"entity,attr,omitempty"`
	Push    geolocPush `xml:"rcspushlocation"`
}

type geolocPush struct {
	ID        string  `xml:"id,attr"`
	Label     string  `xml:"label,attr,omitempty"`
	Geopriv   geopriv `xml:"geopriv"`
	Timestamp string  `xml:"timestamp,omitempty"`
}

type geopriv struct {
	Xmlns  string    `xml:"xmlns,attr,omitempty"`
	Circle geoCircle `xml:"location-info>Circle"`
	Expiry string    `xml:"usage-rules>retention-expiry,omitempty"`
}

type geoCircle struct {
	Xmlns   string    `xml:"xmlns,attr,omitempty"`
	SrsName string    `xml:"srsName,attr,omitempty"`
	Pos     string    `xml:"pos"`
	Radius  geoRadius `xml:"radius"`
}

type geoRadius struct {
	Xmlns string  `xml:"xmlns,attr,omitempty"`
	Uom   string  `xml:"uom,attr,omitempty"`
	Value float64 `xml:",chardata"`
}

// BuildGeolocDocument формирует документ геопозиции для отправки entity
func BuildGeolocDocument(entity string, g Geoloc) []byte {
	doc := geolocDoc{
		Xmlns:  geolocNamespace,
		Entity: entity,
		Push: geolocPush{
			ID:    uuid.NewString(),
			Label: g.Label,
			Geopriv: geopriv{
				Xmlns: geoprivNamespace,
				Circle: geoCircle{
					Xmlns:   gmlNamespace,
					SrsName: crsWGS84,
					Pos: strconv.FormatFloat(g.Latitude, 'f', -1, 64) + " " +
						strconv.FormatFloat(g.Longitude, 'f', -1, 64),
					Radius: geoRadius{Xmlns: gsNamespace, Uom: uomMeter, Value: g.Accuracy},
				},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}
	if !g.Expiration.IsZero() {
		doc.Push.Geopriv.Expiry = g.Expiration.UTC().Format(time.RFC3339)
	}
	out, _ := xml.Marshal(doc)
	return append([]byte(xml.Header), out...)
}

// ParseGeolocDocument разбирает документ геопозиции
func ParseGeolocDocument(body []byte) (Geoloc, error) {
	var doc geolocDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return Geoloc{}, oops.In("session").Wrapf(err, "разбор геопозиции")
	}
	fields := strings.Fields(doc.Push.Geopriv.Circle.Pos)
	if len(fields) != 2 {
		return Geoloc{}, oops.In("session").With("pos", doc.Push.Geopriv.Circle.Pos).Errorf("некорректные координаты")
	}
	lat, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return Geoloc{}, oops.In("session").Wrapf(err, "широта")
	}
	lon, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Geoloc{}, oops.In("session").Wrapf(err, "долгота")
	}
	g := Geoloc{
		Label:     doc.Push.Label,
		Latitude:  lat,
		Longitude: lon,
		Accuracy:  doc.Push.Geopriv.Circle.Radius.Value,
	}
	if doc.Push.Geopriv.Expiry != "" {
		if ts, err := time.Parse(time.RFC3339, doc.Push.Geopriv.Expiry); err == nil {
			g.Expiration = ts
		}
	}
	return g, nil
}

// GeolocSharing передача геопозиции одним сообщением MSRP.
// После доставки документа сессия завершается событием Transferred.
type GeolocSharing struct {
	*Base

	mu       sync.Mutex
	geoloc   Geoloc
	received bool
	document []byte
}

// NewOutgoingGeolocSharing создает отправку геопозиции контакту
func NewOutgoingGeolocSharing(deps Deps, remote sip.Uri, contact string, g Geoloc) *GeolocSharing {
	doc := BuildGeolocDocument(deps.LocalURI.String(), g)
	gs := &GeolocSharing{geoloc: g, document: doc}
	file := FileInfo{Name: "geoloc.xml", ContentType: ContentTypeGeoloc, Size: int64(len(doc))}
	gs.Base = newBase(baseParams{
		kind:      KindGeolocSharing,
		direction: Outgoing,
		contact:   contact,
		deps:      deps,
		dialog:    newOutgoingDialog(deps, remote),
		mediaKind: media_negotiator.KindMSRP,
		opts: media_negotiator.StreamOptions{
			FileSelector: file.Selector(),
			AcceptTypes:  []string{ContentTypeGeoloc},
		},
	})
	gs.hooks.inviteBody = func(sdp []byte) (string, []byte, []sip.Header) {
		return contentTypeSDP, sdp, []sip.Header{
			acceptContact(FeatureTagGeolocShare),
			sip.NewHeader(HeaderContributionID, newContributionID()),
		}
	}
	gs.hooks.onStarted = gs.sendGeoloc
	gs.hooks.onFinish = gs.recordTransferFinish
	return gs
}

// NewIncomingGeolocSharing создает прием геопозиции по входящему INVITE
func NewIncomingGeolocSharing(deps Deps, invite *sip.Request, tx signaling.ServerTx, contact string) *GeolocSharing {
	file, _ := FileInfoFromSDP(contentTypeOf(invite), invite.Body())
	gs := &GeolocSharing{}
	gs.Base = newBase(baseParams{
		kind:      KindGeolocSharing,
		direction: Incoming,
		contact:   contact,
		deps:      deps,
		dialog:    dialog_path.NewFromInvite(invite),
		inviteTx:  tx,
		mediaKind: media_negotiator.KindMSRP,
		opts: media_negotiator.StreamOptions{
			FileSelector: file.Selector(),
			AcceptTypes:  []string{ContentTypeGeoloc},
			OnMessage:    gs.onDocument,
		},
	})
	gs.hooks.onFinish = gs.recordTransferFinish
	gs.hooks.onStarted = func(context.Context) error {
		gs.recordTransfer(EventStarted.String(), "")
		return nil
	}
	return gs
}

// Geoloc отправленная или принятая геопозиция. Для входящей сессии false,
// пока документ не получен.
func (gs *GeolocSharing) Geoloc() (Geoloc, bool) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.geoloc, gs.IsInitiatedLocally() || gs.received
}

func (gs *GeolocSharing) onDocument(_, contentType string, body []byte) {
	gs.touch()
	g, err := ParseGeolocDocument(body)
	if err != nil {
		gs.logger.Warn("некорректный документ геопозиции", slog.String("content_type", contentType), slog.Any("error", err))
		gs.fail(errMediaTransfer(err))
		return
	}
	gs.mu.Lock()
	gs.geoloc = g
	gs.received = true
	gs.document = body
	gs.mu.Unlock()

	p := Progress{Current: int64(len(body)), Total: int64(len(body))}
	gs.emitProgress(p)
	gs.complete(p)
}

func (gs *GeolocSharing) sendGeoloc(ctx context.Context) error {
	gs.recordTransfer(EventStarted.String(), "")
	sender, ok := gs.Stream().(messageSender)
	if !ok {
		return media_negotiator.ErrNotEstablished
	}
	if _, err := sender.SendMessage(ctx, ContentTypeGeoloc, gs.document); err != nil {
		return err
	}
	gs.touch()
	p := Progress{Current: int64(len(gs.document)), Total: int64(len(gs.document))}
	gs.emitProgress(p)
	gs.complete(p)
	return nil
}
