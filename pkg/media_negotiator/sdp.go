package media_negotiator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/rcs_core/pkg/msrp"
)

// Ошибки согласования. Все они означают, что параметры удаленной стороны
// несовместимы с локальными и сессия отклоняется до 200 OK.
var (
	ErrInvalidSDP          = errors.New("invalid session description")
	ErrNoMediaLine         = errors.New("no suitable media line")
	ErrUnsupportedProtocol = errors.New("unsupported media protocol")
	ErrNoPath              = errors.New("remote msrp path missing")
	ErrSecuredMismatch     = errors.New("secured media mismatch")
	ErrNoRemoteAddress     = errors.New("remote media address missing")
)

// Медиа типы m= строки
const (
	MediaMessage = "message"
	MediaAudio   = "audio"
	MediaVideo   = "video"
)

// DiscardPort порт, который объявляет активная сторона
const DiscardPort = 9

var staticEncodings = map[uint8]string{
	0: "PCMU/8000",
	8: "PCMA/8000",
	9: "G722/8000",
}

// MSRPParams параметры локального описания MSRP потока
type MSRPParams struct {
	Host         string
	Port         int
	Path         string
	Setup        SetupRole
	AcceptTypes  []string
	WrappedTypes []string
	MaxSize      int64
	Secured      bool
	Fingerprint  string
	// FileSelector атрибут a=file-selector для передачи файла
	FileSelector string
	// Direction sendrecv, sendonly, recvonly. Пусто - sendrecv.
	Direction string
}

// RemoteMSRP параметры MSRP потока удаленной стороны
type RemoteMSRP struct {
	Host         string
	Port         int
	Path         string
	ParsedPath   msrp.Path
	Setup        SetupRole
	AcceptTypes  []string
	WrappedTypes []string
	MaxSize      int64
	Secured      bool
	Fingerprint  string
	FileSelector string
}

// RTPParams параметры локального описания RTP потока
type RTPParams struct {
	Host        string
	Port        int
	Media       string
	PayloadType uint8
	Setup       SetupRole
	Secured     bool
}

// RemoteRTP параметры RTP потока удаленной стороны
type RemoteRTP struct {
	Host         string
	Port         int
	Media        string
	PayloadTypes []uint8
	Setup        SetupRole
	Secured      bool
}

func newSessionDescription(host string) *sdp.SessionDescription {
	addrType := "IP4"
	if strings.Contains(host, ":") {
		addrType = "IP6"
	}
	now := uint64(time.Now().UnixNano())
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: host,
		},
		SessionName: "-",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
}

// BuildMSRPSDP формирует описание сессии с одной m=message строкой
func BuildMSRPSDP(p MSRPParams) ([]byte, error) {
	if p.Path == "" {
		return nil, ErrNoPath
	}

	protos := []string{"TCP", "MSRP"}
	if p.Secured {
		protos = []string{"TCP", "TLS", "MSRP"}
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   MediaMessage,
			Port:    sdp.RangedPort{Value: p.Port},
			Protos:  protos,
			Formats: []string{"*"},
		},
	}

	acceptTypes := p.AcceptTypes
	if len(acceptTypes) == 0 {
		acceptTypes = []string{"*"}
	}
	media.Attributes = append(media.Attributes, sdp.NewAttribute("accept-types", strings.Join(acceptTypes, " ")))
	if len(p.WrappedTypes) > 0 {
		media.Attributes = append(media.Attributes, sdp.NewAttribute("accept-wrapped-types", strings.Join(p.WrappedTypes, " ")))
	}
	if p.FileSelector != "" {
		media.Attributes = append(media.Attributes, sdp.NewAttribute("file-selector", p.FileSelector))
	}
	media.Attributes = append(media.Attributes, sdp.NewAttribute("setup", string(p.Setup)))
	media.Attributes = append(media.Attributes, sdp.NewAttribute("path", p.Path))
	if p.MaxSize > 0 {
		media.Attributes = append(media.Attributes, sdp.NewAttribute("max-size", strconv.FormatInt(p.MaxSize, 10)))
	}
	if p.Secured && p.Fingerprint != "" {
		media.Attributes = append(media.Attributes, sdp.NewAttribute("fingerprint", p.Fingerprint))
	}
	direction := p.Direction
	if direction == "" {
		direction = "sendrecv"
	}
	media.Attributes = append(media.Attributes, sdp.NewPropertyAttribute(direction))

	desc := newSessionDescription(p.Host)
	desc.MediaDescriptions = []*sdp.MediaDescription{media}
	return desc.Marshal()
}

// ParseMSRPMedia извлекает параметры первой m=message строки
func ParseMSRPMedia(raw []byte) (*RemoteMSRP, error) {
	desc, err := unmarshal(raw)
	if err != nil {
		return nil, err
	}

	media := findMedia(desc, MediaMessage)
	if media == nil {
		return nil, ErrNoMediaLine
	}

	proto := strings.ToUpper(strings.Join(media.MediaName.Protos, "/"))
	remote := &RemoteMSRP{Port: media.MediaName.Port.Value}
	switch proto {
	case "TCP/MSRP":
	case "TCP/TLS/MSRP":
		remote.Secured = true
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, proto)
	}

	remote.Host = extractRemoteAddress(media, desc)
	if remote.Host == "" {
		return nil, ErrNoRemoteAddress
	}

	path, ok := media.Attribute("path")
	if !ok || strings.TrimSpace(path) == "" {
		return nil, ErrNoPath
	}
	remote.Path = strings.TrimSpace(path)
	if remote.ParsedPath, err = msrp.ParsePath(remote.Path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPath, err)
	}

	if v, ok := media.Attribute("setup"); ok {
		remote.Setup = ParseSetupRole(v)
	}
	if v, ok := media.Attribute("accept-types"); ok {
		remote.AcceptTypes = strings.Fields(v)
	}
	if v, ok := media.Attribute("accept-wrapped-types"); ok {
		remote.WrappedTypes = strings.Fields(v)
	}
	if v, ok := media.Attribute("max-size"); ok {
		remote.MaxSize, _ = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	}
	if v, ok := media.Attribute("fingerprint"); ok {
		remote.Fingerprint = v
	}
	if v, ok := media.Attribute("file-selector"); ok {
		remote.FileSelector = v
	}
	return remote, nil
}

// BuildRTPSDP формирует описание сессии с одной RTP строкой
func BuildRTPSDP(p RTPParams) ([]byte, error) {
	mediaType := p.Media
	if mediaType == "" {
		mediaType = MediaAudio
	}
	protos := []string{"RTP", "AVP"}
	if p.Secured {
		protos = []string{"UDP", "TLS", "RTP", "SAVP"}
	}

	pt := strconv.Itoa(int(p.PayloadType))
	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   mediaType,
			Port:    sdp.RangedPort{Value: p.Port},
			Protos:  protos,
			Formats: []string{pt},
		},
	}
	if enc, ok := staticEncodings[p.PayloadType]; ok {
		media.Attributes = append(media.Attributes, sdp.NewAttribute("rtpmap", pt+" "+enc))
	}
	if p.Secured {
		media.Attributes = append(media.Attributes, sdp.NewAttribute("setup", string(p.Setup)))
	}
	media.Attributes = append(media.Attributes, sdp.NewPropertyAttribute("sendrecv"))

	desc := newSessionDescription(p.Host)
	desc.MediaDescriptions = []*sdp.MediaDescription{media}
	return desc.Marshal()
}

// ParseRTPMedia извлекает параметры первой audio или video строки
func ParseRTPMedia(raw []byte) (*RemoteRTP, error) {
	desc, err := unmarshal(raw)
	if err != nil {
		return nil, err
	}

	media := findMedia(desc, MediaAudio)
	if media == nil {
		media = findMedia(desc, MediaVideo)
	}
	if media == nil {
		return nil, ErrNoMediaLine
	}

	remote := &RemoteRTP{
		Port:  media.MediaName.Port.Value,
		Media: media.MediaName.Media,
	}
	switch proto := strings.ToUpper(strings.Join(media.MediaName.Protos, "/")); proto {
	case "RTP/AVP":
	case "UDP/TLS/RTP/SAVP", "UDP/TLS/RTP/SAVPF":
		remote.Secured = true
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, proto)
	}

	remote.Host = extractRemoteAddress(media, desc)
	if remote.Host == "" {
		return nil, ErrNoRemoteAddress
	}
	for _, format := range media.MediaName.Formats {
		if pt, err := strconv.Atoi(format); err == nil && pt >= 0 && pt < 128 {
			remote.PayloadTypes = append(remote.PayloadTypes, uint8(pt))
		}
	}
	if v, ok := media.Attribute("setup"); ok {
		remote.Setup = ParseSetupRole(v)
	}
	return remote, nil
}

// MediaTypes возвращает типы всех m= строк описания
func MediaTypes(raw []byte) []string {
	desc, err := unmarshal(raw)
	if err != nil {
		return nil
	}
	var out []string
	for _, m := range desc.MediaDescriptions {
		out = append(out, m.MediaName.Media)
	}
	return out
}

// MSRPFileSelector возвращает a=file-selector первой m=message строки
func MSRPFileSelector(raw []byte) (string, bool) {
	desc, err := unmarshal(raw)
	if err != nil {
		return "", false
	}
	media := findMedia(desc, MediaMessage)
	if media == nil {
		return "", false
	}
	return media.Attribute("file-selector")
}

func unmarshal(raw []byte) (*sdp.SessionDescription, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidSDP)
	}
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSDP, err)
	}
	return desc, nil
}

func findMedia(desc *sdp.SessionDescription, mediaType string) *sdp.MediaDescription {
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == mediaType {
			return m
		}
	}
	return nil
}

// extractRemoteAddress адрес из c= медиа строки, затем сессии, затем o=
func extractRemoteAddress(media *sdp.MediaDescription, desc *sdp.SessionDescription) string {
	if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
		return media.ConnectionInformation.Address.Address
	}
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		return desc.ConnectionInformation.Address.Address
	}
	return desc.Origin.UnicastAddress
}

// ParseFileSelector разбирает a=file-selector:
// name:"file.jpg" type:image/jpeg size:1234 hash:sha-1:...
func ParseFileSelector(v string) (name, contentType string, size int64) {
	rest := v
	for rest != "" {
		rest = strings.TrimSpace(rest)
		key, value, ok := strings.Cut(rest, ":")
		if !ok {
			break
		}
		if strings.HasPrefix(value, "\"") {
			end := strings.Index(value[1:], "\"")
			if end < 0 {
				break
			}
			if key == "name" {
				name = value[1 : end+1]
			}
			rest = value[end+2:]
			continue
		}
		field, tail, _ := strings.Cut(value, " ")
		switch key {
		case "type":
			contentType = field
		case "size":
			size, _ = strconv.ParseInt(field, 10, 64)
		}
		rest = tail
	}
	return name, contentType, size
}
