package config

import (
	"fmt"
	"time"
)

// PortAllocationStrategy определяет стратегию выделения портов из пула.
//   - Sequential - последовательное выделение (предсказуемое)
//   - Random - случайное выделение (меньше коллизий при перезапусках)
type PortAllocationStrategy string

const (
	PortAllocationSequential PortAllocationStrategy = "sequential"
	PortAllocationRandom     PortAllocationStrategy = "random"
)

// SIPConfig настройки сигнального транспорта
type SIPConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"` // адрес для входящих запросов, host:port
	Network    string `mapstructure:"network" yaml:"network"`         // udp или tcp
	UserAgent  string `mapstructure:"user_agent" yaml:"user_agent"`
	Hostname   string `mapstructure:"hostname" yaml:"hostname"`
	LocalUser  string `mapstructure:"local_user" yaml:"local_user"` // user-часть собственного URI
	Domain     string `mapstructure:"domain" yaml:"domain"`

	// ConferenceURI адрес сервера конференций для групповых чатов
	ConferenceURI string `mapstructure:"conference_uri" yaml:"conference_uri"`
}

// MediaConfig настройки согласования медиа
type MediaConfig struct {
	LocalHost    string                 `mapstructure:"local_host" yaml:"local_host"`
	MinPort      uint16                 `mapstructure:"min_port" yaml:"min_port"`
	MaxPort      uint16                 `mapstructure:"max_port" yaml:"max_port"`
	PortStep     int                    `mapstructure:"port_step" yaml:"port_step"`
	PortStrategy PortAllocationStrategy `mapstructure:"port_strategy" yaml:"port_strategy"`

	// MSRP
	MSRPSecured  bool     `mapstructure:"msrp_secured" yaml:"msrp_secured"`
	AcceptTypes  []string `mapstructure:"accept_types" yaml:"accept_types"`
	WrappedTypes []string `mapstructure:"wrapped_types" yaml:"wrapped_types"`
	MaxChunkSize int      `mapstructure:"max_chunk_size" yaml:"max_chunk_size"`
	// ImageTypes типы изображений, принимаемые при обмене изображениями
	ImageTypes []string `mapstructure:"image_types" yaml:"image_types"`

	// RTP
	RTPPayloadType uint8  `mapstructure:"rtp_payload_type" yaml:"rtp_payload_type"`
	DTLSEnabled    bool   `mapstructure:"dtls_enabled" yaml:"dtls_enabled"`
	DTLSIdentity   string `mapstructure:"dtls_identity" yaml:"dtls_identity"`
	DTLSPSK        string `mapstructure:"dtls_psk" yaml:"dtls_psk"` // hex
}

// LimitsConfig ограничения, применяемые контролем допуска.
// Значение 0 означает отсутствие ограничения.
type LimitsConfig struct {
	MaxChatSessions          int     `mapstructure:"max_chat_sessions" yaml:"max_chat_sessions"`
	MaxFileTransferSessions  int     `mapstructure:"max_file_transfer_sessions" yaml:"max_file_transfer_sessions"`
	MaxOutgoingFileTransfers int     `mapstructure:"max_outgoing_file_transfers" yaml:"max_outgoing_file_transfers"`
	MaxIPCallSessions        int     `mapstructure:"max_ip_call_sessions" yaml:"max_ip_call_sessions"`
	MaxGenericSessions       int     `mapstructure:"max_generic_sessions" yaml:"max_generic_sessions"`
	MaxSharingSessions       int     `mapstructure:"max_sharing_sessions" yaml:"max_sharing_sessions"`
	MaxFileTransferSize      int64   `mapstructure:"max_file_transfer_size" yaml:"max_file_transfer_size"`
	MaxImageSharingSize      int64   `mapstructure:"max_image_sharing_size" yaml:"max_image_sharing_size"`
	InviteRate               float64 `mapstructure:"invite_rate" yaml:"invite_rate"` // входящих INVITE в секунду, 0 - без ограничения
	InviteBurst              int     `mapstructure:"invite_burst" yaml:"invite_burst"`
}

// TimeoutsConfig максимальные времена ожидания в точках приостановки сессии
type TimeoutsConfig struct {
	Ringing           time.Duration `mapstructure:"ringing" yaml:"ringing"`
	Transaction       time.Duration `mapstructure:"transaction" yaml:"transaction"`
	Ack               time.Duration `mapstructure:"ack" yaml:"ack"`
	MediaSetup        time.Duration `mapstructure:"media_setup" yaml:"media_setup"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval" yaml:"keepalive_interval"`
	Inactivity        time.Duration `mapstructure:"inactivity" yaml:"inactivity"` // 0 - не отслеживать
}

// CapabilitiesConfig настройки кэша возможностей контактов
type CapabilitiesConfig struct {
	Validity time.Duration `mapstructure:"validity" yaml:"validity"`
}

// StoreAndForwardConfig настройки доставки через промежуточный сервер
type StoreAndForwardConfig struct {
	ServerURI string `mapstructure:"server_uri" yaml:"server_uri"`
}

// HTTPTransferConfig настройки передачи файлов по HTTP
type HTTPTransferConfig struct {
	ContentServerURL string        `mapstructure:"content_server_url" yaml:"content_server_url"`
	DownloadDir      string        `mapstructure:"download_dir" yaml:"download_dir"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// PersistenceConfig настройки журнала событий
type PersistenceConfig struct {
	JournalPath string `mapstructure:"journal_path" yaml:"journal_path"` // пусто - хранение в памяти
}

// MetricsConfig настройки экспорта метрик
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	Namespace  string `mapstructure:"namespace" yaml:"namespace"`
}

// LogConfig настройки логирования
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text или json
}

// Settings содержит все настройки стека.
// Читается сервисами только при создании сессии, во время работы не меняется.
type Settings struct {
	SIP             SIPConfig             `mapstructure:"sip" yaml:"sip"`
	Media           MediaConfig           `mapstructure:"media" yaml:"media"`
	Limits          LimitsConfig          `mapstructure:"limits" yaml:"limits"`
	Timeouts        TimeoutsConfig        `mapstructure:"timeouts" yaml:"timeouts"`
	Capabilities    CapabilitiesConfig    `mapstructure:"capabilities" yaml:"capabilities"`
	StoreAndForward StoreAndForwardConfig `mapstructure:"store_and_forward" yaml:"store_and_forward"`
	HTTPTransfer    HTTPTransferConfig    `mapstructure:"http_transfer" yaml:"http_transfer"`
	Persistence     PersistenceConfig     `mapstructure:"persistence" yaml:"persistence"`
	Metrics         MetricsConfig         `mapstructure:"metrics" yaml:"metrics"`
	Log             LogConfig             `mapstructure:"log" yaml:"log"`
}

// DefaultConfig возвращает конфигурацию по умолчанию.
// Таймауты соответствуют типичным значениям RCS профиля:
//   - Ringing: 64 секунды ожидания решения пользователя
//   - Transaction: 32 секунды (64*T1)
//   - Media setup: 10 секунд на установку MSRP соединения
func DefaultConfig() *Settings {
	return &Settings{
		SIP: SIPConfig{
			ListenAddr: "0.0.0.0:5060",
			Network:    "udp",
			UserAgent:  "rcs_core/1.0",
			Hostname:   "localhost",
			LocalUser:  "rcs",
			Domain:     "localhost",
		},
		Media: MediaConfig{
			LocalHost:      "127.0.0.1",
			MinPort:        20000,
			MaxPort:        20998,
			PortStep:       2,
			PortStrategy:   PortAllocationSequential,
			AcceptTypes:    []string{"message/cpim", "application/im-iscomposing+xml"},
			WrappedTypes:   []string{"text/plain", "message/imdn+xml"},
			MaxChunkSize:   10 * 1024,
			ImageTypes:     []string{"image/jpeg", "image/png", "image/gif", "image/bmp"},
			RTPPayloadType: 0,
		},
		Limits: LimitsConfig{
			MaxChatSessions:          20,
			MaxFileTransferSessions:  10,
			MaxOutgoingFileTransfers: 5,
			MaxIPCallSessions:        1,
			MaxGenericSessions:       0,
			MaxSharingSessions:       2,
			MaxFileTransferSize:      100 * 1024 * 1024,
			MaxImageSharingSize:      5 * 1024 * 1024,
			InviteRate:               0,
			InviteBurst:              10,
		},
		Timeouts: TimeoutsConfig{
			Ringing:           64 * time.Second,
			Transaction:       32 * time.Second,
			Ack:               32 * time.Second,
			MediaSetup:        10 * time.Second,
			KeepaliveInterval: 15 * time.Second,
			Inactivity:        0,
		},
		Capabilities: CapabilitiesConfig{
			Validity: 24 * time.Hour,
		},
		HTTPTransfer: HTTPTransferConfig{
			DownloadDir:    ".",
			RequestTimeout: 60 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9090",
			Namespace:  "rcs",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate проверяет корректность конфигурации
func (s *Settings) Validate() error {
	if s.SIP.ListenAddr == "" {
		return fmt.Errorf("sip.listen_addr не может быть пустым")
	}
	switch s.SIP.Network {
	case "udp", "tcp":
	default:
		return fmt.Errorf("sip.network должен быть udp или tcp, получено %q", s.SIP.Network)
	}

	if s.Media.LocalHost == "" {
		return fmt.Errorf("media.local_host не может быть пустым")
	}
	if s.Media.MinPort == 0 || s.Media.MinPort >= s.Media.MaxPort {
		return fmt.Errorf("media.min_port должен быть больше 0 и меньше media.max_port")
	}
	if s.Media.PortStep <= 0 {
		return fmt.Errorf("media.port_step должен быть больше 0")
	}
	switch s.Media.PortStrategy {
	case PortAllocationSequential, PortAllocationRandom:
	default:
		return fmt.Errorf("неизвестная стратегия выделения портов: %q", s.Media.PortStrategy)
	}
	if s.Media.DTLSEnabled && (s.Media.DTLSIdentity == "" || s.Media.DTLSPSK == "") {
		return fmt.Errorf("для DTLS необходимы media.dtls_identity и media.dtls_psk")
	}

	limits := []struct {
		name  string
		value int
	}{
		{"limits.max_chat_sessions", s.Limits.MaxChatSessions},
		{"limits.max_file_transfer_sessions", s.Limits.MaxFileTransferSessions},
		{"limits.max_outgoing_file_transfers", s.Limits.MaxOutgoingFileTransfers},
		{"limits.max_ip_call_sessions", s.Limits.MaxIPCallSessions},
		{"limits.max_generic_sessions", s.Limits.MaxGenericSessions},
		{"limits.max_sharing_sessions", s.Limits.MaxSharingSessions},
	}
	for _, l := range limits {
		if l.value < 0 {
			return fmt.Errorf("%s не может быть отрицательным", l.name)
		}
	}
	if s.Limits.MaxFileTransferSize < 0 {
		return fmt.Errorf("limits.max_file_transfer_size не может быть отрицательным")
	}
	if s.Limits.MaxImageSharingSize < 0 {
		return fmt.Errorf("limits.max_image_sharing_size не может быть отрицательным")
	}
	if s.Limits.InviteRate < 0 {
		return fmt.Errorf("limits.invite_rate не может быть отрицательным")
	}

	timeouts := []struct {
		name  string
		value time.Duration
	}{
		{"timeouts.ringing", s.Timeouts.Ringing},
		{"timeouts.transaction", s.Timeouts.Transaction},
		{"timeouts.ack", s.Timeouts.Ack},
		{"timeouts.media_setup", s.Timeouts.MediaSetup},
	}
	for _, t := range timeouts {
		if t.value <= 0 {
			return fmt.Errorf("%s должен быть больше 0", t.name)
		}
	}
	if s.Capabilities.Validity <= 0 {
		return fmt.Errorf("capabilities.validity должен быть больше 0")
	}

	return nil
}

// Copy создает глубокую копию конфигурации.
// Изменения в копии не влияют на оригинал.
func (s *Settings) Copy() *Settings {
	if s == nil {
		return nil
	}

	c := *s
	c.Media.AcceptTypes = append([]string(nil), s.Media.AcceptTypes...)
	c.Media.WrappedTypes = append([]string(nil), s.Media.WrappedTypes...)
	c.Media.ImageTypes = append([]string(nil), s.Media.ImageTypes...)
	return &c
}
