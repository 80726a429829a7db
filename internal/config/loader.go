package config

import (
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/viper"
)

// EnvPrefix префикс переменных окружения, например RCS_SIP_LISTEN_ADDR
const EnvPrefix = "RCS"

// NewViper создает экземпляр viper с зарегистрированными значениями по умолчанию
// и чтением переменных окружения.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper, d *Settings) {
	v.SetDefault("sip.listen_addr", d.SIP.ListenAddr)
	v.SetDefault("sip.network", d.SIP.Network)
	v.SetDefault("sip.user_agent", d.SIP.UserAgent)
	v.SetDefault("sip.hostname", d.SIP.Hostname)
	v.SetDefault("sip.local_user", d.SIP.LocalUser)
	v.SetDefault("sip.domain", d.SIP.Domain)
	v.SetDefault("sip.conference_uri", d.SIP.ConferenceURI)

	v.SetDefault("media.local_host", d.Media.LocalHost)
	v.SetDefault("media.min_port", d.Media.MinPort)
	v.SetDefault("media.max_port", d.Media.MaxPort)
	v.SetDefault("media.port_step", d.Media.PortStep)
	v.SetDefault("media.port_strategy", string(d.Media.PortStrategy))
	v.SetDefault("media.msrp_secured", d.Media.MSRPSecured)
	v.SetDefault("media.accept_types", d.Media.AcceptTypes)
	v.SetDefault("media.wrapped_types", d.Media.WrappedTypes)
	v.SetDefault("media.max_chunk_size", d.Media.MaxChunkSize)
	v.SetDefault("media.image_types", d.Media.ImageTypes)
	v.SetDefault("media.rtp_payload_type", d.Media.RTPPayloadType)
	v.SetDefault("media.dtls_enabled", d.Media.DTLSEnabled)
	v.SetDefault("media.dtls_identity", d.Media.DTLSIdentity)
	v.SetDefault("media.dtls_psk", d.Media.DTLSPSK)

	v.SetDefault("limits.max_chat_sessions", d.Limits.MaxChatSessions)
	v.SetDefault("limits.max_file_transfer_sessions", d.Limits.MaxFileTransferSessions)
	v.SetDefault("limits.max_outgoing_file_transfers", d.Limits.MaxOutgoingFileTransfers)
	v.SetDefault("limits.max_ip_call_sessions", d.Limits.MaxIPCallSessions)
	v.SetDefault("limits.max_generic_sessions", d.Limits.MaxGenericSessions)
	v.SetDefault("limits.max_sharing_sessions", d.Limits.MaxSharingSessions)
	v.SetDefault("limits.max_file_transfer_size", d.Limits.MaxFileTransferSize)
	v.SetDefault("limits.max_image_sharing_size", d.Limits.MaxImageSharingSize)
	v.SetDefault("limits.invite_rate", d.Limits.InviteRate)
	v.SetDefault("limits.invite_burst", d.Limits.InviteBurst)

	v.SetDefault("timeouts.ringing", d.Timeouts.Ringing)
	v.SetDefault("timeouts.transaction", d.Timeouts.Transaction)
	v.SetDefault("timeouts.ack", d.Timeouts.Ack)
	v.SetDefault("timeouts.media_setup", d.Timeouts.MediaSetup)
	v.SetDefault("timeouts.keepalive_interval", d.Timeouts.KeepaliveInterval)
	v.SetDefault("timeouts.inactivity", d.Timeouts.Inactivity)

	v.SetDefault("capabilities.validity", d.Capabilities.Validity)
	v.SetDefault("store_and_forward.server_uri", d.StoreAndForward.ServerURI)

	v.SetDefault("http_transfer.content_server_url", d.HTTPTransfer.ContentServerURL)
	v.SetDefault("http_transfer.download_dir", d.HTTPTransfer.DownloadDir)
	v.SetDefault("http_transfer.request_timeout", d.HTTPTransfer.RequestTimeout)

	v.SetDefault("persistence.journal_path", d.Persistence.JournalPath)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen_addr", d.Metrics.ListenAddr)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// FromViper собирает Settings из текущего состояния viper и проверяет результат
func FromViper(v *viper.Viper) (*Settings, error) {
	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, oops.In("config").Wrapf(err, "ошибка разбора настроек")
	}
	if err := s.Validate(); err != nil {
		return nil, oops.In("config").Wrapf(err, "невалидная конфигурация")
	}
	return s, nil
}

// Load читает файл конфигурации (если путь не пустой), переменные окружения
// и возвращает проверенные настройки.
func Load(path string) (*Settings, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, oops.In("config").With("path", path).Wrapf(err, "ошибка чтения файла конфигурации")
		}
	}
	return FromViper(v)
}
