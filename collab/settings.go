package collab

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// all component settings of one client
type Settings struct {
	Connection   *ConnectionSettings
	Chat         *ChatSettings
	Whiteboard   *WhiteboardSettings
	NatsBroker   *NatsBrokerSettings
	WsBroker     *WsBrokerSettings
	RedisSession *RedisSessionStoreSettings
}

func DefaultSettings() *Settings {
	return &Settings{
		Connection:   DefaultConnectionSettings(),
		Chat:         DefaultChatSettings(),
		Whiteboard:   DefaultWhiteboardSettings(),
		NatsBroker:   DefaultNatsBrokerSettings(),
		WsBroker:     DefaultWsBrokerSettings(),
		RedisSession: DefaultRedisSessionStoreSettings(),
	}
}

const settingsEnvPrefix = "COLLAB"

// reads a settings file over the defaults
// any key can be overridden in the environment, e.g. `connection.ping_interval` by `COLLAB_CONNECTION_PING_INTERVAL`
// an empty path reads only the environment
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(settingsEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	settings := DefaultSettings()
	settings.apply(v)
	return settings, nil
}

func (self *Settings) apply(v *viper.Viper) {
	c := self.Connection
	setDuration(v, "connection.token_renew_interval", &c.TokenRenewInterval)
	setDuration(v, "connection.ping_interval", &c.PingInterval)
	setDuration(v, "connection.reconnect_watchdog_timeout", &c.ReconnectWatchdogTimeout)
	setDuration(v, "connection.fetch_error_backoff", &c.FetchErrorBackoff)
	setInt(v, "connection.fetch_batch_size", &c.FetchBatchSize)
	setDuration(v, "connection.subject_queue.publish_timeout", &c.SubjectQueueSettings.PublishTimeout)
	setInt(v, "connection.subject_queue.max_depth", &c.SubjectQueueSettings.MaxSubjectQueueDepth)

	setInt(v, "chat.max_messages_per_conversation", &self.Chat.MaxMessagesPerConversation)

	w := self.Whiteboard
	setDuration(v, "whiteboard.deleted_element_retention", &w.DeletedElementRetention)
	setDuration(v, "whiteboard.full_state_reply_delay", &w.FullStateReplyDelay)
	setDuration(v, "whiteboard.pointer_throttle_interval", &w.PointerThrottleInterval)
	setInt(v, "whiteboard.preload_forward_from_first", &w.PreloadForwardFromFirst)
	setInt(v, "whiteboard.preload_behind", &w.PreloadBehind)
	setInt(v, "whiteboard.preload_ahead", &w.PreloadAhead)
	setInt(v, "whiteboard.max_image_fetch_attempts", &w.MaxImageFetchAttempts)
	setString(v, "whiteboard.file_base_url", &w.FileBaseUrl)

	n := self.NatsBroker
	setString(v, "nats.url", &n.Url)
	setString(v, "nats.name", &n.Name)
	setDuration(v, "nats.connect_timeout", &n.ConnectTimeout)
	setDuration(v, "nats.reconnect_wait", &n.ReconnectWait)
	setDuration(v, "nats.fetch_max_wait", &n.FetchMaxWait)
	setDuration(v, "nats.ping_interval", &n.PingInterval)

	ws := self.WsBroker
	setString(v, "ws.url", &ws.Url)
	setDuration(v, "ws.handshake_timeout", &ws.WsHandshakeTimeout)
	setDuration(v, "ws.auth_timeout", &ws.AuthTimeout)
	setDuration(v, "ws.reconnect_timeout", &ws.ReconnectTimeout)
	setDuration(v, "ws.ping_timeout", &ws.PingTimeout)
	setDuration(v, "ws.write_timeout", &ws.WriteTimeout)
	setDuration(v, "ws.read_timeout", &ws.ReadTimeout)
	setDuration(v, "ws.publish_ack_timeout", &ws.PublishAckTimeout)
	setDuration(v, "ws.fetch_max_wait", &ws.FetchMaxWait)

	r := self.RedisSession
	setBool(v, "redis.enabled", &r.Enabled)
	setString(v, "redis.addr", &r.Addr)
	setString(v, "redis.password", &r.Password)
	setInt(v, "redis.db", &r.Db)
	setString(v, "redis.key_prefix", &r.KeyPrefix)
	setDuration(v, "redis.ttl", &r.Ttl)
}

func setDuration(v *viper.Viper, key string, out *time.Duration) {
	if v.IsSet(key) {
		*out = v.GetDuration(key)
	}
}

func setBool(v *viper.Viper, key string, out *bool) {
	if v.IsSet(key) {
		*out = v.GetBool(key)
	}
}

func setInt(v *viper.Viper, key string, out *int) {
	if v.IsSet(key) {
		*out = v.GetInt(key)
	}
}

func setString(v *viper.Viper, key string, out *string) {
	if v.IsSet(key) {
		*out = v.GetString(key)
	}
}
