package redisstream

// Settings holds Redis Streams transport configuration for the event bus. With Enabled
// false events stay in process.
type Settings struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Addr     string `yaml:"addr" env:"ADDR"`
	Group    string `yaml:"group" env:"GROUP"`
	Consumer string `yaml:"consumer" env:"CONSUMER"`
	Topic    string `yaml:"topic" env:"TOPIC"`
}

const DefaultTopic = "chat"

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "livechat",
		Consumer: "cli-1",
		Topic:    DefaultTopic,
	}
}
