package http

// Config holds the coordinator's HTTP listener settings.
type Config struct {
	Port uint `mapstructure:"port"`
}
