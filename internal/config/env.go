package config

import (
	"os"
	"strings"
)

const (
	EnvTwitterConsumerKey    = "TWITTER_CONSUMER_KEY"
	EnvTwitterConsumerSecret = "TWITTER_CONSUMER_SECRET"
	EnvAdminToken            = "POSTBOT_ADMIN_TOKEN"
)

// applyEnv fills secrets the file leaves empty. File values win.
func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	fill := func(dst *string, key string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = strings.TrimSpace(getenv(key))
		}
	}
	fill(&cfg.Platforms.Twitter.ConsumerKey, EnvTwitterConsumerKey)
	fill(&cfg.Platforms.Twitter.ConsumerSecret, EnvTwitterConsumerSecret)
	fill(&cfg.Admin.Token, EnvAdminToken)
}
