// Package config handles configuration loading for chat-relay.
//
// # Overview
//
// Configuration is merged from three sources, later ones winning:
//
//  1. A YAML or TOML file (chosen by extension), with ${VAR} expansion
//  2. A .env file loaded into the process environment (see LoadEnvFile)
//  3. Well-known environment variables such as OPENAI_API_KEY or RABBITMQ_URL
//
// Zero-valued fields then receive defaults and the result is validated.
//
// # Configuration File
//
// Default location (see DefaultPath):
//
//  1. Path from RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/chat-relay/relay.yaml
//  3. ~/.config/chat-relay/relay.yaml
//
// A missing file is allowed; the relay can run from the environment alone.
//
// # Environment Overrides
//
//	OPENAI_API_KEY, OPENAI_MODEL, OPENAI_ASSISTANT_ID
//	RABBITMQ_URL, QUEUE_NAME, ROUTING_KEY, EXCHANGE_NAME
//	REDIS_URL, REDIS_PREFIX, REDIS_THREAD_EXPIRY (seconds)
//	WEBSOCKET_URI, SOCKET_TOKEN_SECRET
//	NODE_ENV, LOG_LEVEL, LOG_FORMAT
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	dispatch:
//	  initial_timeout: "45s"
//	  idle_timeout: "60s"
//	  overall_timeout: "90s"
//	cache:
//	  retention: "2160h"
//
// # Usage
//
//	_ = config.LoadEnvFile("")
//	cfg, err := config.Load(config.DefaultPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
