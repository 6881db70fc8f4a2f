// Package config loads the deployd configuration.
//
// Values are layered: built-in defaults, an optional YAML file, .env files
// and finally DEPLOYD_* environment variables. The server secret used to
// protect stored private keys is only read from SSH_KEY_ENCRYPTION_KEY.
//
//	server:
//	  listen_address: ":8080"
//	paths:
//	  tasks_dir: /srv/deployd/tasks
//	  infra_dir: /srv/deployd/infra
//	timeouts:
//	  start: 10s
//	  inactivity: 30s
//	  overall: 30m
//	  grace: 5s
//	  max_silent_periods: 0
//	terraform:
//	  workspace_policy: tolerant
//	telemetry:
//	  logging:
//	    level: info
//
// A Watcher reloads the file on change; LevelReloader applies the new log
// level to a running logger.
package config
