// Package config defines the configuration of a sessionflow process and
// loads it with koanf.
//
// Sources are layered, highest precedence first:
//
//  1. Environment variables prefixed with SESSIONFLOW_
//  2. A YAML file (or raw YAML bytes)
//  3. DefaultConfig()
//
// Environment keys map onto the first underscore after the prefix, keeping
// the remaining underscores in the field name:
//
//	SESSIONFLOW_MEDIATOR_THREAD_COUNT   -> mediator.thread_count
//	SESSIONFLOW_CLEANUP_WINDOW          -> cleanup.window
//	SESSIONFLOW_MEDIATOR_WAIT_BETWEEN_ATTEMPTS=1s,2s,4s
//
// Durations use Go duration syntax ("500ms", "1h"). List values from the
// environment are comma separated.
//
// Example:
//
//	cfg, err := config.Load("/etc/sessionflow/config.yaml")
//	if err != nil {
//		return err
//	}
//	fmt.Println(cfg.Mediator.ThreadCount)
package config
