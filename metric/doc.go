// Package metric owns the Prometheus registry of a sessionflow process.
//
// Components never register with the global Prometheus registry. They receive
// a *MetricsRegistry and register their collectors under a service name,
// which lets tests build isolated registries and lets duplicate registrations
// surface as invalid errors instead of panics.
package metric
