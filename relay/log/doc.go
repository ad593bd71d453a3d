// Package log defines the structured logging facade used across lib-relay.
//
// Components accept the Logger interface and default to a no-op logger when
// none is provided; production deployments typically inject the zap-backed
// implementation from the relay/zap package.
package log
