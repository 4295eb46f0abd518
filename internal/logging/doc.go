// Package logging provides the zap-backed logger shared by all OpenTraceProbe
// packages. Logging is silent unless enabled explicitly or through the
// OTP_LOG_LEVEL environment variable, so the library never writes to the
// terminal of a host application on its own.
package logging
