/*
Package log provides structured logging built on zerolog.

A single global Logger is configured once via Init and shared by every
package. Call sites that own a long-lived context (a service name, a
component) derive a child logger with WithComponent/WithService/WithDevice
instead of repeating fields on every call.
*/
package log
