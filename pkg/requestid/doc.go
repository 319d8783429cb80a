// Package requestid attaches a correlation id to every inbound HTTP request,
// exposes it through the context, the logger and outbound requests made with
// Transport. Client-supplied ids are reused when they are short alphanumeric
// strings; anything else is replaced with a UUID.
package requestid
