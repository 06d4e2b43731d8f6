// Package protocol implements the line protocol spoken with the measurement
// server over its standard streams: one command line out, one response line
// back, strictly alternating.
//
// Responses are comma separated. The first field is a status token; SUCCESS
// marks an accepted command and the remaining fields carry its payload.
// Anything else (FAILURE, ERROR, ...) is a rejection whose remaining fields
// form the reason.
package protocol
