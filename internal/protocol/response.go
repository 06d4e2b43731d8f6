package protocol

import "strings"

// StatusSuccess is the status token of an accepted command.
const StatusSuccess = "SUCCESS"

// Response is a parsed response line.
type Response struct {
	Raw    string   // line as read, trailing whitespace removed
	Status string   // first field, e.g. SUCCESS, FAILURE, ERROR
	OK     bool     // line starts with SUCCESS
	Fields []string // remaining fields, each trimmed
}

// ParseResponse splits a response line into its status token and fields.
// Any line starting with SUCCESS is accepted, so "SUCCESS Connected" is OK
// with Status "SUCCESS Connected". An empty line parses as a rejection with
// an empty status.
func ParseResponse(line string) Response {
	r := Response{Raw: line}
	if line == "" {
		return r
	}
	parts := strings.Split(line, ",")
	r.Status = strings.TrimSpace(parts[0])
	r.OK = strings.HasPrefix(line, StatusSuccess)
	if len(parts) > 1 {
		r.Fields = make([]string, len(parts)-1)
		for i, p := range parts[1:] {
			r.Fields[i] = strings.TrimSpace(p)
		}
	}
	return r
}

// Exact reports whether the status token is exactly SUCCESS, as required
// for responses that carry data fields.
func (r Response) Exact() bool { return r.OK && r.Status == StatusSuccess }

// Reason returns everything after the status token as the server wrote it.
func (r Response) Reason() string {
	_, rest, _ := strings.Cut(r.Raw, ",")
	return strings.TrimSpace(rest)
}
