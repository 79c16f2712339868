// Package notice carries user-visible messages from the room client to whatever renders them.
package notice

// Severity distinguishes dismissible notices from ones that need a reload.
type Severity string

const (
	// SeverityTransient is a lightweight, dismissible notice.
	SeverityTransient Severity = "transient"
	// SeverityReload means the session cannot recover without a manual reload.
	SeverityReload Severity = "reload"
)

// Notice is a single user-visible message.
type Notice struct {
	Severity Severity
	Title    string
	Message  string
	// Action names the intent that produced the notice, empty for connection notices.
	Action string
}

// Sink receives notices. Implementations must not block.
type Sink interface {
	Notify(Notice)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Notice)

// Notify calls f.
func (f SinkFunc) Notify(n Notice) {
	f(n)
}

// Discard drops every notice.
var Discard Sink = SinkFunc(func(Notice) {})
