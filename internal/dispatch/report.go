package dispatch

import (
	"go.uber.org/zap"

	"github.com/SkynetNext/mktdata-gateway/internal/metrics"
	"github.com/SkynetNext/mktdata-gateway/internal/transport"
)

// ReportKind classifies a dispatch anomaly
type ReportKind string

const (
	KindUnknownEventType    ReportKind = "unknown_event_type"
	KindUnknownMessageType  ReportKind = "unknown_message_type"
	KindMissingCorrelation  ReportKind = "missing_correlation"
	KindUnknownCorrelation  ReportKind = "unknown_correlation"
	KindHandlerPanic        ReportKind = "handler_panic"
	KindInvalidTransition   ReportKind = "invalid_session_transition"
	KindStartupFailure      ReportKind = "session_startup_failure"
	KindServiceOpenRequest  ReportKind = "service_open_request_failed"
	KindServiceOpenFailure  ReportKind = "service_open_failure"
	KindMissingServiceName  ReportKind = "missing_service_name"
	KindSubscriptionFailure ReportKind = "subscription_failure"
	KindRequestFailure      ReportKind = "request_failure"
)

// Report describes one anomaly observed while dispatching. Reports are the only
// side channel through which dispatch problems surface; they never stop dispatch.
type Report struct {
	Kind    ReportKind
	Event   transport.EventType
	Message transport.Message
	Err     error
}

// Reporter receives dispatch reports
type Reporter interface {
	Report(r Report)
}

// ReporterFunc adapts a function to Reporter
type ReporterFunc func(r Report)

// Report calls f(r)
func (f ReporterFunc) Report(r Report) {
	f(r)
}

// LogReporter logs reports and counts them
type LogReporter struct {
	Log *zap.Logger
}

// Report logs r at warn level
func (l LogReporter) Report(r Report) {
	metrics.IncReport(string(r.Kind))

	fields := []zap.Field{
		zap.String("kind", string(r.Kind)),
		zap.Stringer("event_type", r.Event),
		zap.String("message_type", messageTypeName(r.Message)),
	}
	if !r.Message.CorrelationID.IsZero() {
		fields = append(fields, zap.Stringer("correlation_id", r.Message.CorrelationID))
	}
	if r.Message.Service != "" {
		fields = append(fields, zap.String("service", r.Message.Service))
	}
	if r.Err != nil {
		fields = append(fields, zap.Error(r.Err))
	}
	l.Log.Warn("dispatch report", fields...)
}

// multiReporter fans a report out to several reporters
type multiReporter []Reporter

func (m multiReporter) Report(r Report) {
	for _, rep := range m {
		rep.Report(r)
	}
}

func messageTypeName(msg transport.Message) string {
	if msg.Type == transport.MessageUnknown && msg.TypeName != "" {
		return msg.TypeName
	}
	return msg.Type.String()
}
