package observability

import (
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

const serviceName = "contacts-api"

func InitSentry(dsn, environment string) error {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		ServerName:       serviceName,
		AttachStacktrace: true,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// ReportError sends err to Sentry tagged with the operation that failed.
// It is a no-op when Sentry was never initialised.
func ReportError(operation string, err error) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("operation", operation)
		sentry.CaptureException(err)
	})
}
