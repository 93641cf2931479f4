// Package auditlog writes a structured JSON trail of every money movement and
// webhook decision, separate from the request log.
package auditlog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var log = newLogger(os.Stdout)

func newLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	return l
}

// SetOutput redirects the audit stream.
func SetOutput(out io.Writer) {
	log.SetOutput(out)
}

// WalletMutation records a committed balance change.
func WalletMutation(kind string, userID, walletID uint, delta, balanceAfter int64, reason string) {
	log.WithFields(logrus.Fields{
		"event":         "wallet." + kind,
		"user_id":       userID,
		"wallet_id":     walletID,
		"delta":         delta,
		"balance_after": balanceAfter,
		"reason":        reason,
	}).Info("wallet mutation committed")
}

// ChargeRejected records a refused charge.
func ChargeRejected(userID uint, amount int64, cause string) {
	log.WithFields(logrus.Fields{
		"event":   "wallet.charge_rejected",
		"user_id": userID,
		"amount":  amount,
		"cause":   cause,
	}).Warn("charge rejected")
}

// Webhook records the outcome of one provider notification.
func Webhook(provider, eventID, eventType, outcome string, err error) {
	entry := log.WithFields(logrus.Fields{
		"event":             "webhook." + outcome,
		"provider":          provider,
		"provider_event_id": eventID,
		"event_type":        eventType,
	})
	if err != nil {
		entry.WithError(err).Error("webhook processing failed")
		return
	}
	entry.Info("webhook handled")
}

// Alert records a condition that needs human follow-up, such as a paid
// order whose SKU is unknown.
func Alert(subject string, fields map[string]interface{}) {
	log.WithFields(logrus.Fields(fields)).WithField("event", "alert").Error(subject)
}

// WithFields exposes the underlying logger for ad-hoc audit lines.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return log.WithFields(fields)
}
