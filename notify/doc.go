// Package notify implements interfaces.Notifier.
//
// LogNotifier writes notifications to the service log and is meant for
// development. KafkaNotifier publishes them as JSON records for an external
// delivery service that owns email, SMS and push transport. Records on that
// topic carry verification codes, so access to it must be restricted to the
// delivery service.
package notify
