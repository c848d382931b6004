// Package notify delivers one-time codes and other messages to device
// owners.
//
// Senders:
//   - MQTTSender publishes an email request to camrelay/notify/email for an
//     external mailer bridge.
//   - LogSender writes the message to the log, for development setups without
//     a mailer. It never logs the body at info level.
package notify
